package nats

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
)

func TestConnectOptions(t *testing.T) {
	base, err := connectOptions(Config{URL: "nats://localhost:4222"}, logger.Nop())
	require.NoError(t, err)

	withToken, err := connectOptions(Config{URL: "nats://localhost:4222", Token: "s3cret"}, logger.Nop())
	require.NoError(t, err)
	assert.Len(t, withToken, len(base)+1)

	// TLS is only attempted with all three files.
	partial, err := connectOptions(Config{CAFile: "ca.pem"}, logger.Nop())
	require.NoError(t, err)
	assert.Len(t, partial, len(base))

	dir := t.TempDir()
	_, err = connectOptions(Config{
		CAFile:   filepath.Join(dir, "ca.pem"),
		CertFile: filepath.Join(dir, "cert.pem"),
		KeyFile:  filepath.Join(dir, "key.pem"),
	}, logger.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS")
}

func TestPingWithoutConnection(t *testing.T) {
	c := &Client{logger: logger.Nop()}
	assert.False(t, c.IsConnected())
	assert.Error(t, c.Ping(context.Background()))
	c.Close()
}
