package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/realtime-conversations/internal/model"
)

func dialWS(t *testing.T, srv *httptest.Server, as model.Identity) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?access_token=" + token(t, as)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of type want arrives and match accepts it.
func readUntil(t *testing.T, conn *websocket.Conn, want model.EventType, match func(model.ServerEvent) bool) model.ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev model.ServerEvent
		require.NoError(t, conn.ReadJSON(&ev), "waiting for %s", want)
		if ev.Type == want && (match == nil || match(ev)) {
			return ev
		}
	}
}

func TestWebsocketSession(t *testing.T) {
	e := newEnv(t, nil)
	conv := e.group(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv, alice)
	readUntil(t, conn, model.EventConnected, nil)

	require.NoError(t, conn.WriteJSON(model.ClientEvent{Type: model.EventOpen, ConversationID: conv.ID}))
	ev := readUntil(t, conn, model.EventMessages, nil)
	assert.Equal(t, conv.ID, ev.ConversationID)

	sent := e.do(t, bob, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", model.SendMessageRequest{Text: "over the wire"})
	require.Equal(t, http.StatusCreated, sent.Code)
	msg := decode[model.Message](t, sent)

	ev = readUntil(t, conn, model.EventMessages, func(ev model.ServerEvent) bool {
		var m model.MessagesEvent
		return json.Unmarshal(ev.Data, &m) == nil && len(m.Messages) == 1
	})
	var window model.MessagesEvent
	require.NoError(t, json.Unmarshal(ev.Data, &window))
	assert.Equal(t, msg.ID, window.Messages[0].ID)

	// The open, visible session reads what arrives.
	require.Eventually(t, func() bool {
		got, err := e.msgs.Get(context.Background(), conv.ID, msg.ID)
		if err != nil {
			return false
		}
		_, read := got.ReadBy["alice"]
		return read
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebsocketReportsBadFrames(t *testing.T) {
	e := newEnv(t, nil)
	conv := e.group(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv, carol)
	readUntil(t, conn, model.EventConnected, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	ev := readUntil(t, conn, model.EventError, nil)
	var body model.ErrorEvent
	require.NoError(t, json.Unmarshal(ev.Data, &body))
	assert.Equal(t, "invalid_frame", body.Code)

	require.NoError(t, conn.WriteJSON(model.ClientEvent{Type: "dance"}))
	ev = readUntil(t, conn, model.EventError, nil)
	require.NoError(t, json.Unmarshal(ev.Data, &body))
	assert.Equal(t, "invalid", body.Code)

	require.NoError(t, conn.WriteJSON(model.ClientEvent{Type: model.EventOpen, ConversationID: conv.ID}))
	ev = readUntil(t, conn, model.EventError, nil)
	require.NoError(t, json.Unmarshal(ev.Data, &body))
	assert.Equal(t, "permission_denied", body.Code)
	assert.Equal(t, conv.ID, ev.ConversationID)

	require.NoError(t, conn.WriteJSON(model.ClientEvent{Type: model.EventTyping, ConversationID: conv.ID, Typing: true}))
	ev = readUntil(t, conn, model.EventError, nil)
	require.NoError(t, json.Unmarshal(ev.Data, &body))
	assert.Equal(t, "permission_denied", body.Code, "typing in someone else's conversation")
	stored, err := e.convs.Get(context.Background(), "alice", conv.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Typing)

	require.NoError(t, conn.WriteJSON(model.ClientEvent{Type: model.EventTyping}))
	ev = readUntil(t, conn, model.EventError, nil)
	require.NoError(t, json.Unmarshal(ev.Data, &body))
	assert.Equal(t, "invalid", body.Code, "typing without a conversation")
}

func TestWebsocketRequiresToken(t *testing.T) {
	e := newEnv(t, nil)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRealtimeShutdownDisconnectsClients(t *testing.T) {
	e := newEnv(t, nil)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv, alice)
	readUntil(t, conn, model.EventConnected, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.realtime.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// New connections are refused with a close frame.
	late := dialWS(t, srv, bob)
	require.NoError(t, late.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
