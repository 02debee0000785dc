package model

// Logical document paths.
const (
	UsersCollection         = "users"
	StatusCollection        = "userStatus"
	ConversationsCollection = "conversations"
	messagesSegment         = "messages"
)

func UserPath(uid string) string {
	return UsersCollection + "/" + uid
}

func StatusPath(uid string) string {
	return StatusCollection + "/" + uid
}

func ConversationPath(id string) string {
	return ConversationsCollection + "/" + id
}

func MessagesPath(conversationID string) string {
	return ConversationPath(conversationID) + "/" + messagesSegment
}

func MessagePath(conversationID, messageID string) string {
	return MessagesPath(conversationID) + "/" + messageID
}
