package hub

import (
	"encoding/json"
	"time"
)

// Inbound and outbound wire message types.
const (
	TypeAuth        = "AUTH"
	TypeChat        = "CHAT_MESSAGE"
	TypeViewerCount = "VIEWER_COUNT"
	TypeStreamEnded = "STREAM_ENDED"
)

type inboundMessage struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

type viewerCountMessage struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type chatMessage struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type streamEndedMessage struct {
	Type string `json:"type"`
}

func encodeViewerCount(count int) []byte {
	payload, _ := json.Marshal(viewerCountMessage{Type: TypeViewerCount, Count: count})
	return payload
}

func encodeChat(user, message string, at time.Time) []byte {
	payload, _ := json.Marshal(chatMessage{
		Type:      TypeChat,
		User:      user,
		Message:   message,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
	return payload
}

func encodeStreamEnded() []byte {
	payload, _ := json.Marshal(streamEndedMessage{Type: TypeStreamEnded})
	return payload
}
