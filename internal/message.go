package internal

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind 訊息類型
type MessageKind string

const (
	KindUser              MessageKind = "user"                // 使用者發言
	KindSystem            MessageKind = "system"              // 一般系統訊息
	KindUserJoined        MessageKind = "user_joined"         // 成員加入
	KindUserLeft          MessageKind = "user_left"           // 成員離開
	KindRoomExpiring      MessageKind = "room_expiring"       // 過期預警（五分鐘內）
	KindRoomExpiringFinal MessageKind = "room_expiring_final" // 最後警告（一分鐘內）
	KindRoomExpired       MessageKind = "room_expired"        // 聊天室已過期
)

// SystemUsername 系統訊息的發送者名稱
const SystemUsername = "System"

// Message 聊天訊息
//
// 訊息一旦建立就不再修改，只會因日誌截斷或聊天室銷毀而被丟棄。
type Message struct {
	ID        string      `json:"id"`
	Username  string      `json:"username"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      MessageKind `json:"kind"`
}

// NewUserMessage 建立使用者發言
func NewUserMessage(username, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Username:  username,
		Content:   content,
		Timestamp: time.Now(),
		Kind:      KindUser,
	}
}

// NewSystemMessage 建立系統訊息
func NewSystemMessage(kind MessageKind, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Username:  SystemUsername,
		Content:   content,
		Timestamp: time.Now(),
		Kind:      kind,
	}
}
