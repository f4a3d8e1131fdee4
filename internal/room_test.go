package internal_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-ephemeral-chat/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoom_AddParticipant 測試加入成員
func TestRoom_AddParticipant(t *testing.T) {
	tests := []struct {
		name     string
		setup    func() *internal.Room
		joiners  []string // 依序加入的連線 ID
		expected []bool   // 對應的加入結果
	}{
		{
			name: "join below capacity succeeds",
			setup: func() *internal.Room {
				return internal.NewRoom("1234", "conn_a", time.Hour, 3)
			},
			joiners:  []string{"conn_a", "conn_b", "conn_c"},
			expected: []bool{true, true, true},
		},
		{
			name: "join full room fails",
			setup: func() *internal.Room {
				return internal.NewRoom("1234", "conn_a", time.Hour, 2)
			},
			joiners:  []string{"conn_a", "conn_b", "conn_c"},
			expected: []bool{true, true, false},
		},
		{
			name: "duplicate connection id fails",
			setup: func() *internal.Room {
				return internal.NewRoom("1234", "conn_a", time.Hour, 5)
			},
			joiners:  []string{"conn_a", "conn_a"},
			expected: []bool{true, false},
		},
		{
			name: "expired room rejects joins",
			setup: func() *internal.Room {
				return internal.NewRoom("1234", "conn_a", -time.Minute, 5)
			},
			joiners:  []string{"conn_a"},
			expected: []bool{false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := tt.setup()
			for i, connID := range tt.joiners {
				p := internal.NewParticipant(connID, fmt.Sprintf("User_%d", i), room.Code)
				assert.Equal(t, tt.expected[i], room.AddParticipant(p), "joiner %d", i)
			}
		})
	}
}

// TestRoom_DerivedState 測試衍生屬性
func TestRoom_DerivedState(t *testing.T) {
	t.Run("fresh room", func(t *testing.T) {
		room := internal.NewRoom("1234", "conn_a", time.Hour, 2)

		assert.False(t, room.IsExpired())
		assert.False(t, room.IsFull())
		assert.False(t, room.IsActive(), "無成員的聊天室不算 active")

		p := internal.NewParticipant("conn_a", "Alice", room.Code)
		require.True(t, room.AddParticipant(p))
		assert.True(t, room.IsActive())

		require.True(t, room.AddParticipant(internal.NewParticipant("conn_b", "Bob", room.Code)))
		assert.True(t, room.IsFull())
	})

	t.Run("expired room", func(t *testing.T) {
		room := internal.NewRoom("1234", "conn_a", -time.Second, 2)

		assert.True(t, room.IsExpired())
		assert.False(t, room.IsActive())
		assert.Equal(t, time.Duration(0), room.TimeRemaining(), "過期後剩餘時間鉗制為零")
	})

	t.Run("time remaining is monotonically non-increasing", func(t *testing.T) {
		room := internal.NewRoom("1234", "conn_a", time.Hour, 2)

		first := room.TimeRemaining()
		time.Sleep(10 * time.Millisecond)
		second := room.TimeRemaining()

		assert.LessOrEqual(t, second, first)
		assert.LessOrEqual(t, first, time.Hour)
	})
}

// TestRoom_HasUsername 測試暱稱唯一性檢查（不分大小寫）
func TestRoom_HasUsername(t *testing.T) {
	room := internal.NewRoom("1234", "conn_a", time.Hour, 10)
	require.True(t, room.AddParticipant(internal.NewParticipant("conn_a", "Alice", room.Code)))

	assert.True(t, room.HasUsername("Alice"))
	assert.True(t, room.HasUsername("alice"))
	assert.True(t, room.HasUsername("ALICE"))
	assert.False(t, room.HasUsername("Bob"))
}

// TestRoom_MessageLogBounded 測試有界訊息日誌
//
// 501 則訊息後，第 1 則被淘汰，第 2-501 則依原本相對順序保留。
func TestRoom_MessageLogBounded(t *testing.T) {
	room := internal.NewRoom("1234", "conn_a", time.Hour, 10)

	const total = internal.MaxMessages + 1
	for i := 0; i < total; i++ {
		msg := internal.NewUserMessage("Alice", fmt.Sprintf("message_%d", i))
		require.True(t, room.AppendMessage(msg))
	}

	messages := room.Messages()
	require.Len(t, messages, internal.MaxMessages, "日誌長度不得超過上限")

	// 最舊的一則已被淘汰
	assert.Equal(t, "message_1", messages[0].Content)
	assert.Equal(t, fmt.Sprintf("message_%d", total-1), messages[len(messages)-1].Content)

	// 相對順序保持不變
	for i, msg := range messages {
		assert.Equal(t, fmt.Sprintf("message_%d", i+1), msg.Content)
	}
}

// TestRoom_AppendMessage_Expired 測試過期聊天室拒絕訊息
func TestRoom_AppendMessage_Expired(t *testing.T) {
	room := internal.NewRoom("1234", "conn_a", -time.Minute, 10)

	assert.False(t, room.AppendMessage(internal.NewUserMessage("Alice", "hello")))
	assert.Empty(t, room.Messages())
}

// TestRoom_ParticipantNames 測試成員名單依加入時間排序
func TestRoom_ParticipantNames(t *testing.T) {
	room := internal.NewRoom("1234", "conn_a", time.Hour, 10)

	for i, name := range []string{"Alice", "Bob", "Carol"} {
		p := internal.NewParticipant(fmt.Sprintf("conn_%d", i), name, room.Code)
		require.True(t, room.AddParticipant(p))
		time.Sleep(time.Millisecond) // 確保加入時間可區分
	}

	assert.Equal(t, []string{"Alice", "Bob", "Carol"}, room.ParticipantNames())

	require.True(t, room.RemoveParticipant("conn_1"))
	assert.Equal(t, []string{"Alice", "Carol"}, room.ParticipantNames())
	assert.Equal(t, 2, room.ParticipantCount())
}

// TestRoom_Info 測試狀態快照
func TestRoom_Info(t *testing.T) {
	room := internal.NewRoom("5678", "conn_a", time.Hour, 20)
	require.True(t, room.AddParticipant(internal.NewParticipant("conn_a", "Alice", room.Code)))

	info := room.Info()
	assert.Equal(t, "5678", info.RoomCode)
	assert.Equal(t, 1, info.ParticipantCount)
	assert.Equal(t, 20, info.MaxParticipants)
	assert.Equal(t, []string{"Alice"}, info.Participants)
	assert.Greater(t, info.TimeRemaining, int64(3500), "剩餘秒數應接近一小時")
}
