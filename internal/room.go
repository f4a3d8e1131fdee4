package internal

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// 系統設計問題：
//   如何管理短暫存活的匿名聊天室，處理並發加入/發言，並在過期後回收？
//
// 核心挑戰：
//   1. 生命週期：聊天室以 TTL 為界，過期後不再接受加入與發言
//   2. 並發控制：多個成員同時加入、離開、發言
//   3. 記憶體上限：訊息日誌必須有界（舊訊息先被淘汰）
//   4. 資源回收：過期聊天室由背景掃描器通知成員後移除
//
// 設計方案：
//   ✅ RWMutex - 成員表讀多寫少優化
//   ✅ 獨立的日誌鎖 - 發言熱點與成員操作互不干擾
//   ✅ 有界日誌（500 則）- 超出後淘汰最舊訊息
//   ✅ 衍生屬性（IsExpired / IsFull）- 狀態由時間與人數推導，不需狀態機

const (
	// DefaultCapacity 預設人數上限
	DefaultCapacity = 20
	// MinCapacity / MaxCapacity 人數上限的允許範圍
	MinCapacity = 1
	MaxCapacity = 100
	// MaxMessages 單一聊天室保留的訊息數量上限
	MaxMessages = 500
	// DefaultTTLMinutes 預設存活時間（分鐘）
	DefaultTTLMinutes = 60
	// MinTTLMinutes / MaxTTLMinutes 存活時間的允許範圍
	MinTTLMinutes = 1
	MaxTTLMinutes = 1440
)

// Participant 聊天室成員
//
// ConnectionID 在單一連線的生命週期內唯一且不變；
// RoomCode 是回指所屬聊天室的參考，不代表擁有權。
type Participant struct {
	ConnectionID string    `json:"connection_id"`
	Username     string    `json:"username"`
	JoinedAt     time.Time `json:"joined_at"`
	RoomCode     string    `json:"room_code"`
}

// NewParticipant 建立成員
func NewParticipant(connectionID, username, roomCode string) *Participant {
	return &Participant{
		ConnectionID: connectionID,
		Username:     username,
		JoinedAt:     time.Now(),
		RoomCode:     roomCode,
	}
}

// Room 聊天室
//
// 系統設計考量：
//
//  1. 並發控制（兩把鎖）：
//     - mu（RWMutex）保護成員表：查詢頻繁（廣播名單、人數），變更少
//     - logMu（Mutex）保護訊息日誌：發言是熱點，與成員操作分離避免互相阻塞
//     - 兩把鎖永不嵌套，也不與 Registry 的鎖嵌套（無死鎖風險）
//
//  2. 不可變欄位：
//     Code / CreatedAt / ExpiresAt / Capacity 建立後不再修改，
//     讀取不需要加鎖（IsExpired、TimeRemaining 為純計算）
//
//  3. 有界日誌：
//     超過 MaxMessages 時淘汰最舊的一則，
//     確保單一聊天室的記憶體佔用有上限
type Room struct {
	Code          string    `json:"room_code"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatorConnID string    `json:"creator_connection_id"`
	Capacity      int       `json:"max_participants"`

	mu           sync.RWMutex
	participants map[string]*Participant // connectionID -> Participant

	logMu    sync.Mutex
	messages []Message
}

// NewRoom 建立聊天室
func NewRoom(code, creatorConnID string, ttl time.Duration, capacity int) *Room {
	now := time.Now()
	return &Room{
		Code:          code,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		CreatorConnID: creatorConnID,
		Capacity:      capacity,
		participants:  make(map[string]*Participant),
	}
}

// IsExpired 檢查聊天室是否過期
func (r *Room) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// IsFull 檢查聊天室是否已滿
func (r *Room) IsFull() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants) >= r.Capacity
}

// IsActive 檢查聊天室是否仍在使用（未過期且有成員）
func (r *Room) IsActive() bool {
	return !r.IsExpired() && r.ParticipantCount() > 0
}

// TimeRemaining 剩餘存活時間（過期後為 0）
func (r *Room) TimeRemaining() time.Duration {
	remaining := time.Until(r.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AddParticipant 加入成員
//
// 在同一個臨界區內完成容量與重複檢查後插入，
// 避免驗證與插入之間的競態導致超額加入。
func (r *Room) AddParticipant(p *Participant) bool {
	if r.IsExpired() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.participants) >= r.Capacity {
		return false
	}
	if _, exists := r.participants[p.ConnectionID]; exists {
		return false
	}

	r.participants[p.ConnectionID] = p
	return true
}

// RemoveParticipant 移除成員
func (r *Room) RemoveParticipant(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[connectionID]; !exists {
		return false
	}
	delete(r.participants, connectionID)
	return true
}

// HasUsername 檢查暱稱是否已被使用（不分大小寫）
func (r *Room) HasUsername(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.participants {
		if strings.EqualFold(p.Username, username) {
			return true
		}
	}
	return false
}

// ParticipantCount 獲取成員數量
func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// ParticipantNames 獲取成員暱稱列表（依加入時間排序）
func (r *Room) ParticipantNames() []string {
	r.mu.RLock()
	participants := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		participants = append(participants, p)
	}
	r.mu.RUnlock()

	sort.Slice(participants, func(i, j int) bool {
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})

	names := make([]string, 0, len(participants))
	for _, p := range participants {
		names = append(names, p.Username)
	}
	return names
}

// ParticipantConnectionIDs 獲取成員連線 ID 快照
func (r *Room) ParticipantConnectionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	return ids
}

// AppendMessage 追加訊息
//
// 日誌有自己的互斥鎖，與成員操作互不阻塞；
// 超過 MaxMessages 時淘汰最舊的一則（FIFO）。
func (r *Room) AppendMessage(msg Message) bool {
	if r.IsExpired() {
		return false
	}

	r.logMu.Lock()
	defer r.logMu.Unlock()

	r.messages = append(r.messages, msg)
	if len(r.messages) > MaxMessages {
		r.messages = r.messages[len(r.messages)-MaxMessages:]
	}
	return true
}

// Messages 獲取訊息快照（依時間排序）
func (r *Room) Messages() []Message {
	r.logMu.Lock()
	snapshot := make([]Message, len(r.messages))
	copy(snapshot, r.messages)
	r.logMu.Unlock()

	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].Timestamp.Before(snapshot[j].Timestamp)
	})
	return snapshot
}

// RoomInfo 聊天室狀態快照（推送給客戶端）
type RoomInfo struct {
	RoomCode         string   `json:"room_code"`
	ParticipantCount int      `json:"participant_count"`
	MaxParticipants  int      `json:"max_participants"`
	TimeRemaining    int64    `json:"time_remaining"` // 剩餘秒數
	Participants     []string `json:"participants"`
}

// Info 獲取聊天室狀態快照
func (r *Room) Info() RoomInfo {
	return RoomInfo{
		RoomCode:         r.Code,
		ParticipantCount: r.ParticipantCount(),
		MaxParticipants:  r.Capacity,
		TimeRemaining:    int64(r.TimeRemaining().Seconds()),
		Participants:     r.ParticipantNames(),
	}
}
