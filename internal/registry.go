package internal

import "sync"

// Registry 聊天室註冊表
//
// 純粹的並發儲存層，不含業務規則：
//   - rooms：代碼 -> 聊天室
//   - conns：連線 ID -> 成員（全域索引，跨聊天室查詢用）
//
// 系統設計考量：
//
//  1. 鎖的粒度：
//     Registry 的 RWMutex 只保護兩張 map 本身，
//     聊天室內部的成員表與訊息日誌由 Room 自己的鎖保護，
//     持有 Registry 鎖時永不呼叫需要 Room 鎖的方法（無嵌套、無死鎖）
//
//  2. 先寫者優先（first-writer-wins）：
//     AddRoom 在代碼已存在時失敗而不覆寫，
//     代碼分配的唯一性由此保證（上層以重試迴圈處理碰撞）
//
//  3. 臨界區極短：
//     所有操作都只做 map 讀寫，沒有 I/O、沒有阻塞
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room        // roomCode -> Room
	conns map[string]*Participant // connectionID -> Participant
}

// NewRegistry 建立註冊表
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		conns: make(map[string]*Participant),
	}
}

// GetRoom 獲取聊天室
func (s *Registry) GetRoom(code string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, exists := s.rooms[code]
	return room, exists
}

// AddRoom 新增聊天室（代碼已存在時失敗，不覆寫）
func (s *Registry) AddRoom(room *Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.Code]; exists {
		return false
	}
	s.rooms[room.Code] = room
	return true
}

// RemoveRoom 移除聊天室，並把它的成員從全域連線索引中解除
func (s *Registry) RemoveRoom(code string) (*Room, bool) {
	s.mu.Lock()
	room, exists := s.rooms[code]
	if !exists {
		s.mu.Unlock()
		return nil, false
	}
	delete(s.rooms, code)
	s.mu.Unlock()

	// 成員快照走 Room 自己的鎖，在 Registry 鎖之外取得
	ids := room.ParticipantConnectionIDs()

	s.mu.Lock()
	for _, id := range ids {
		delete(s.conns, id)
	}
	s.mu.Unlock()

	return room, true
}

// Rooms 獲取所有聊天室快照
func (s *Registry) Rooms() []*Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// ExpiredRooms 獲取已過期的聊天室快照
func (s *Registry) ExpiredRooms() []*Room {
	var expired []*Room
	for _, room := range s.Rooms() {
		if room.IsExpired() {
			expired = append(expired, room)
		}
	}
	return expired
}

// AddParticipant 把成員加入聊天室並建立全域連線索引
//
// 聊天室不存在、已過期、已滿，或連線已綁定任何聊天室時失敗。
// 先以 insert-if-absent 佔住連線索引再進房：同一連線的併發加入
// 只有一個能搶到索引，「一條連線至多一個聊天室」由此保證，
// 不依賴 Manager 的前置檢查。
func (s *Registry) AddParticipant(code string, p *Participant) bool {
	room, exists := s.GetRoom(code)
	if !exists {
		return false
	}

	s.mu.Lock()
	if _, bound := s.conns[p.ConnectionID]; bound {
		s.mu.Unlock()
		return false
	}
	s.conns[p.ConnectionID] = p
	s.mu.Unlock()

	if !room.AddParticipant(p) {
		// 進房失敗（滿了或剛過期），釋放剛佔住的索引
		s.mu.Lock()
		delete(s.conns, p.ConnectionID)
		s.mu.Unlock()
		return false
	}
	return true
}

// RemoveParticipant 把成員從聊天室移除並解除全域連線索引
func (s *Registry) RemoveParticipant(code, connectionID string) bool {
	room, exists := s.GetRoom(code)

	s.mu.Lock()
	delete(s.conns, connectionID)
	s.mu.Unlock()

	if !exists {
		return false
	}
	return room.RemoveParticipant(connectionID)
}

// ParticipantByConnection 以連線 ID 查詢成員
func (s *Registry) ParticipantByConnection(connectionID string) (*Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, exists := s.conns[connectionID]
	return p, exists
}

// AppendMessage 追加訊息到聊天室（不存在或已過期時失敗）
func (s *Registry) AppendMessage(code string, msg Message) bool {
	room, exists := s.GetRoom(code)
	if !exists {
		return false
	}
	return room.AppendMessage(msg)
}

// Messages 獲取聊天室的訊息快照（不存在時回傳空序列）
func (s *Registry) Messages(code string) []Message {
	room, exists := s.GetRoom(code)
	if !exists {
		return []Message{}
	}
	return room.Messages()
}

// Stats 獲取統計資訊
func (s *Registry) Stats() map[string]any {
	rooms := s.Rooms()

	totalParticipants := 0
	activeRooms := 0
	for _, room := range rooms {
		totalParticipants += room.ParticipantCount()
		if room.IsActive() {
			activeRooms++
		}
	}

	s.mu.RLock()
	totalConns := len(s.conns)
	s.mu.RUnlock()

	return map[string]any{
		"total_rooms":        len(rooms),
		"active_rooms":       activeRooms,
		"total_participants": totalParticipants,
		"indexed_conns":      totalConns,
	}
}
