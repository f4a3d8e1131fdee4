package internal

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Manager 聊天室生命週期管理器
//
// 把客戶端意圖轉換成 Registry 的變更，並套用領域規則：
// 代碼分配、容量與過期檢查、暱稱唯一性、訊息過濾。
// 所有操作回傳統一的 Response（成功旗標 + 人類可讀原因），
// 驗證失敗與狀態衝突是預期中的結果，不記錄為錯誤日誌。
type Manager struct {
	registry *Registry
	logger   *slog.Logger
}

// NewManager 建立管理器
func NewManager(registry *Registry, logger *slog.Logger) *Manager {
	return &Manager{
		registry: registry,
		logger:   logger,
	}
}

// Response 操作結果
type Response struct {
	Success  bool      `json:"success"`
	Message  string    `json:"message"`
	RoomCode string    `json:"room_code,omitempty"`
	Room     *RoomInfo `json:"room,omitempty"`
}

func failure(message string) Response {
	return Response{Success: false, Message: message}
}

// 代碼分配耗盡前的最大嘗試次數
//
// 代碼空間只有 9000 個（1000-9999），高並發下碰撞機率隨
// 存活聊天室數量上升；重試耗盡時回報「請稍後再試」，由呼叫端重試整個建立操作。
const maxCodeAttempts = 10

// usernamePattern 暱稱規則：2-50 字元，英數字、底線與空格
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_ ]{2,50}$`)

// CreateRoom 建立聊天室
//
// ttlMinutes / capacity 傳 0 表示使用預設值（60 分鐘 / 20 人）。
// 代碼以重試迴圈對 Registry 做先寫者優先插入，唯一性由插入成敗保證，
// 而不是由 GenerateCode 本身保證。
func (m *Manager) CreateRoom(username, connectionID string, ttlMinutes, capacity int) Response {
	if strings.TrimSpace(username) == "" {
		return failure("暱稱不能為空")
	}
	if !usernamePattern.MatchString(username) {
		return failure("暱稱長度必須在 2-50 字元之間，且只能包含英數字、底線與空格")
	}

	if ttlMinutes == 0 {
		ttlMinutes = DefaultTTLMinutes
	}
	if ttlMinutes < MinTTLMinutes || ttlMinutes > MaxTTLMinutes {
		return failure(fmt.Sprintf("存活時間必須在 %d-%d 分鐘之間", MinTTLMinutes, MaxTTLMinutes))
	}

	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < MinCapacity || capacity > MaxCapacity {
		return failure(fmt.Sprintf("人數上限必須在 %d-%d 之間", MinCapacity, MaxCapacity))
	}

	if _, exists := m.registry.ParticipantByConnection(connectionID); exists {
		return failure("你已經在聊天室中")
	}

	ttl := time.Duration(ttlMinutes) * time.Minute

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := m.GenerateCode()
		room := NewRoom(code, connectionID, ttl, capacity)

		if !m.registry.AddRoom(room) {
			continue // 代碼碰撞，換一個再試
		}

		creator := NewParticipant(connectionID, username, code)
		if !m.registry.AddParticipant(code, creator) {
			// 同一連線的併發建立/加入在連線索引層分出勝負，輸家走到這裡
			m.registry.RemoveRoom(code)
			return failure("建立聊天室失敗，請稍後再試")
		}

		m.logger.Info("聊天室已建立",
			"room_code", code,
			"username", username,
			"ttl_minutes", ttlMinutes,
			"capacity", capacity)

		info := room.Info()
		return Response{
			Success:  true,
			Message:  "聊天室建立成功",
			RoomCode: code,
			Room:     &info,
		}
	}

	m.logger.Warn("代碼分配重試耗盡", "attempts", maxCodeAttempts)
	return failure("建立聊天室失敗，請稍後再試")
}

// JoinRoom 加入聊天室
func (m *Manager) JoinRoom(code, username, connectionID string) Response {
	if strings.TrimSpace(code) == "" || strings.TrimSpace(username) == "" {
		return failure("聊天室代碼與暱稱為必填")
	}
	if !usernamePattern.MatchString(username) {
		return failure("暱稱長度必須在 2-50 字元之間，且只能包含英數字、底線與空格")
	}

	if _, exists := m.registry.ParticipantByConnection(connectionID); exists {
		return failure("你已經在聊天室中")
	}

	room, exists := m.registry.GetRoom(code)
	if !exists {
		return failure("聊天室不存在")
	}
	if room.IsExpired() {
		return failure("聊天室已過期")
	}
	if room.IsFull() {
		return failure("聊天室已滿")
	}
	if room.HasUsername(username) {
		return failure("此暱稱已被使用")
	}

	p := NewParticipant(connectionID, username, code)
	if !m.registry.AddParticipant(code, p) {
		// 驗證與插入之間被別人搶先（滿了、剛過期，或同一連線的併發加入）
		return failure("加入聊天室失敗")
	}

	m.logger.Info("成員加入聊天室",
		"room_code", code,
		"username", username)

	info := room.Info()
	return Response{
		Success:  true,
		Message:  "成功加入聊天室",
		RoomCode: code,
		Room:     &info,
	}
}

// LeaveRoom 離開聊天室
//
// 連線未綁定任何聊天室時回傳 false（no-op）。
// 永遠不移除聊天室本身——那是掃描器的專屬職責。
func (m *Manager) LeaveRoom(connectionID string) bool {
	p, exists := m.registry.ParticipantByConnection(connectionID)
	if !exists {
		return false
	}

	removed := m.registry.RemoveParticipant(p.RoomCode, connectionID)
	if removed {
		m.logger.Info("成員離開聊天室",
			"room_code", p.RoomCode,
			"username", p.Username)
	}
	return removed
}

// SendMessage 發送訊息
func (m *Manager) SendMessage(connectionID, content string) Response {
	if strings.TrimSpace(content) == "" {
		return failure("訊息內容不能為空")
	}
	if utf8.RuneCountInString(content) > 1000 {
		return failure("訊息過長（最多 1000 字元）")
	}

	p, exists := m.registry.ParticipantByConnection(connectionID)
	if !exists {
		return failure("你不在任何聊天室中")
	}

	room, exists := m.registry.GetRoom(p.RoomCode)
	if !exists || room.IsExpired() {
		return failure("聊天室不存在或已過期")
	}

	msg := NewUserMessage(p.Username, filterContent(content))
	if !room.AppendMessage(msg) {
		return failure("發送訊息失敗")
	}

	return Response{
		Success:  true,
		Message:  "訊息已發送",
		RoomCode: p.RoomCode,
	}
}

// IsValidRoomCode 檢查代碼是否指向一個存活的聊天室
func (m *Manager) IsValidRoomCode(code string) bool {
	if len(code) != 4 {
		return false
	}
	room, exists := m.registry.GetRoom(code)
	return exists && !room.IsExpired()
}

// CanJoin 檢查聊天室是否可加入（存在、未過期、未滿）
func (m *Manager) CanJoin(code string) bool {
	room, exists := m.registry.GetRoom(code)
	return exists && !room.IsExpired() && !room.IsFull()
}

// GenerateCode 生成 4 位數代碼（1000-9999，不允許前導零）
//
// 純工具函數，本身不保證唯一；唯一性由 CreateRoom 的插入重試迴圈保證。
func (m *Manager) GenerateCode() string {
	return strconv.Itoa(1000 + randInt(9000))
}

// whitespacePattern 連續空白字元
var whitespacePattern = regexp.MustCompile(`\s+`)

// scriptOpenPattern / scriptClosePattern 內嵌 script 標籤（不分大小寫）
var (
	scriptOpenPattern  = regexp.MustCompile(`(?i)<script`)
	scriptClosePattern = regexp.MustCompile(`(?i)</script`)
)

// filterContent 訊息內容正規化
//
// 縱深防禦而非完整的 sanitizer：
// 收斂連續空白、去頭尾空白，並把內嵌的 script 標籤開頭轉為 HTML 實體。
func filterContent(content string) string {
	content = whitespacePattern.ReplaceAllString(content, " ")
	content = strings.TrimSpace(content)
	content = scriptClosePattern.ReplaceAllString(content, "&lt;/script")
	content = scriptOpenPattern.ReplaceAllString(content, "&lt;script")
	return content
}

// randInt 生成 [0, max) 的隨機數
func randInt(max int) int {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// 隨機讀取失敗時退回時間戳
		return int(time.Now().UnixNano()) % max
	}
	return int(binary.BigEndian.Uint32(b[:]) % uint32(max))
}
