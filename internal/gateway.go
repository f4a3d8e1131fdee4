package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何把客戶端指令即時分發到正確的聊天室群組？
//
// 核心挑戰：
//   1. 群組多播：伺服器主動推送給動態變化的訂閱者集合
//   2. 連接管理：斷線必須等同離開，且與顯式離開冪等
//   3. 心跳機制：檢測死連接（54s Ping / 60s 讀取超時）
//   4. 慢消費者：單一阻塞的客戶端不能拖累整個群組
//
// 設計方案：
//   ✅ 兩層 map（roomCode -> connectionID -> Conn）- 快速定位群組與成員
//   ✅ 緩衝 channel 發送 - 非阻塞，滿了就丟棄並記錄
//   ✅ 指令層 recover - 未預期錯誤轉為一般性失敗回應，不讓連線崩潰
//   ✅ 統一的離開路徑 - 顯式離開與斷線共用，以連線索引存在與否作冪等保護

// 指令類型（客戶端 -> 伺服器）
const (
	CmdCreateRoom  = "CreateRoom"
	CmdJoinRoom    = "JoinRoom"
	CmdSendMessage = "SendMessage"
	CmdLeaveRoom   = "LeaveRoom"
	CmdGetRoomInfo = "GetRoomInfo"
)

// 推送事件類型（伺服器 -> 客戶端）
const (
	EventCreateRoomResult  = "CreateRoomResult"
	EventJoinRoomResult    = "JoinRoomResult"
	EventRoomInfo          = "RoomInfo"
	EventReceiveMessage    = "ReceiveMessage"
	EventChatHistory       = "ChatHistory"
	EventParticipantUpdate = "ParticipantUpdate"
	EventRoomExpired       = "RoomExpired"
	EventMessageError      = "MessageError"
)

// Command 客戶端指令
type Command struct {
	Type       string `json:"type"`
	Username   string `json:"username,omitempty"`
	RoomCode   string `json:"room_code,omitempty"`
	Content    string `json:"content,omitempty"`
	TTLMinutes int    `json:"ttl_minutes,omitempty"`
	Capacity   int    `json:"capacity,omitempty"`
}

// Event 推送事件
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data"`
}

// ParticipantUpdate 成員變動快照
type ParticipantUpdate struct {
	ParticipantCount int      `json:"participant_count"`
	Participants     []string `json:"participants"`
}

// Gateway 即時閘道
//
// 把入站指令轉成 Manager 呼叫，並把結果/事件推送給正確的連線子集：
// 失敗只推給呼叫者，成功依指令語義推給呼叫者或整個群組。
// 同時實作 Notifier，讓掃描器能在驅逐前通知群組。
type Gateway struct {
	manager  *Manager
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*Conn            // connectionID -> Conn
	groups map[string]map[string]*Conn // roomCode -> connectionID -> Conn
}

// Conn 單一 WebSocket 連線
type Conn struct {
	ID        string
	gateway   *Gateway
	ws        *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// NewGateway 建立閘道
func NewGateway(manager *Manager, registry *Registry, logger *slog.Logger) *Gateway {
	return &Gateway{
		manager:  manager,
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns:  make(map[string]*Conn),
		groups: make(map[string]map[string]*Conn),
	}
}

// ServeWS 處理 WebSocket 連接
//
// 每條連線分配一個 uuid 連線 ID，在連線存續期間穩定不變；
// 加入哪個聊天室由之後的指令決定，不在升級時綁定。
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	conn := &Conn{
		ID:      uuid.NewString(),
		gateway: g,
		ws:      ws,
		send:    make(chan []byte, 256),
	}

	g.mu.Lock()
	g.conns[conn.ID] = conn
	g.mu.Unlock()

	go conn.writePump()
	go conn.readPump()

	g.logger.Info("WebSocket 連接建立", "connection_id", conn.ID)
}

// subscribe 把連線訂閱到聊天室群組
func (g *Gateway) subscribe(roomCode string, conn *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.groups[roomCode] == nil {
		g.groups[roomCode] = make(map[string]*Conn)
	}
	g.groups[roomCode][conn.ID] = conn
}

// unsubscribe 把連線從聊天室群組解除訂閱
func (g *Gateway) unsubscribe(roomCode, connectionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if group, exists := g.groups[roomCode]; exists {
		delete(group, connectionID)
		if len(group) == 0 {
			delete(g.groups, roomCode)
		}
	}
}

// sendTo 推送事件給單一連線
func (g *Gateway) sendTo(conn *Conn, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		g.logger.Error("序列化事件失敗", "error", err, "event", event.Type)
		return
	}

	select {
	case conn.send <- payload:
	default:
		// 連接緩衝區滿了，丟棄並記錄
		g.logger.Warn("連接緩衝區滿",
			"connection_id", conn.ID,
			"event", event.Type)
	}
}

// broadcast 推送事件給聊天室群組的所有連線
func (g *Gateway) broadcast(roomCode string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		g.logger.Error("序列化事件失敗", "error", err, "event", event.Type)
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, conn := range g.groups[roomCode] {
		select {
		case conn.send <- payload:
		default:
			g.logger.Warn("連接緩衝區滿",
				"room_code", roomCode,
				"connection_id", conn.ID)
		}
	}
}

// BroadcastMessage 向聊天室群組廣播一則訊息（Notifier 介面）
func (g *Gateway) BroadcastMessage(roomCode string, msg Message) {
	g.broadcast(roomCode, Event{Type: EventReceiveMessage, Data: msg})
}

// RoomExpired 向各成員個別推送關閉通知並解散群組（Notifier 介面）
//
// 連線本身保持開啟，客戶端仍可用同一條連線建立或加入新的聊天室。
// 推送必須在持有讀鎖時進行：disconnect 關閉 send 通道前一定先取得
// 寫鎖移除連線，持鎖發送保證不會寫入已關閉的通道。
func (g *Gateway) RoomExpired(roomCode string, connectionIDs []string) {
	payload, err := json.Marshal(Event{Type: EventRoomExpired, Data: roomCode})
	if err != nil {
		g.logger.Error("序列化事件失敗", "error", err, "event", EventRoomExpired)
		return
	}

	g.mu.RLock()
	for _, id := range connectionIDs {
		conn, exists := g.conns[id]
		if !exists {
			continue
		}
		select {
		case conn.send <- payload:
		default:
			g.logger.Warn("連接緩衝區滿",
				"connection_id", conn.ID,
				"event", EventRoomExpired)
		}
	}
	g.mu.RUnlock()

	g.mu.Lock()
	delete(g.groups, roomCode)
	g.mu.Unlock()
}

// handleCommand 分發客戶端指令
//
// 未預期的錯誤在這裡被攔截並轉成一般性失敗回應，
// 不讓單一指令的 panic 弄垮整條連線的處理迴圈。
func (g *Gateway) handleCommand(c *Conn, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("處理指令時發生 panic",
				"error", r,
				"connection_id", c.ID)
			g.sendTo(c, Event{Type: EventMessageError, Data: "伺服器發生內部錯誤"})
		}
	}()

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		g.logger.Warn("解析客戶端指令失敗",
			"error", err,
			"connection_id", c.ID)
		g.sendTo(c, Event{Type: EventMessageError, Data: "無效的指令格式"})
		return
	}

	switch cmd.Type {
	case CmdCreateRoom:
		g.handleCreate(c, cmd)
	case CmdJoinRoom:
		g.handleJoin(c, cmd)
	case CmdSendMessage:
		g.handleSend(c, cmd)
	case CmdLeaveRoom:
		g.handleLeave(c)
	case CmdGetRoomInfo:
		g.handleGetRoomInfo(c)
	default:
		g.logger.Debug("收到未知指令類型",
			"type", cmd.Type,
			"connection_id", c.ID)
		g.sendTo(c, Event{Type: EventMessageError, Data: "未知的指令類型"})
	}
}

// handleCreate 建立聊天室
func (g *Gateway) handleCreate(c *Conn, cmd Command) {
	resp := g.manager.CreateRoom(cmd.Username, c.ID, cmd.TTLMinutes, cmd.Capacity)
	if !resp.Success {
		g.sendTo(c, Event{Type: EventCreateRoomResult, Data: resp})
		return
	}

	g.subscribe(resp.RoomCode, c)
	g.sendTo(c, Event{Type: EventCreateRoomResult, Data: resp})
	if resp.Room != nil {
		g.sendTo(c, Event{Type: EventRoomInfo, Data: *resp.Room})
	}
}

// handleJoin 加入聊天室
//
// 成功時的推送順序：結果給呼叫者 → 加入通知廣播給群組 →
// 聊天室快照與歷史訊息只給呼叫者。失敗時只推結果給呼叫者。
func (g *Gateway) handleJoin(c *Conn, cmd Command) {
	resp := g.manager.JoinRoom(cmd.RoomCode, cmd.Username, c.ID)
	if !resp.Success {
		g.sendTo(c, Event{Type: EventJoinRoomResult, Data: resp})
		return
	}

	g.subscribe(resp.RoomCode, c)
	g.sendTo(c, Event{Type: EventJoinRoomResult, Data: resp})

	joinMsg := NewSystemMessage(KindUserJoined, cmd.Username+" 加入了聊天室")
	g.registry.AppendMessage(resp.RoomCode, joinMsg)
	g.broadcast(resp.RoomCode, Event{Type: EventReceiveMessage, Data: joinMsg})

	if room, exists := g.registry.GetRoom(resp.RoomCode); exists {
		g.sendTo(c, Event{Type: EventRoomInfo, Data: room.Info()})
		g.sendTo(c, Event{Type: EventChatHistory, Data: g.registry.Messages(resp.RoomCode)})
	}
}

// handleSend 發送訊息
//
// 成功後重新讀取日誌尾端（剛追加的那一則）再廣播，
// 確保群組收到的是經過正規化、帶有 ID 與時間戳的最終版本。
func (g *Gateway) handleSend(c *Conn, cmd Command) {
	resp := g.manager.SendMessage(c.ID, cmd.Content)
	if !resp.Success {
		g.sendTo(c, Event{Type: EventMessageError, Data: resp.Message})
		return
	}

	messages := g.registry.Messages(resp.RoomCode)
	if len(messages) > 0 {
		g.broadcast(resp.RoomCode, Event{Type: EventReceiveMessage, Data: messages[len(messages)-1]})
	}
}

// handleLeave 離開聊天室
//
// 顯式離開與斷線共用這條路徑；以連線索引是否存在作冪等保護，
// 先離開再斷線不會產生第二則系統訊息。
func (g *Gateway) handleLeave(c *Conn) {
	p, exists := g.registry.ParticipantByConnection(c.ID)
	if !exists {
		return
	}

	roomCode, username := p.RoomCode, p.Username

	g.unsubscribe(roomCode, c.ID)
	g.manager.LeaveRoom(c.ID)

	leftMsg := NewSystemMessage(KindUserLeft, username+" 離開了聊天室")
	g.registry.AppendMessage(roomCode, leftMsg)
	g.broadcast(roomCode, Event{Type: EventReceiveMessage, Data: leftMsg})

	if room, exists := g.registry.GetRoom(roomCode); exists {
		g.broadcast(roomCode, Event{Type: EventParticipantUpdate, Data: ParticipantUpdate{
			ParticipantCount: room.ParticipantCount(),
			Participants:     room.ParticipantNames(),
		}})
	}
}

// handleGetRoomInfo 查詢聊天室快照（只推給呼叫者）
func (g *Gateway) handleGetRoomInfo(c *Conn) {
	p, exists := g.registry.ParticipantByConnection(c.ID)
	if !exists {
		return
	}

	if room, exists := g.registry.GetRoom(p.RoomCode); exists {
		g.sendTo(c, Event{Type: EventRoomInfo, Data: room.Info()})
	}
}

// disconnect 處理連線關閉
//
// 任何原因的連線關閉（顯式離開後的關閉、網路故障、超時）
// 都走與 LeaveRoom 相同的離開邏輯，再移除連線本身。
func (g *Gateway) disconnect(c *Conn) {
	g.handleLeave(c)

	g.mu.Lock()
	delete(g.conns, c.ID)
	g.mu.Unlock()

	// 通道關閉必須排在持鎖移除之後：持讀鎖發送的一方
	// 要麼在移除前送完，要麼已經看不到這條連線
	c.closeOnce.Do(func() {
		close(c.send)
	})

	g.logger.Info("WebSocket 連接關閉", "connection_id", c.ID)
}

// ConnectionCounts 獲取各聊天室的連線數
func (g *Gateway) ConnectionCounts() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make(map[string]int)
	for roomCode, group := range g.groups {
		result[roomCode] = len(group)
	}
	return result
}

// Stop 停止閘道，關閉所有連線
func (g *Gateway) Stop() {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, conn := range g.conns {
		conns = append(conns, conn)
	}
	g.conns = make(map[string]*Conn)
	g.groups = make(map[string]map[string]*Conn)
	g.mu.Unlock()

	for _, conn := range conns {
		conn.closeOnce.Do(func() {
			close(conn.send)
		})
		conn.ws.Close()
	}

	g.logger.Info("即時閘道已停止")
}

// readPump 讀取客戶端指令
//
// 心跳機制（讀取端）：60 秒內沒有收到任何訊息（包括 Pong）就關閉連接，
// 配合 writePump 的 54 秒 Ping 留 6 秒餘量。
func (c *Conn) readPump() {
	defer func() {
		c.gateway.disconnect(c)
		c.ws.Close()
	}()

	if err := c.ws.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		c.gateway.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.gateway.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"connection_id", c.ID)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.gateway.handleCommand(c, message)
		}
	}
}

// writePump 寫入事件到客戶端
//
// 心跳機制（發送端）：每 54 秒發送一次 Ping，
// 避開常見代理伺服器的 60 秒超時閾值。
func (c *Conn) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.gateway.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// 閘道關閉了通道，優雅關閉連接
				deadline := time.Now().Add(time.Second)
				if err := c.ws.SetWriteDeadline(deadline); err == nil {
					_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

			// 批量發送隊列中的事件
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					c.gateway.logger.Error("發送事件失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.gateway.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
