package internal_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-ephemeral-chat/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsEvent 測試端的事件封包（Data 延後解碼）
type wsEvent struct {
	Type string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

type gatewayFixture struct {
	server   *httptest.Server
	gateway  *internal.Gateway
	manager  *internal.Manager
	registry *internal.Registry
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	logger := testLogger()
	registry := internal.NewRegistry()
	manager := internal.NewManager(registry, logger)
	gateway := internal.NewGateway(manager, registry, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", gateway.ServeWS)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		gateway.Stop()
	})

	return &gatewayFixture{
		server:   server,
		gateway:  gateway,
		manager:  manager,
		registry: registry,
	}
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendCommand(t *testing.T, ws *websocket.Conn, cmd internal.Command) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(cmd))
}

func readEvent(t *testing.T, ws *websocket.Conn) wsEvent {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := ws.ReadMessage()
	require.NoError(t, err)

	var ev wsEvent
	require.NoError(t, json.Unmarshal(payload, &ev))
	return ev
}

// createRoom 透過 WebSocket 建立聊天室並回傳代碼
func createRoom(t *testing.T, ws *websocket.Conn, username string) string {
	t.Helper()

	sendCommand(t, ws, internal.Command{Type: internal.CmdCreateRoom, Username: username})

	ev := readEvent(t, ws)
	require.Equal(t, internal.EventCreateRoomResult, ev.Type)

	var resp internal.Response
	require.NoError(t, json.Unmarshal(ev.Data, &resp))
	require.True(t, resp.Success, resp.Message)

	// 成功建立後緊接著收到聊天室快照
	info := readEvent(t, ws)
	require.Equal(t, internal.EventRoomInfo, info.Type)

	return resp.RoomCode
}

// TestGateway_CreateRoom 測試透過閘道建立聊天室
func TestGateway_CreateRoom(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t)

	code := createRoom(t, ws, "Alice")
	assert.Regexp(t, `^\d{4}$`, code)

	room, exists := f.registry.GetRoom(code)
	require.True(t, exists)
	assert.Equal(t, 1, room.ParticipantCount())
}

// TestGateway_CreateRoom_Failure 測試失敗只推給呼叫者
func TestGateway_CreateRoom_Failure(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t)

	sendCommand(t, ws, internal.Command{Type: internal.CmdCreateRoom, Username: "A"})

	ev := readEvent(t, ws)
	require.Equal(t, internal.EventCreateRoomResult, ev.Type)

	var resp internal.Response
	require.NoError(t, json.Unmarshal(ev.Data, &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "2-50 字元")
}

// TestGateway_JoinFlow 測試加入的推送順序
//
// 新成員依序收到：結果 → 加入通知 → 快照 → 歷史訊息；
// 既有成員只收到加入通知。
func TestGateway_JoinFlow(t *testing.T) {
	f := newGatewayFixture(t)

	creator := f.dial(t)
	code := createRoom(t, creator, "Alice")

	joiner := f.dial(t)
	sendCommand(t, joiner, internal.Command{Type: internal.CmdJoinRoom, RoomCode: code, Username: "Bob"})

	// 新成員：JoinRoomResult
	ev := readEvent(t, joiner)
	require.Equal(t, internal.EventJoinRoomResult, ev.Type)
	var resp internal.Response
	require.NoError(t, json.Unmarshal(ev.Data, &resp))
	require.True(t, resp.Success, resp.Message)

	// 新成員：user_joined 廣播
	ev = readEvent(t, joiner)
	require.Equal(t, internal.EventReceiveMessage, ev.Type)
	var joinMsg internal.Message
	require.NoError(t, json.Unmarshal(ev.Data, &joinMsg))
	assert.Equal(t, internal.KindUserJoined, joinMsg.Kind)
	assert.Contains(t, joinMsg.Content, "Bob")

	// 新成員：RoomInfo（只給呼叫者）
	ev = readEvent(t, joiner)
	require.Equal(t, internal.EventRoomInfo, ev.Type)
	var info internal.RoomInfo
	require.NoError(t, json.Unmarshal(ev.Data, &info))
	assert.Equal(t, 2, info.ParticipantCount)
	assert.Equal(t, []string{"Alice", "Bob"}, info.Participants)

	// 新成員：ChatHistory（只給呼叫者）
	ev = readEvent(t, joiner)
	require.Equal(t, internal.EventChatHistory, ev.Type)
	var history []internal.Message
	require.NoError(t, json.Unmarshal(ev.Data, &history))
	require.NotEmpty(t, history)
	assert.Equal(t, internal.KindUserJoined, history[len(history)-1].Kind)

	// 既有成員只收到加入通知
	ev = readEvent(t, creator)
	require.Equal(t, internal.EventReceiveMessage, ev.Type)
	require.NoError(t, json.Unmarshal(ev.Data, &joinMsg))
	assert.Equal(t, internal.KindUserJoined, joinMsg.Kind)
}

// TestGateway_JoinFailureHasNoGroupEffect 測試加入失敗沒有群組副作用
func TestGateway_JoinFailureHasNoGroupEffect(t *testing.T) {
	f := newGatewayFixture(t)

	creator := f.dial(t)
	code := createRoom(t, creator, "Alice")

	joiner := f.dial(t)
	// 暱稱不分大小寫重複，加入失敗
	sendCommand(t, joiner, internal.Command{Type: internal.CmdJoinRoom, RoomCode: code, Username: "alice"})

	ev := readEvent(t, joiner)
	require.Equal(t, internal.EventJoinRoomResult, ev.Type)
	var resp internal.Response
	require.NoError(t, json.Unmarshal(ev.Data, &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "此暱稱已被使用", resp.Message)

	// 既有成員不應收到任何事件
	require.NoError(t, creator.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := creator.ReadMessage()
	assert.Error(t, err, "加入失敗不得打擾群組")
}

// TestGateway_SendMessage 測試發言廣播與內容正規化
func TestGateway_SendMessage(t *testing.T) {
	f := newGatewayFixture(t)

	creator := f.dial(t)
	code := createRoom(t, creator, "Alice")

	joiner := f.dial(t)
	sendCommand(t, joiner, internal.Command{Type: internal.CmdJoinRoom, RoomCode: code, Username: "Bob"})
	for i := 0; i < 4; i++ {
		readEvent(t, joiner) // result / joined / info / history
	}
	readEvent(t, creator) // user_joined

	sendCommand(t, creator, internal.Command{Type: internal.CmdSendMessage, Content: "  hello   world  "})

	for _, ws := range []*websocket.Conn{creator, joiner} {
		ev := readEvent(t, ws)
		require.Equal(t, internal.EventReceiveMessage, ev.Type)

		var msg internal.Message
		require.NoError(t, json.Unmarshal(ev.Data, &msg))
		assert.Equal(t, internal.KindUser, msg.Kind)
		assert.Equal(t, "Alice", msg.Username)
		assert.Equal(t, "hello world", msg.Content, "連續空白應收斂為一個")
		assert.NotEmpty(t, msg.ID)
	}
}

// TestGateway_SendMessage_Error 測試發言失敗只推錯誤給呼叫者
func TestGateway_SendMessage_Error(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t)

	sendCommand(t, ws, internal.Command{Type: internal.CmdSendMessage, Content: "hello"})

	ev := readEvent(t, ws)
	require.Equal(t, internal.EventMessageError, ev.Type)

	var errMsg string
	require.NoError(t, json.Unmarshal(ev.Data, &errMsg))
	assert.Equal(t, "你不在任何聊天室中", errMsg)
}

// TestGateway_GetRoomInfo 測試查詢快照只推給呼叫者
func TestGateway_GetRoomInfo(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t)
	code := createRoom(t, ws, "Alice")

	sendCommand(t, ws, internal.Command{Type: internal.CmdGetRoomInfo})

	ev := readEvent(t, ws)
	require.Equal(t, internal.EventRoomInfo, ev.Type)

	var info internal.RoomInfo
	require.NoError(t, json.Unmarshal(ev.Data, &info))
	assert.Equal(t, code, info.RoomCode)
	assert.Equal(t, []string{"Alice"}, info.Participants)
}

// TestGateway_LeaveRoom 測試離開的群組通知
func TestGateway_LeaveRoom(t *testing.T) {
	f := newGatewayFixture(t)

	creator := f.dial(t)
	code := createRoom(t, creator, "Alice")

	joiner := f.dial(t)
	sendCommand(t, joiner, internal.Command{Type: internal.CmdJoinRoom, RoomCode: code, Username: "Bob"})
	for i := 0; i < 4; i++ {
		readEvent(t, joiner)
	}
	readEvent(t, creator) // user_joined

	sendCommand(t, joiner, internal.Command{Type: internal.CmdLeaveRoom})

	// 留下的成員收到 user_left 與成員快照
	ev := readEvent(t, creator)
	require.Equal(t, internal.EventReceiveMessage, ev.Type)
	var leftMsg internal.Message
	require.NoError(t, json.Unmarshal(ev.Data, &leftMsg))
	assert.Equal(t, internal.KindUserLeft, leftMsg.Kind)
	assert.Contains(t, leftMsg.Content, "Bob")

	ev = readEvent(t, creator)
	require.Equal(t, internal.EventParticipantUpdate, ev.Type)
	var update internal.ParticipantUpdate
	require.NoError(t, json.Unmarshal(ev.Data, &update))
	assert.Equal(t, 1, update.ParticipantCount)
	assert.Equal(t, []string{"Alice"}, update.Participants)
}

// TestGateway_DisconnectActsAsLeave 測試斷線等同離開
//
// 成員沒有顯式離開就斷線：人數剛好減一，user_left 系統訊息恰好一則。
func TestGateway_DisconnectActsAsLeave(t *testing.T) {
	f := newGatewayFixture(t)

	creator := f.dial(t)
	code := createRoom(t, creator, "Alice")

	joiner := f.dial(t)
	sendCommand(t, joiner, internal.Command{Type: internal.CmdJoinRoom, RoomCode: code, Username: "Bob"})
	for i := 0; i < 4; i++ {
		readEvent(t, joiner)
	}
	readEvent(t, creator)

	// 直接關閉連線，不送 LeaveRoom
	require.NoError(t, joiner.Close())

	require.Eventually(t, func() bool {
		room, exists := f.registry.GetRoom(code)
		return exists && room.ParticipantCount() == 1
	}, 2*time.Second, 20*time.Millisecond, "斷線後人數應減一")

	assert.Equal(t, 1, countKind(f.registry.Messages(code), internal.KindUserLeft))
}

// TestGateway_LeaveThenDisconnectIsIdempotent 測試顯式離開後的斷線是 no-op
func TestGateway_LeaveThenDisconnectIsIdempotent(t *testing.T) {
	f := newGatewayFixture(t)

	creator := f.dial(t)
	code := createRoom(t, creator, "Alice")

	joiner := f.dial(t)
	sendCommand(t, joiner, internal.Command{Type: internal.CmdJoinRoom, RoomCode: code, Username: "Bob"})
	for i := 0; i < 4; i++ {
		readEvent(t, joiner)
	}
	readEvent(t, creator)

	sendCommand(t, joiner, internal.Command{Type: internal.CmdLeaveRoom})

	require.Eventually(t, func() bool {
		return countKind(f.registry.Messages(code), internal.KindUserLeft) == 1
	}, 2*time.Second, 20*time.Millisecond)

	// 之後的斷線不得產生第二則 user_left
	require.NoError(t, joiner.Close())
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, countKind(f.registry.Messages(code), internal.KindUserLeft),
		"先離開再斷線不得產生重複的系統訊息")
}

// TestGateway_NotifierPushes 測試掃描器使用的推送介面
func TestGateway_NotifierPushes(t *testing.T) {
	f := newGatewayFixture(t)

	ws := f.dial(t)
	code := createRoom(t, ws, "Alice")

	// 群組廣播
	expiredMsg := internal.NewSystemMessage(internal.KindRoomExpired, "此聊天室已過期，即將關閉。")
	f.gateway.BroadcastMessage(code, expiredMsg)

	ev := readEvent(t, ws)
	require.Equal(t, internal.EventReceiveMessage, ev.Type)
	var msg internal.Message
	require.NoError(t, json.Unmarshal(ev.Data, &msg))
	assert.Equal(t, internal.KindRoomExpired, msg.Kind)

	// 個別關閉通知
	room, exists := f.registry.GetRoom(code)
	require.True(t, exists)
	f.gateway.RoomExpired(code, room.ParticipantConnectionIDs())

	ev = readEvent(t, ws)
	require.Equal(t, internal.EventRoomExpired, ev.Type)
	var expiredCode string
	require.NoError(t, json.Unmarshal(ev.Data, &expiredCode))
	assert.Equal(t, code, expiredCode)

	// 群組已解散
	assert.Empty(t, f.gateway.ConnectionCounts())
}

// TestGateway_UnknownCommand 測試未知指令
func TestGateway_UnknownCommand(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t)

	sendCommand(t, ws, internal.Command{Type: "Bogus"})

	ev := readEvent(t, ws)
	require.Equal(t, internal.EventMessageError, ev.Type)
}

func countKind(messages []internal.Message, kind internal.MessageKind) int {
	count := 0
	for _, msg := range messages {
		if msg.Kind == kind {
			count++
		}
	}
	return count
}
