package internal

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Notifier 掃描器對外的推送介面
//
// 由 Gateway 實作。掃描器只知道「向群組廣播一則訊息」與
// 「逐一通知成員聊天室已關閉」兩件事，不碰任何連線細節。
type Notifier interface {
	// BroadcastMessage 向聊天室群組廣播一則訊息
	BroadcastMessage(roomCode string, msg Message)
	// RoomExpired 向各成員個別推送關閉通知，並解散該群組
	RoomExpired(roomCode string, connectionIDs []string)
}

const (
	// DefaultSweepInterval 掃描間隔預設值
	DefaultSweepInterval = time.Minute
	// evictionGracePeriod 廣播過期訊息後給客戶端的送達緩衝
	evictionGracePeriod = time.Second
	// expiringWarnThreshold 剩餘時間低於此值時廣播過期預警
	expiringWarnThreshold = 5 * time.Minute
	// expiringFinalThreshold 剩餘時間低於此值時改用最後警告
	expiringFinalThreshold = time.Minute
)

// Sweeper 過期掃描器
//
// 兩階段狀態機，循環直到收到關閉信號：
//
//	idle-wait（可取消的固定間隔休眠）→ sweep（逐一驅逐過期聊天室）→ idle-wait
//
// 系統設計考量：
//
//  1. 驅逐順序：
//     先向群組廣播 room_expired 系統訊息 → 暫停片刻讓訊息送達 →
//     逐一推送關閉通知 → 從 Registry 移除。
//     順序確保成員在連線被解散前看得到原因。
//
//  2. 單房間故障隔離：
//     某個聊天室驅逐失敗（例如掃描到驅逐之間已被移除）只記日誌，
//     不中斷本輪其餘聊天室的清理。
//
//  3. 取消語義：
//     idle-wait 可被關閉信號打斷；進行中的 sweep 不會在房間中途被打斷，
//     本輪結束後迴圈才退出。
type Sweeper struct {
	registry *Registry
	notifier Notifier
	logger   *slog.Logger
	interval time.Duration
	grace    time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper 建立並啟動掃描器
func NewSweeper(registry *Registry, notifier Notifier, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	s := &Sweeper{
		registry: registry,
		notifier: notifier,
		logger:   logger,
		interval: interval,
		grace:    evictionGracePeriod,
		stopCh:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.loop()

	return s
}

// loop 掃描迴圈
func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep 執行一輪掃描：驅逐過期聊天室，並對即將過期的聊天室廣播預警
func (s *Sweeper) Sweep() {
	for _, room := range s.registry.ExpiredRooms() {
		if err := s.evict(room); err != nil {
			// 單房間故障隔離：記錄並繼續清理其餘聊天室
			s.logger.Error("驅逐過期聊天室失敗",
				"room_code", room.Code,
				"error", err)
		}
	}

	// 同一個 tick 順便對存活的聊天室做過期預警
	for _, room := range s.registry.Rooms() {
		if !room.IsExpired() {
			s.WarnExpiring(room.Code, room.TimeRemaining())
		}
	}
}

// evict 驅逐單一聊天室
func (s *Sweeper) evict(room *Room) error {
	s.logger.Info("清理過期聊天室", "room_code", room.Code)

	expiredMsg := NewSystemMessage(KindRoomExpired, "此聊天室已過期，即將關閉。")
	s.notifier.BroadcastMessage(room.Code, expiredMsg)

	// 給客戶端一點時間收到過期訊息
	time.Sleep(s.grace)

	s.notifier.RoomExpired(room.Code, room.ParticipantConnectionIDs())

	if _, removed := s.registry.RemoveRoom(room.Code); !removed {
		return fmt.Errorf("聊天室在驅逐前已被移除: %s", room.Code)
	}

	s.logger.Info("過期聊天室已清理", "room_code", room.Code)
	return nil
}

// WarnExpiring 對剩餘時間不多的聊天室廣播過期預警
//
// 剩餘時間超過 5 分鐘時不做任何事；低於 1 分鐘時改用最後警告類型。
func (s *Sweeper) WarnExpiring(roomCode string, remaining time.Duration) {
	if remaining <= 0 || remaining > expiringWarnThreshold {
		return
	}

	kind := KindRoomExpiring
	if remaining <= expiringFinalThreshold {
		kind = KindRoomExpiringFinal
	}

	minutes := int(remaining.Minutes())
	seconds := int(remaining.Seconds()) % 60
	warning := NewSystemMessage(kind,
		fmt.Sprintf("⚠️ 此聊天室將在 %d 分 %d 秒後過期。", minutes, seconds))

	s.notifier.BroadcastMessage(roomCode, warning)
}

// Stop 停止掃描器（等待本輪掃描結束）
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("過期掃描器已停止")
}
