// Package chat 提供了一個短暫存活的匿名聊天室協調系統。
//
// 參與者以 4 位數代碼加入聊天室，即時交換文字訊息，
// 聊天室在存活時間（TTL）到期後自我銷毀。核心在於
// 聊天室協調與即時分發子系統：並發的聊天室/成員簿記、
// 競爭下的唯一代碼分配、有界訊息歷史、群組多播，
// 以及在拆除前通知成員的背景過期掃描。
//
// # 聊天室生命週期
//
// 提供完整的生命週期管理：
//   - 代碼分配（4 位數，先寫者優先 + 有界重試）
//   - 成員加入與離開（容量、暱稱唯一性檢查）
//   - 有界訊息日誌（500 則，FIFO 淘汰）
//   - 過期掃描與通知後驅逐
//
// # WebSocket 通訊
//
// 實現了即時雙向通訊機制：
//   - 指令分發（建立、加入、發言、離開、查詢）
//   - 群組多播與個別推送
//   - 心跳檢測（Ping/Pong）
//   - 斷線等同離開（與顯式離開冪等）
//
// # 併發安全設計
//
// 採用了多層次的併發控制策略：
//   - Registry 的 RWMutex 只保護索引 map
//   - 每個聊天室的訊息日誌有獨立的互斥鎖
//   - 鎖永不嵌套，臨界區內沒有 I/O
//   - 單一聊天室內訊息追加順序等於多播送達順序
//
// # 架構設計
//
// 系統採用分層架構設計：
//   - Registry 層：純並發儲存，原子操作
//   - Manager 層：領域規則與統一回應
//   - Sweeper 層：背景過期掃描與驅逐
//   - Gateway 層：WebSocket 指令分發與群組多播
//
// 每層都有明確的職責邊界，Sweeper 透過 Notifier 介面
// 與 Gateway 交互，便於測試與擴展。
//
// # 配置選項
//
// 支援多種運行時配置：
//   - -port：服務監聽端口（預設 8080）
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -log-format：日誌格式（text/json）
//   - -sweep-interval：過期掃描間隔（預設 1m）
package chat
