package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Handler HTTP 請求處理器
//
// 加入聊天室前的頁外（out-of-band）驗證端點，加上健康檢查與統計。
// 即時互動都走 WebSocket，這裡只有輕量的查詢面。
type Handler struct {
	manager  *Manager
	registry *Registry
	gateway  *Gateway
	logger   *slog.Logger
}

// NewHandler 建立 HTTP 處理器
func NewHandler(manager *Manager, registry *Registry, gateway *Gateway, logger *slog.Logger) *Handler {
	return &Handler{
		manager:  manager,
		registry: registry,
		gateway:  gateway,
		logger:   logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("POST /api/v1/rooms/validate", wrap(h.validateRoomCode))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

type validateRoomCodeRequest struct {
	RoomCode string `json:"room_code"`
}

// validateRoomCode 驗證聊天室代碼
//
// 給加入表單用的預檢：結合「代碼有效」與「可加入」兩個判斷，
// 讓使用者在建立連線前就知道代碼不能用。
func (h *Handler) validateRoomCode(w http.ResponseWriter, r *http.Request) {
	var req validateRoomCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}

	code := strings.TrimSpace(req.RoomCode)
	if code == "" {
		h.jsonResponse(w, map[string]any{
			"success": false,
			"message": "請輸入聊天室代碼",
		}, http.StatusOK)
		return
	}

	if !h.manager.IsValidRoomCode(code) {
		h.jsonResponse(w, map[string]any{
			"success": false,
			"message": "聊天室代碼無效或已過期",
		}, http.StatusOK)
		return
	}

	if !h.manager.CanJoin(code) {
		h.jsonResponse(w, map[string]any{
			"success": false,
			"message": "聊天室已滿或無法加入",
		}, http.StatusOK)
		return
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
		"message": "聊天室代碼有效",
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()
	stats["connections"] = h.gateway.ConnectionCounts()
	h.jsonResponse(w, stats, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
