package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"aivision/internal/analysislog"
	"aivision/internal/camera"
	"aivision/internal/config"
	"aivision/internal/media"
	"aivision/internal/pipeline"
	"aivision/internal/vision"
)

// maxUploadBytes はアップロードできるファイルの最大サイズ
const maxUploadBytes = 64 << 20

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse はヘルスチェック応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse はシステム状態応答
type StatusResponse struct {
	Status    string       `json:"status"`
	Server    ServerInfo   `json:"server"`
	Driver    string       `json:"driver"`
	Inference string       `json:"inference"`
	Console   vision.State `json:"console"`
	Timestamp time.Time    `json:"timestamp"`
}

// ServerInfo はサーバー情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// NodesResponse はノード一覧応答
type NodesResponse struct {
	Nodes []camera.Node `json:"nodes"`
}

// SubmitResponse は解析への送信結果
// 何も起きなかった場合はSubmittedがfalseになる
type SubmitResponse struct {
	Submitted bool             `json:"submitted"`
	Ticket    *pipeline.Ticket `json:"ticket,omitempty"`
}

// TargetRequest は探索対象の設定要求
type TargetRequest struct {
	Target string `json:"target"`
}

// LogResponse は解析ログ応答
type LogResponse struct {
	Entries []analysislog.Entry `json:"entries"`
}

// DevicesResponse はデバイス一覧応答
type DevicesResponse struct {
	Devices []media.DeviceInfo `json:"devices"`
}

// Handler はHTTPエンドポイントの実装
type Handler struct {
	config    *config.Config
	console   *vision.Console
	discovery *media.Discovery
	hub       *hub
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func newHandler(cfg *config.Config, console *vision.Console, discovery *media.Discovery, h *hub, logger *zap.Logger) *Handler {
	return &Handler{
		config:    cfg,
		console:   console,
		discovery: discovery,
		hub:       h,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Driver:    h.config.Camera.Driver,
		Inference: h.config.Inference.Provider,
		Console:   h.console.State(),
		Timestamp: time.Now(),
	})
}

// GetDevices はV4L2デバイス一覧取得エンドポイントの実装
func (h *Handler) GetDevices(c *gin.Context) {
	if h.discovery == nil {
		c.JSON(http.StatusOK, DevicesResponse{Devices: []media.DeviceInfo{}})
		return
	}

	devices, err := h.discovery.ScanDevices(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "device_scan_failed", "デバイスのスキャンに失敗しました", err)
		return
	}
	if devices == nil {
		devices = []media.DeviceInfo{}
	}
	c.JSON(http.StatusOK, DevicesResponse{Devices: devices})
}

// GetNodes はノード一覧取得エンドポイントの実装
func (h *Handler) GetNodes(c *gin.Context) {
	c.JSON(http.StatusOK, NodesResponse{Nodes: h.console.Registry().Nodes()})
}

// ToggleNode はノードの電源切り替えエンドポイントの実装
func (h *Handler) ToggleNode(c *gin.Context) {
	node, err := h.console.ToggleNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// SelectNode はノード選択エンドポイントの実装
func (h *Handler) SelectNode(c *gin.Context) {
	id := c.Param("id")
	if err := h.console.SelectNode(id); err != nil {
		h.respondDomainError(c, err)
		return
	}
	node, _ := h.console.Registry().Node(id)
	c.JSON(http.StatusOK, node)
}

// CaptureFrame は静止画キャプチャエンドポイントの実装
func (h *Handler) CaptureFrame(c *gin.Context) {
	ticket, ok, err := h.console.Capture(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	respondSubmit(c, ticket, ok)
}

// StartRecording は録画開始エンドポイントの実装
func (h *Handler) StartRecording(c *gin.Context) {
	id := c.Param("id")
	if err := h.console.StartRecording(c.Request.Context(), id); err != nil {
		h.respondDomainError(c, err)
		return
	}
	node, _ := h.console.Registry().Node(id)
	c.JSON(http.StatusOK, node)
}

// StopRecording は録画停止エンドポイントの実装
func (h *Handler) StopRecording(c *gin.Context) {
	ticket, ok, err := h.console.StopRecording(c.Request.Context())
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	respondSubmit(c, ticket, ok)
}

// GetNodeStream はMJPEGストリーミングエンドポイントの実装
func (h *Handler) GetNodeStream(c *gin.Context) {
	frameChan, cancel, err := h.console.Registry().SubscribePreview(c.Param("id"), 4)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	defer cancel()

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	writer := c.Writer
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return

		case <-h.hub.Done():
			return

		case frame, ok := <-frameChan:
			if !ok {
				// ノードが停止された
				return
			}
			if err := writeMJPEGPart(writer, frame); err != nil {
				return
			}
			writer.Flush()
		}
	}
}

func writeMJPEGPart(w io.Writer, frame []byte) error {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: " + strconv.Itoa(len(frame)) + "\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// GetTarget は探索対象取得エンドポイントの実装
func (h *Handler) GetTarget(c *gin.Context) {
	c.JSON(http.StatusOK, TargetRequest{Target: h.console.Target()})
}

// PutTarget は探索対象設定エンドポイントの実装
func (h *Handler) PutTarget(c *gin.Context) {
	var req TargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "リクエストの形式が不正です", err)
		return
	}
	h.console.SetTarget(req.Target)
	c.JSON(http.StatusOK, TargetRequest{Target: h.console.Target()})
}

// Upload はファイルアップロードエンドポイントの実装
func (h *Handler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+1<<20)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "file_required", "ファイルが指定されていません", err)
		return
	}
	if fileHeader.Size > maxUploadBytes {
		respondError(c, http.StatusRequestEntityTooLarge, "file_too_large", "ファイルが大きすぎます", nil)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "file_unreadable", "ファイルを開けません", err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(c, http.StatusBadRequest, "file_unreadable", "ファイルの読み取りに失敗しました", err)
		return
	}

	ticket, err := h.console.Upload(fileHeader.Filename, fileHeader.Header.Get("Content-Type"), data)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	respondSubmit(c, ticket, true)
}

// GetSubmission は送信状態取得エンドポイントの実装
func (h *Handler) GetSubmission(c *gin.Context) {
	ticket, ok := h.console.Ticket(c.Param("id"))
	if !ok {
		respondError(c, http.StatusNotFound, "submission_not_found", "指定された送信が見つかりません", nil)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// GetLog は解析ログ取得エンドポイントの実装
func (h *Handler) GetLog(c *gin.Context) {
	log := h.console.Log()

	since := c.Query("since")
	if since == "" {
		c.JSON(http.StatusOK, LogResponse{Entries: log.Entries()})
		return
	}

	seq, err := strconv.ParseUint(since, 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_since", "sinceの値が不正です", err)
		return
	}
	c.JSON(http.StatusOK, LogResponse{Entries: log.Since(seq)})
}

// LogWebSocket は解析ログの追加をWebSocketで配信する
// 過去のエントリは /api/log で取得し、Seqで重複を除くこと
func (h *Handler) LogWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocketのアップグレードに失敗", zap.Error(err))
		return
	}
	cl := newClient(conn, h.logger)
	h.hub.Register(cl)
	go cl.writeLoop()
	cl.readLoop(func() {
		h.hub.Unregister(cl)
	})
}

// GetMedia はログが参照するメディア取得エンドポイントの実装
func (h *Handler) GetMedia(c *gin.Context) {
	data, mimeType, ok := h.console.Log().Media(c.Param("id"))
	if !ok {
		respondError(c, http.StatusNotFound, "media_not_found", "指定されたメディアが見つかりません", nil)
		return
	}
	c.Header("Cache-Control", "private, max-age=86400, immutable")
	c.Data(http.StatusOK, mimeType, data)
}

// Root は簡易コンソール画面を返す
func (h *Handler) Root(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

// ヘルパー関数

// respondSubmit は送信結果を返す
func respondSubmit(c *gin.Context, ticket pipeline.Ticket, submitted bool) {
	if !submitted {
		c.JSON(http.StatusOK, SubmitResponse{Submitted: false})
		return
	}
	c.JSON(http.StatusAccepted, SubmitResponse{Submitted: true, Ticket: &ticket})
}

// respondDomainError はドメインエラーをHTTPステータスに変換する
func (h *Handler) respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, camera.ErrNodeNotFound):
		respondError(c, http.StatusNotFound, "node_not_found", "指定されたノードが見つかりません", err)
	case errors.Is(err, camera.ErrNodeInactive):
		respondError(c, http.StatusServiceUnavailable, "node_not_active", "ノードがアクティブではありません", err)
	case errors.Is(err, camera.ErrRecordingBusy):
		respondError(c, http.StatusConflict, "recording_busy", "他のノードが録画中です", err)
	case errors.Is(err, pipeline.ErrQueueFull):
		respondError(c, http.StatusTooManyRequests, "queue_full", "解析キューが満杯です。しばらくしてから再試行してください", err)
	case errors.Is(err, pipeline.ErrClosed):
		respondError(c, http.StatusServiceUnavailable, "pipeline_closed", "解析パイプラインは停止しています", err)
	case errors.Is(err, vision.ErrEmptyUpload), errors.Is(err, pipeline.ErrEmptyArtifact):
		respondError(c, http.StatusBadRequest, "empty_artifact", "データが空です", err)
	default:
		h.logger.Error("予期しないエラー", zap.String("path", c.FullPath()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "internal_error", "内部エラーが発生しました", err)
	}
}

// respondError はエラー応答を返す
func respondError(c *gin.Context, status int, code, message string, err error) {
	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err != nil {
		details := err.Error()
		resp.Details = &details
	}
	c.AbortWithStatusJSON(status, resp)
}
