package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aivision/internal/config"
	"aivision/internal/media"
	"aivision/internal/vision"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	console    *vision.Console
	logger     *zap.Logger
	engine     *gin.Engine
	httpServer *http.Server
	hub        *hub
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, console *vision.Console, discovery *media.Discovery, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))
	engine.MaxMultipartMemory = maxUploadBytes

	s := &Server{
		config:  cfg,
		console: console,
		logger:  logger,
		engine:  engine,
		hub:     newHub(logger),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	h := newHandler(cfg, console, discovery, s.hub, logger)
	s.setupRoutes(h)

	return s
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes(h *Handler) {
	s.engine.GET("/", h.Root)
	s.engine.GET("/health", h.HealthCheck)

	api := s.engine.Group("/api")
	api.GET("/status", h.GetStatus)
	api.GET("/devices", h.GetDevices)

	api.GET("/nodes", h.GetNodes)
	api.POST("/nodes/:id/toggle", h.ToggleNode)
	api.POST("/nodes/:id/select", h.SelectNode)
	api.POST("/nodes/:id/capture", h.CaptureFrame)
	api.POST("/nodes/:id/record", h.StartRecording)
	api.GET("/nodes/:id/stream", h.GetNodeStream)
	api.DELETE("/recording", h.StopRecording)

	api.GET("/target", h.GetTarget)
	api.PUT("/target", h.PutTarget)

	api.POST("/uploads", h.Upload)
	api.GET("/submissions/:id", h.GetSubmission)

	api.GET("/log", h.GetLog)
	api.GET("/log/ws", h.LogWebSocket)
	api.GET("/media/:id", h.GetMedia)
}

// Start はサーバーを起動し、ctxがキャンセルされるまでブロックする
func (s *Server) Start(ctx context.Context) error {
	feedDone := s.forwardLog()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case err := <-errCh:
		feedDone()
		return err
	}

	err := s.Shutdown()
	feedDone()
	return err
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています...")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// ストリーミング中の接続は待たずに閉じる
	s.httpServer.RegisterOnShutdown(s.hub.Close)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			_ = s.httpServer.Close()
		} else {
			return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
		}
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// forwardLog は解析ログへの追加をWebSocketクライアントに配信する
// 返された関数で配信を停止する
func (s *Server) forwardLog() func() {
	entries, unsubscribe := s.console.Log().Subscribe(256)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for e := range entries {
			payload, err := json.Marshal(e)
			if err != nil {
				s.logger.Error("ログエントリのエンコードに失敗", zap.Error(err))
				continue
			}
			s.hub.Broadcast(payload)
		}
	}()

	return func() {
		unsubscribe()
		<-done
	}
}

// requestLogger はリクエストをzapで記録するミドルウェア
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("HTTPリクエスト",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}
