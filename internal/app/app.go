// Package app は設定から各コンポーネントを組み立て、サービス全体を起動する
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"aivision/internal/analysislog"
	"aivision/internal/camera"
	"aivision/internal/config"
	"aivision/internal/inference"
	"aivision/internal/logger"
	"aivision/internal/media"
	"aivision/internal/pipeline"
	"aivision/internal/server"
	"aivision/internal/vision"
)

// App は組み立て済みのサービス
type App struct {
	config  *config.Config
	logger  *zap.Logger
	console *vision.Console
	server  *server.Server
}

// New は設定から各コンポーネントを組み立てる
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}

	discovery := media.NewDiscovery()

	driver, err := newDriver(cfg, discovery, logger.Module(log, "media"))
	if err != nil {
		return nil, err
	}

	encoder, err := newClipEncoder(cfg, media.ValidateFFmpeg, logger.Module(log, "media"))
	if err != nil {
		return nil, err
	}

	registry := camera.NewDefaultRegistry(
		nodeSpecs(cfg.Camera.Nodes),
		cfg.Camera.SelectedNode,
		driver,
		encoder,
		camera.Settings{
			FPS:           cfg.Camera.DefaultFPS,
			Width:         cfg.Camera.DefaultWidth,
			Height:        cfg.Camera.DefaultHeight,
			Audio:         cfg.Camera.Audio,
			JPEGQuality:   cfg.Capture.JPEGQuality,
			MaxClipChunks: maxClipChunks(cfg.Capture.MaxClip, cfg.Camera.DefaultFPS),
		},
		logger.Module(log, "camera"),
	)

	analysisLog := analysislog.New(analysislog.Options{MaxMediaBytes: analysislog.DefaultMaxMediaBytes})

	p := pipeline.New(
		newGateway(cfg.Inference, logger.Module(log, "inference")),
		analysisLog,
		pipeline.Options{
			QueueSize:      cfg.Pipeline.QueueSize,
			TicketTTL:      cfg.Pipeline.TicketTTL,
			RequestTimeout: cfg.Inference.Timeout,
		},
		logger.Module(log, "pipeline"),
	)

	console := vision.NewConsole(registry, p, analysisLog, logger.Module(log, "vision"))
	srv := server.New(cfg, console, discovery, logger.Module(log, "server"))

	return &App{
		config:  cfg,
		logger:  log,
		console: console,
		server:  srv,
	}, nil
}

// Run はHTTPサーバーと解析ワーカーを起動し、ctxがキャンセルされるまでブロックする
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("AI Vision サーバーを起動します",
		zap.String("addr", a.config.ServerAddress()),
		zap.String("driver", a.config.Camera.Driver),
		zap.String("inference", a.config.Inference.Provider),
		zap.Int("nodes", len(a.config.Camera.Nodes)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Start(gctx)
	})
	g.Go(func() error {
		return a.console.Run(gctx)
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := a.console.Shutdown(shutdownCtx); shutdownErr != nil {
		err = errors.Join(err, shutdownErr)
	}

	a.logger.Info("AI Vision サーバーを停止しました")
	return err
}

func newDriver(cfg *config.Config, discovery *media.Discovery, log *zap.Logger) (media.Driver, error) {
	switch cfg.Camera.Driver {
	case "ffmpeg":
		return media.NewFFmpegDriver(discovery, log), nil
	case "synthetic", "":
		return media.NewSyntheticDriver(), nil
	default:
		return nil, fmt.Errorf("不明なドライバー: %s", cfg.Camera.Driver)
	}
}

// newClipEncoder は設定に応じたクリップエンコーダーを返す
// autoの場合、geminiにはffmpegのwebmを使い、ffmpegがなければ静止画で送る
func newClipEncoder(cfg *config.Config, checkFFmpeg func(context.Context) error, log *zap.Logger) (media.ClipEncoder, error) {
	ffmpegEncoder := media.FFmpegClipEncoder{Format: cfg.Capture.ClipFormat, Quality: cfg.Capture.ClipQuality}
	ffmpegErr := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return checkFFmpeg(ctx)
	}

	switch cfg.Capture.ClipEncoder {
	case "ffmpeg":
		if err := ffmpegErr(); err != nil {
			return nil, fmt.Errorf("ffmpegクリップエンコーダーを使用できません: %w", err)
		}
		return ffmpegEncoder, nil
	case "mjpeg":
		return media.MJPEGClipEncoder{}, nil
	case "still":
		return media.StillClipEncoder{}, nil
	case "auto", "":
		if cfg.Inference.Provider != "gemini" {
			return media.MJPEGClipEncoder{}, nil
		}
		if err := ffmpegErr(); err != nil {
			log.Warn("ffmpegが見つからないため、録画は静止画として解析します", zap.Error(err))
			return media.StillClipEncoder{}, nil
		}
		return ffmpegEncoder, nil
	default:
		return nil, fmt.Errorf("不明なクリップエンコーダー: %s", cfg.Capture.ClipEncoder)
	}
}

func newGateway(cfg config.InferenceConfig, log *zap.Logger) inference.Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Provider == "offline" {
		return inference.StaticGateway{Text: inference.OfflineReportText}
	}
	if cfg.APIKey == "" {
		log.Warn("APIキーが設定されていません。解析結果は診断メッセージになります")
	}
	return inference.NewGeminiGateway(inference.GeminiConfig{
		APIKey:      cfg.APIKey,
		Endpoint:    cfg.Endpoint,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	}, nil, log)
}

func nodeSpecs(nodes []config.NodeConfig) []camera.NodeSpec {
	specs := make([]camera.NodeSpec, 0, len(nodes))
	for _, n := range nodes {
		specs = append(specs, camera.NodeSpec{
			ID:          n.ID,
			Name:        n.Name,
			Description: n.Description,
			Device:      n.Device,
			Active:      n.Active,
		})
	}
	return specs
}

// maxClipChunks は録画の最大長をチャンク数に換算する
func maxClipChunks(maxClip time.Duration, fps int) int {
	if maxClip <= 0 || fps <= 0 {
		return 0
	}
	return int(maxClip.Seconds() * float64(fps))
}
