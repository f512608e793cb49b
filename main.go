package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"aivision/internal/app"
	"aivision/internal/config"
	"aivision/internal/logger"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// ロガーを作成
	zl := logger.New(logger.Options{FilePath: cfg.Log.FilePath, Production: cfg.Log.Production})
	defer func() { _ = zl.Sync() }()

	// サービスを組み立てる
	a, err := app.New(cfg, zl)
	if err != nil {
		zl.Error("サービスの組み立てに失敗しました", zap.Error(err))
		os.Exit(1)
	}

	// シグナルでキャンセルされるコンテキスト
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// サーバーを起動
	if err := a.Run(ctx); err != nil {
		zl.Error("サーバーの実行に失敗しました", zap.Error(err))
		os.Exit(1)
	}
}
