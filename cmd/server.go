// Package main はAI Visionサーバーコマンドの実装です
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"aivision/internal/app"
	"aivision/internal/config"
	"aivision/internal/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newServerCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	host       string
	port       int
	configPath string
	driver     string
	offline    bool
}

func newServerCommand() *cobra.Command {
	opts := serverOptions{}

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "AI Vision サーバーを起動します",
		Long:          "複数のカメラノードのキャプチャを推論サービスに送り、解析ログを配信するHTTPサーバーを起動します。",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), opts)
		},
	}

	// コマンドラインオプション
	cmd.Flags().StringVar(&opts.host, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "サーバーのポート (デフォルト: 8080)")
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", os.Getenv("AIVISION_CONFIG"), "設定ファイルのパス (YAML)")
	cmd.Flags().StringVar(&opts.driver, "driver", "", "カメラドライバー (synthetic または ffmpeg)")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "推論サービスを呼び出さずに定型レポートを返す")

	return cmd
}

func runServer(ctx context.Context, opts serverOptions) error {
	// 設定を読み込む
	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}

	// コマンドラインオプションで設定を上書き
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.driver != "" {
		cfg.Camera.Driver = opts.driver
	}
	if opts.offline {
		cfg.Inference.Provider = "offline"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("設定の検証に失敗しました: %w", err)
	}

	zl := logger.New(logger.Options{FilePath: cfg.Log.FilePath, Production: cfg.Log.Production})
	defer func() { _ = zl.Sync() }()

	a, err := app.New(cfg, zl)
	if err != nil {
		return fmt.Errorf("サービスの組み立てに失敗しました: %w", err)
	}

	return a.Run(ctx)
}
