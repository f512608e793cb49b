package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Camera    CameraConfig    `mapstructure:"camera" yaml:"camera"`
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Inference InferenceConfig `mapstructure:"inference" yaml:"inference"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"` // リッスンするホスト
	Port int    `mapstructure:"port" yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`   // 読み込みタイムアウト
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラノード関連の設定
type CameraConfig struct {
	// ノードは起動時に固定され、実行中に増減しない
	Nodes []NodeConfig `mapstructure:"nodes" yaml:"nodes"`

	// ドライバー ("synthetic" または "ffmpeg")
	Driver string `mapstructure:"driver" yaml:"driver"`

	// デフォルト設定（解像度の希望値）
	DefaultFPS    int  `mapstructure:"default_fps" yaml:"default_fps"`
	DefaultWidth  int  `mapstructure:"default_width" yaml:"default_width"`
	DefaultHeight int  `mapstructure:"default_height" yaml:"default_height"`
	Audio         bool `mapstructure:"audio" yaml:"audio"`

	// 起動時に選択されるノード
	SelectedNode string `mapstructure:"selected_node" yaml:"selected_node"`
}

// NodeConfig は個別カメラノードの設定
type NodeConfig struct {
	ID          string `mapstructure:"id" yaml:"id"`                   // ノードID (例: CAM-01)
	Name        string `mapstructure:"name" yaml:"name"`               // 表示名
	Description string `mapstructure:"description" yaml:"description"` // 説明
	Device      string `mapstructure:"device" yaml:"device"`           // デバイスパス (例: /dev/video0)
	Active      bool   `mapstructure:"active" yaml:"active"`           // 起動時に電源を入れるか
}

// CaptureConfig は静止画・クリップのエンコード設定
type CaptureConfig struct {
	JPEGQuality int           `mapstructure:"jpeg_quality" yaml:"jpeg_quality"` // 1-100 (70 = 0.7)
	ClipEncoder string        `mapstructure:"clip_encoder" yaml:"clip_encoder"` // "auto", "mjpeg", "ffmpeg", "still"
	ClipFormat  string        `mapstructure:"clip_format" yaml:"clip_format"`   // ffmpeg使用時: "webm" または "mp4"
	ClipQuality int           `mapstructure:"clip_quality" yaml:"clip_quality"` // 1-5
	MaxClip     time.Duration `mapstructure:"max_clip" yaml:"max_clip"`         // 録画の最大長
}

// InferenceConfig は推論ゲートウェイの設定
type InferenceConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"` // "gemini" または "offline"
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PipelineConfig は解析パイプラインの設定
type PipelineConfig struct {
	QueueSize int           `mapstructure:"queue_size" yaml:"queue_size"` // 待機できる投入数
	TicketTTL time.Duration `mapstructure:"ticket_ttl" yaml:"ticket_ttl"` // 投入チケットの保持期間
}

// LogConfig はログ出力の設定
type LogConfig struct {
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	Production bool   `mapstructure:"production" yaml:"production"`
}

// DefaultNodes は既定の4ノード構成を返す
func DefaultNodes() []NodeConfig {
	return []NodeConfig{
		{ID: "CAM-01", Name: "Camera 01: Entry/Exit", Description: "出入口の監視、人数カウント、顔の識別", Device: "/dev/video0", Active: true},
		{ID: "CAM-02", Name: "Camera 02: Production Line", Description: "計器の読み取りと生産ラインの不良検出", Device: "/dev/video1"},
		{ID: "CAM-03", Name: "Camera 03: Warehouse", Description: "箱のカウントと在庫レベルの監視", Device: "/dev/video2"},
		{ID: "CAM-04", Name: "Camera 04: Hazard Zone", Description: "保護具の着用確認と立入禁止区域への侵入検知", Device: "/dev/video3"},
	}
}

// Load は設定を読み込む
// 優先順位: 環境変数 > 設定ファイル > デフォルト値
func Load() (*Config, error) {
	return LoadFile(os.Getenv("AIVISION_CONFIG"))
}

// LoadFile は指定された設定ファイルを読み込む（空文字列の場合はファイルなし）
func LoadFile(path string) (*Config, error) {
	// .envがあれば環境変数に取り込む（なくてもよい）
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AIVISION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 既存の環境変数名との互換
	_ = v.BindEnv("server.host", "AIVISION_SERVER_HOST", "SERVER_HOST")
	_ = v.BindEnv("server.port", "AIVISION_SERVER_PORT", "PORT")
	_ = v.BindEnv("inference.api_key", "AIVISION_INFERENCE_API_KEY", "GOOGLE_GEMINI_API_KEY", "API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}

	if len(cfg.Camera.Nodes) == 0 {
		cfg.Camera.Nodes = DefaultNodes()
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 0) // ストリーミング用にタイムアウト無効化

	v.SetDefault("camera.driver", "synthetic")
	v.SetDefault("camera.default_fps", 15)
	v.SetDefault("camera.default_width", 640)
	v.SetDefault("camera.default_height", 480)
	v.SetDefault("camera.audio", true)
	v.SetDefault("camera.selected_node", "CAM-01")

	v.SetDefault("capture.jpeg_quality", 70)
	v.SetDefault("capture.clip_encoder", "auto")
	v.SetDefault("capture.clip_format", "webm")
	v.SetDefault("capture.clip_quality", 3)
	v.SetDefault("capture.max_clip", 60*time.Second)

	v.SetDefault("inference.provider", "gemini")
	v.SetDefault("inference.endpoint", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("inference.model", "gemini-2.0-flash")
	v.SetDefault("inference.temperature", 0.1)
	v.SetDefault("inference.timeout", 60*time.Second)

	v.SetDefault("pipeline.queue_size", 8)
	v.SetDefault("pipeline.ticket_ttl", 30*time.Minute)

	v.SetDefault("log.file_path", "logs/aivision.log")
	v.SetDefault("log.production", false)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// ノード設定の検証
	if len(c.Camera.Nodes) == 0 {
		return errors.New("カメラノードが設定されていません")
	}
	seen := make(map[string]struct{}, len(c.Camera.Nodes))
	for i, node := range c.Camera.Nodes {
		if node.ID == "" {
			return fmt.Errorf("ノード %d のIDが空です", i)
		}
		if _, dup := seen[node.ID]; dup {
			return fmt.Errorf("ノードIDが重複しています: %s", node.ID)
		}
		seen[node.ID] = struct{}{}
		if c.Camera.Driver == "ffmpeg" && node.Device == "" {
			return fmt.Errorf("ノード %s のデバイスパスが空です", node.ID)
		}
	}

	switch c.Camera.Driver {
	case "synthetic", "ffmpeg":
	default:
		return fmt.Errorf("未対応のカメラドライバー: %s", c.Camera.Driver)
	}

	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Capture.JPEGQuality)
	}

	switch c.Capture.ClipEncoder {
	case "auto", "mjpeg", "ffmpeg", "still":
	default:
		return fmt.Errorf("未対応のクリップエンコーダー: %s", c.Capture.ClipEncoder)
	}

	switch c.Inference.Provider {
	case "gemini", "offline":
	default:
		return fmt.Errorf("未対応の推論プロバイダー: %s", c.Inference.Provider)
	}

	// GeminiはMotion JPEGを受け付けない
	if c.Inference.Provider == "gemini" && c.Capture.ClipEncoder == "mjpeg" {
		return errors.New("推論プロバイダー gemini ではクリップエンコーダー mjpeg を使用できません (auto, ffmpeg, still のいずれかを指定してください)")
	}

	if c.Pipeline.QueueSize < 0 {
		return fmt.Errorf("無効なキューサイズ: %d", c.Pipeline.QueueSize)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
