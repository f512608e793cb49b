package camera

import (
	"context"
	"errors"
	"time"

	"aivision/internal/artifact"
)

var (
	// ErrNodeNotFound は存在しないノードIDが指定された場合のエラー
	ErrNodeNotFound = errors.New("ノードが見つかりません")
	// ErrNodeInactive はノードの電源が入っていない場合のエラー
	ErrNodeInactive = errors.New("ノードがアクティブではありません")
	// ErrRecordingBusy は他のノードが録画中の場合のエラー
	ErrRecordingBusy = errors.New("他のノードが録画中です")
)

// Node はカメラノードの状態
// ノードは起動時に固定され、実行中に追加・削除されない
type Node struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Device      string    `json:"device"`
	Active      bool      `json:"active"`    // 電源が入っているか（= キャプチャセッションが存在する）
	Selected    bool      `json:"selected"`  // 選択中のノードか
	Recording   bool      `json:"recording"` // 録画中か
	LastSeen    time.Time `json:"last_seen"`
}

// NodeSpec は静的に設定されたノード定義
type NodeSpec struct {
	ID          string
	Name        string
	Description string
	Device      string
	Active      bool // 起動時に電源を入れるか
}

// Settings はキャプチャセッションの設定
type Settings struct {
	FPS    int  // フレームレート
	Width  int  // 希望する画像幅
	Height int  // 希望する画像高さ
	Audio  bool // 音声トラックも取得するか

	JPEGQuality   int // 静止画のJPEG品質 (1-100)
	MaxClipChunks int // 録画でバッファする最大チャンク数 (0 = 無制限)
}

// Registry はノードの電源・選択・録画状態の唯一の管理者
type Registry interface {
	// Start は起動時に電源が入っているノードのセッションを開く
	Start(ctx context.Context) error

	// Shutdown は全セッションを解放する
	Shutdown(ctx context.Context) error

	// Nodes は設定順にノード一覧を返す
	Nodes() []Node

	// Node は指定されたIDのノードを返す
	Node(id string) (Node, bool)

	// Toggle はノードの電源を切り替える
	Toggle(ctx context.Context, id string) (Node, error)

	// Select は選択中のノードを設定する
	Select(id string) error

	// Selected は選択中のノードIDを返す
	Selected() string

	// CaptureFrame は現在のフレームを静止画として取得する
	CaptureFrame(ctx context.Context, id string) (artifact.Artifact, bool, error)

	// StartRecording は録画を開始する
	StartRecording(ctx context.Context, id string) error

	// StopRecording は録画を停止してクリップを返す
	StopRecording(ctx context.Context) (artifact.Artifact, bool)

	// RecordingOwner は録画中のノードIDを返す
	RecordingOwner() (string, bool)

	// SubscribePreview はライブプレビュー用のチャンクを購読する
	SubscribePreview(id string, buffer int) (<-chan []byte, func(), error)

	// OpenStreams はストリームを保持しているノードIDを返す
	OpenStreams() []string
}
