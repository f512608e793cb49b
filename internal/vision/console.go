package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"aivision/internal/analysislog"
	"aivision/internal/artifact"
	"aivision/internal/camera"
	"aivision/internal/pipeline"
)

// ErrEmptyUpload は空のファイルがアップロードされた場合のエラー
var ErrEmptyUpload = errors.New("アップロードされたファイルが空です")

// State はコンソール全体の状態
type State struct {
	Busy          bool          `json:"busy"`
	Pending       int           `json:"pending"`
	RecordingNode string        `json:"recording_node,omitempty"`
	SelectedNode  string        `json:"selected_node"`
	Target        string        `json:"target"`
	Nodes         []camera.Node `json:"nodes"`
	LogEntries    int           `json:"log_entries"`
}

// Console はノード管理、解析パイプライン、解析ログを結びつける
// 探索対象の説明はConsoleだけが保持する
type Console struct {
	registry camera.Registry
	pipeline *pipeline.Pipeline
	log      *analysislog.Log
	logger   *zap.Logger

	mu     sync.RWMutex
	target string
}

// NewConsole は新しいConsoleを作成する
func NewConsole(registry camera.Registry, p *pipeline.Pipeline, log *analysislog.Log, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{
		registry: registry,
		pipeline: p,
		log:      log,
		logger:   logger,
	}
}

// Run は初期ノードを起動し、解析ワーカーを動かす
// ctxがキャンセルされるまでブロックする
func (c *Console) Run(ctx context.Context) error {
	if err := c.registry.Start(ctx); err != nil {
		return fmt.Errorf("ノードの起動に失敗: %w", err)
	}
	return c.pipeline.Run(ctx)
}

// Shutdown は送信の受け付けを止め、全ノードを停止する
// 待機中の送信は中止として記録する
func (c *Console) Shutdown(ctx context.Context) error {
	c.pipeline.Drain()
	return c.registry.Shutdown(ctx)
}

// Log は解析ログを返す
func (c *Console) Log() *analysislog.Log {
	return c.log
}

// Registry はノード管理を返す
func (c *Console) Registry() camera.Registry {
	return c.registry
}

// Ticket は送信の追跡情報を返す
func (c *Console) Ticket(id string) (pipeline.Ticket, bool) {
	return c.pipeline.Ticket(id)
}

// ToggleNode はノードの電源を切り替える
func (c *Console) ToggleNode(ctx context.Context, id string) (camera.Node, error) {
	return c.registry.Toggle(ctx, id)
}

// SelectNode はノードを選択する
func (c *Console) SelectNode(id string) error {
	return c.registry.Select(id)
}

// SetTarget は探索対象の説明を設定する
func (c *Console) SetTarget(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = strings.TrimSpace(target)
}

// Target は探索対象の説明を返す
func (c *Console) Target() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target
}

// Capture は現在のフレームを取得して解析に送る
// ノードが非アクティブ、またはフレームがない場合は何もしない
func (c *Console) Capture(ctx context.Context, id string) (pipeline.Ticket, bool, error) {
	a, ok, err := c.registry.CaptureFrame(ctx, id)
	if err != nil || !ok {
		return pipeline.Ticket{}, false, err
	}

	target := c.Target()
	ticket, err := c.pipeline.Submit(pipeline.Submission{
		Artifact: a,
		Target:   target,
		UserText: captureText(id, target),
	})
	if err != nil {
		return pipeline.Ticket{}, false, err
	}
	return ticket, true, nil
}

// StartRecording は録画を開始する
func (c *Console) StartRecording(ctx context.Context, id string) error {
	return c.registry.StartRecording(ctx, id)
}

// StopRecording は録画を停止し、クリップを解析に送る
// 録画中でない場合は何もしない
func (c *Console) StopRecording(ctx context.Context) (pipeline.Ticket, bool, error) {
	clip, ok := c.registry.StopRecording(ctx)
	if !ok {
		return pipeline.Ticket{}, false, nil
	}

	ticket, err := c.pipeline.Submit(pipeline.Submission{
		Artifact: clip,
		Target:   c.Target(),
		UserText: videoText(clip.NodeID),
	})
	if err != nil {
		c.logger.Warn("クリップの送信に失敗しました", zap.String("node", clip.NodeID), zap.Error(err))
		return pipeline.Ticket{}, false, err
	}
	return ticket, true, nil
}

// Upload はアップロードされたファイルを解析に送る
// 種類はMIMEタイプで判定し、ノードIDはUPLOADとする
func (c *Console) Upload(name, declaredMIME string, data []byte) (pipeline.Ticket, error) {
	if len(data) == 0 {
		return pipeline.Ticket{}, ErrEmptyUpload
	}

	kind, mimeType := artifact.ClassifyMIME(declaredMIME, data)
	a := artifact.New(kind, mimeType, data, artifact.UploadNodeID)
	a.Name = name

	return c.pipeline.Submit(pipeline.Submission{
		Artifact: a,
		Target:   c.Target(),
		UserText: uploadText(name),
	})
}

// State はコンソール全体の状態を返す
func (c *Console) State() State {
	owner, _ := c.registry.RecordingOwner()
	return State{
		Busy:          c.pipeline.Busy(),
		Pending:       c.pipeline.Pending(),
		RecordingNode: owner,
		SelectedNode:  c.registry.Selected(),
		Target:        c.Target(),
		Nodes:         c.registry.Nodes(),
		LogEntries:    c.log.Len(),
	}
}

func captureText(nodeID, target string) string {
	if target != "" {
		return fmt.Sprintf("探索: \"%s\" をノード %s で検索中...", target, nodeID)
	}
	return fmt.Sprintf("SCAN [%s]: 正面の人物を確認しています。", nodeID)
}

func videoText(nodeID string) string {
	return fmt.Sprintf("VIDEO_SCAN [%s]: 録画した映像を解析しています...", nodeID)
}

func uploadText(name string) string {
	return fmt.Sprintf("UPLOAD_SCAN: %s を解析しています...", name)
}
