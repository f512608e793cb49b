package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"aivision/internal/artifact"
	"aivision/internal/media"
)

var _ Registry = (*DefaultRegistry)(nil)

// node は内部で保持するノード状態
type node struct {
	spec     NodeSpec
	active   bool
	opening  bool // ストリーム取得中
	lastSeen time.Time
}

// DefaultRegistry はRegistryのデフォルト実装
// セッションはアクティブなノードにのみ存在する
type DefaultRegistry struct {
	driver   media.Driver
	encoder  media.ClipEncoder
	settings Settings
	logger   *zap.Logger

	mu       sync.RWMutex
	order    []string
	nodes    map[string]*node
	sessions map[string]*Session

	selected       string
	recordingOwner string
}

// NewDefaultRegistry は新しいDefaultRegistryを作成する
// selectedが空または存在しない場合は最初のノードを選択する
func NewDefaultRegistry(specs []NodeSpec, selected string, driver media.Driver, encoder media.ClipEncoder, settings Settings, logger *zap.Logger) *DefaultRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &DefaultRegistry{
		driver:   driver,
		encoder:  encoder,
		settings: settings,
		logger:   logger,
		nodes:    make(map[string]*node, len(specs)),
		sessions: make(map[string]*Session),
	}

	for _, spec := range specs {
		if _, exists := r.nodes[spec.ID]; exists {
			continue
		}
		r.order = append(r.order, spec.ID)
		r.nodes[spec.ID] = &node{spec: spec}
	}

	if _, ok := r.nodes[selected]; ok {
		r.selected = selected
	} else if len(r.order) > 0 {
		r.selected = r.order[0]
	}

	return r
}

// Start は起動時に電源が入っているノードをアクティブにする
// 取得に失敗したノードは非アクティブのまま残す
func (r *DefaultRegistry) Start(ctx context.Context) error {
	for _, id := range r.order {
		r.mu.RLock()
		wantActive := r.nodes[id].spec.Active
		r.mu.RUnlock()

		if !wantActive {
			continue
		}
		if _, err := r.activate(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown は全セッションを解放する
func (r *DefaultRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, session := range r.sessions {
		session.Close()
		r.nodes[id].active = false
		delete(r.sessions, id)
	}
	r.recordingOwner = ""

	r.logger.Info("全ノードを停止しました")
	return nil
}

// Nodes は設定順にノード一覧を返す
func (r *DefaultRegistry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		nodes = append(nodes, r.snapshot(id))
	}
	return nodes
}

// Node は指定されたIDのノードを返す
func (r *DefaultRegistry) Node(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.nodes[id]; !exists {
		return Node{}, false
	}
	return r.snapshot(id), true
}

// snapshot はロックを保持した状態で呼び出す
func (r *DefaultRegistry) snapshot(id string) Node {
	n := r.nodes[id]
	return Node{
		ID:          n.spec.ID,
		Name:        n.spec.Name,
		Description: n.spec.Description,
		Device:      n.spec.Device,
		Active:      n.active,
		Selected:    r.selected == id,
		Recording:   r.recordingOwner == id,
		LastSeen:    n.lastSeen,
	}
}

// Toggle はノードの電源を切り替える
// アクティブ化に失敗した場合、ノードは非アクティブのまま残りエラーは返さない
func (r *DefaultRegistry) Toggle(ctx context.Context, id string) (Node, error) {
	r.mu.Lock()
	n, exists := r.nodes[id]
	if !exists {
		r.mu.Unlock()
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.opening {
		// 取得中の切り替えは無視する
		snap := r.snapshot(id)
		r.mu.Unlock()
		return snap, nil
	}
	if n.active {
		r.deactivateLocked(id)
		snap := r.snapshot(id)
		r.mu.Unlock()
		return snap, nil
	}
	r.mu.Unlock()

	return r.activate(ctx, id)
}

// activate はストリームを取得してノードをアクティブにする
// 取得中はロックを保持しない
func (r *DefaultRegistry) activate(ctx context.Context, id string) (Node, error) {
	r.mu.Lock()
	n := r.nodes[id]
	if n.active || n.opening {
		snap := r.snapshot(id)
		r.mu.Unlock()
		return snap, nil
	}
	n.opening = true
	device := n.spec.Device
	r.mu.Unlock()

	session, err := OpenSession(ctx, id, device, r.driver, r.encoder, r.settings, r.logger)

	r.mu.Lock()
	defer r.mu.Unlock()
	n.opening = false

	if err != nil {
		r.logger.Error("ノードのアクティブ化に失敗しました",
			zap.String("node", id),
			zap.String("device", device),
			zap.Error(err))
		return r.snapshot(id), nil
	}

	r.sessions[id] = session
	n.active = true
	n.lastSeen = time.Now()
	r.logger.Info("ノードをアクティブにしました", zap.String("node", id), zap.String("device", device))

	return r.snapshot(id), nil
}

// deactivateLocked はセッションを閉じてノードを非アクティブにする
// 録画中だった場合は録画を破棄し、録画権を解放する
func (r *DefaultRegistry) deactivateLocked(id string) {
	n := r.nodes[id]
	if session, ok := r.sessions[id]; ok {
		session.Close()
		delete(r.sessions, id)
	}
	n.active = false
	if r.recordingOwner == id {
		r.recordingOwner = ""
	}
	r.logger.Info("ノードを非アクティブにしました", zap.String("node", id))
}

// Select は選択中のノードを設定する
// 非アクティブなノードも選択できる
func (r *DefaultRegistry) Select(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	r.selected = id
	return nil
}

// Selected は選択中のノードIDを返す
func (r *DefaultRegistry) Selected() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selected
}

// CaptureFrame は現在のフレームを静止画として取得する
// ノードが非アクティブ、またはフレームがまだない場合は何もしない
func (r *DefaultRegistry) CaptureFrame(ctx context.Context, id string) (artifact.Artifact, bool, error) {
	r.mu.RLock()
	_, exists := r.nodes[id]
	session := r.sessions[id]
	r.mu.RUnlock()

	if !exists {
		return artifact.Artifact{}, false, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if session == nil {
		return artifact.Artifact{}, false, nil
	}

	a, ok := session.CaptureFrame(ctx)
	if ok {
		r.touch(id)
	}
	return a, ok, nil
}

// StartRecording は録画を開始する
// 非アクティブなノード、または既に同じノードが録画中の場合は何もしない
// 他のノードが録画中の場合はErrRecordingBusyを返す
func (r *DefaultRegistry) StartRecording(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	session, ok := r.sessions[id]
	if !ok {
		return nil
	}
	if r.recordingOwner == id {
		return nil
	}
	if r.recordingOwner != "" {
		return fmt.Errorf("%w: %s", ErrRecordingBusy, r.recordingOwner)
	}

	if !session.StartRecording() {
		return nil
	}
	r.recordingOwner = id
	r.logger.Info("録画を開始しました", zap.String("node", id))
	return nil
}

// StopRecording は録画を停止してクリップを返す
// 録画中のノードがない場合は何もしない
func (r *DefaultRegistry) StopRecording(ctx context.Context) (artifact.Artifact, bool) {
	r.mu.Lock()
	owner := r.recordingOwner
	session := r.sessions[owner]
	r.recordingOwner = ""
	if owner == "" || session == nil {
		r.mu.Unlock()
		return artifact.Artifact{}, false
	}
	// 録画権を手放す前にレコーダーを切り離す
	recorder, chunks, err := session.releaseRecording()
	r.mu.Unlock()

	// エンコードはロックの外で行う
	a, ok := session.finishRecording(ctx, recorder, chunks, err)
	if ok {
		r.touch(owner)
		r.logger.Info("録画を停止しました",
			zap.String("node", owner),
			zap.Int("bytes", len(a.Data)),
			zap.String("mime", a.MIMEType))
	}
	return a, ok
}

// RecordingOwner は録画中のノードIDを返す
func (r *DefaultRegistry) RecordingOwner() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recordingOwner, r.recordingOwner != ""
}

// SubscribePreview はライブプレビュー用のチャンクを購読する
func (r *DefaultRegistry) SubscribePreview(id string, buffer int) (<-chan []byte, func(), error) {
	r.mu.RLock()
	_, exists := r.nodes[id]
	session := r.sessions[id]
	r.mu.RUnlock()

	if !exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if session == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeInactive, id)
	}

	ch, cancel, ok := session.Subscribe(buffer)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeInactive, id)
	}
	return ch, cancel, nil
}

// OpenStreams はストリームを保持しているノードIDを設定順に返す
func (r *DefaultRegistry) OpenStreams() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for _, id := range r.order {
		if session, ok := r.sessions[id]; ok && session.OpenTracks() > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *DefaultRegistry) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.lastSeen = time.Now()
	}
}
