package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"aivision/internal/artifact"
	"aivision/internal/media"
)

// Session は1つのアクティブなノードが所有するキャプチャセッション
// 生成時にストリームを取得し、Closeで全トラックを解放する
type Session struct {
	nodeID   string
	settings Settings
	encoder  media.ClipEncoder
	logger   *zap.Logger

	mu       sync.Mutex
	stream   *media.Stream
	recorder *media.Recorder
	closed   bool
}

// OpenSession はストリームを取得してセッションを開く
func OpenSession(ctx context.Context, nodeID, device string, driver media.Driver, encoder media.ClipEncoder, settings Settings, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	stream, err := driver.Open(ctx, device, media.Constraints{
		Width:  settings.Width,
		Height: settings.Height,
		FPS:    settings.FPS,
		Audio:  settings.Audio,
	})
	if err != nil {
		return nil, fmt.Errorf("ノード %s のストリーム取得に失敗: %w", nodeID, err)
	}

	return &Session{
		nodeID:   nodeID,
		settings: settings,
		encoder:  encoder,
		logger:   logger,
		stream:   stream,
	}, nil
}

// NodeID はセッションのノードIDを返す
func (s *Session) NodeID() string { return s.nodeID }

// OpenTracks は動作中のトラック数を返す
func (s *Session) OpenTracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return 0
	}
	return s.stream.OpenTracks()
}

// Close は録画を破棄し、ストリームの全トラックを停止する（冪等）
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	if s.recorder != nil {
		s.recorder.Discard()
		s.recorder = nil
		s.logger.Info("録画中にノードが停止されたためクリップを破棄しました", zap.String("node", s.nodeID))
	}

	s.stream.Stop()
	s.stream = nil
}

// CaptureFrame は現在のフレームをネイティブ解像度で描画し、JPEGとして返す
// フレームがまだない場合は何もしない
func (s *Session) CaptureFrame(ctx context.Context) (artifact.Artifact, bool) {
	if ctx.Err() != nil {
		return artifact.Artifact{}, false
	}

	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	if stream == nil {
		return artifact.Artifact{}, false
	}

	frame, ok := stream.LatestFrame()
	if !ok {
		return artifact.Artifact{}, false
	}

	data, err := artifact.EncodeFrame(frame, s.settings.JPEGQuality)
	if err != nil {
		s.logger.Warn("フレームのエンコードに失敗", zap.String("node", s.nodeID), zap.Error(err))
		return artifact.Artifact{}, false
	}

	return artifact.New(artifact.KindImage, artifact.MIMEJPEG, data, s.nodeID), true
}

// StartRecording はチャンクのバッファリングを開始する
func (s *Session) StartRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.recorder != nil {
		return true
	}

	s.recorder = media.NewRecorder(s.stream, s.encoder, s.settings.MaxClipChunks)
	s.recorder.Start()
	return true
}

// Recording は録画中かどうかを返す
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorder != nil
}

// StopRecording はバッファを1つのクリップに確定してレコーダーを解放する
func (s *Session) StopRecording(ctx context.Context) (artifact.Artifact, bool) {
	recorder, chunks, err := s.releaseRecording()
	return s.finishRecording(ctx, recorder, chunks, err)
}

// releaseRecording はレコーダーを切り離し、バッファを取り出す
// 戻った時点でこのセッションは録画していない
func (s *Session) releaseRecording() (*media.Recorder, [][]byte, error) {
	s.mu.Lock()
	recorder := s.recorder
	s.recorder = nil
	s.mu.Unlock()

	if recorder == nil {
		return nil, nil, media.ErrNotRecording
	}
	chunks, err := recorder.Release()
	return recorder, chunks, err
}

// finishRecording は取り出したバッファをクリップに確定する
func (s *Session) finishRecording(ctx context.Context, recorder *media.Recorder, chunks [][]byte, err error) (artifact.Artifact, bool) {
	if err != nil {
		if errors.Is(err, media.ErrEmptyClip) || errors.Is(err, media.ErrNotRecording) {
			s.logger.Debug("空の録画を破棄しました", zap.String("node", s.nodeID))
		} else {
			s.logger.Error("クリップの確定に失敗", zap.String("node", s.nodeID), zap.Error(err))
		}
		return artifact.Artifact{}, false
	}

	clip, err := recorder.Encode(ctx, chunks)
	if err != nil {
		s.logger.Error("クリップの確定に失敗", zap.String("node", s.nodeID), zap.Error(err))
		return artifact.Artifact{}, false
	}

	// 静止画として確定されたクリップは画像として扱う
	kind, mimeType := artifact.ClassifyMIME(clip.MIMEType, clip.Data)
	return artifact.New(kind, mimeType, clip.Data, s.nodeID), true
}

// Subscribe はプレビュー用にチャンクを購読する
func (s *Session) Subscribe(buffer int) (<-chan []byte, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil, nil, false
	}
	ch, cancel := s.stream.Subscribe(buffer)
	return ch, cancel, true
}
