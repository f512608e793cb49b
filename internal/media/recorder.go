package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// RecorderState は録画の状態
type RecorderState string

const (
	RecorderInactive  RecorderState = "inactive"
	RecorderRecording RecorderState = "recording"
)

var (
	// ErrEmptyClip はチャンクが1つもない場合のエラー
	ErrEmptyClip = errors.New("録画データがありません")
	// ErrNotRecording は録画中でない場合のエラー
	ErrNotRecording = errors.New("録画中ではありません")
)

// Recorder はストリームのチャンクをバッファし、停止時に1つのクリップにまとめる
type Recorder struct {
	stream    *Stream
	encoder   ClipEncoder
	fps       int
	maxChunks int

	mu          sync.Mutex
	state       RecorderState
	chunks      [][]byte
	unsubscribe func()
	done        chan struct{}
}

// NewRecorder は新しいRecorderを作成する
// maxChunks が0以下の場合は上限なし
func NewRecorder(stream *Stream, encoder ClipEncoder, maxChunks int) *Recorder {
	if encoder == nil {
		encoder = MJPEGClipEncoder{}
	}
	return &Recorder{
		stream:    stream,
		encoder:   encoder,
		fps:       stream.Constraints().FPS,
		maxChunks: maxChunks,
		state:     RecorderInactive,
	}
}

// State は現在の状態を返す
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Len はバッファ済みのチャンク数を返す
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// Start はチャンクのバッファリングを開始する（録画中なら何もしない）
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == RecorderRecording {
		return
	}

	r.chunks = nil
	// 録画は現在のフレームから始める
	if chunk, ok := r.stream.LatestChunk(); ok {
		r.chunks = append(r.chunks, chunk)
	}

	ch, unsubscribe := r.stream.Subscribe(32)
	r.unsubscribe = unsubscribe
	r.done = make(chan struct{})
	r.state = RecorderRecording

	go r.collect(ch, r.done)
}

func (r *Recorder) collect(ch <-chan []byte, done chan struct{}) {
	defer close(done)
	for chunk := range ch {
		r.mu.Lock()
		if r.maxChunks <= 0 || len(r.chunks) < r.maxChunks {
			r.chunks = append(r.chunks, chunk)
		}
		r.mu.Unlock()
	}
}

// release は購読を解除し、収集ゴルーチンの終了を待ってチャンクを取り出す
func (r *Recorder) release() ([][]byte, bool) {
	r.mu.Lock()
	if r.state != RecorderRecording {
		r.mu.Unlock()
		return nil, false
	}
	unsubscribe, done := r.unsubscribe, r.done
	r.state = RecorderInactive
	r.unsubscribe = nil
	r.mu.Unlock()

	unsubscribe()
	<-done

	r.mu.Lock()
	chunks := r.chunks
	r.chunks = nil
	r.mu.Unlock()
	return chunks, true
}

// Release は購読を解除し、バッファしたチャンクを取り出してレコーダーを解放する
func (r *Recorder) Release() ([][]byte, error) {
	chunks, ok := r.release()
	if !ok {
		return nil, ErrNotRecording
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyClip
	}
	return chunks, nil
}

// Encode は取り出したチャンクを1つのクリップに確定する
func (r *Recorder) Encode(ctx context.Context, chunks [][]byte) (Clip, error) {
	clip, err := r.encoder.Encode(ctx, chunks, r.fps)
	if err != nil {
		return Clip{}, fmt.Errorf("クリップの確定に失敗: %w", err)
	}
	return clip, nil
}

// Stop はバッファしたチャンクを1つのクリップに確定し、レコーダーを解放する
func (r *Recorder) Stop(ctx context.Context) (Clip, error) {
	chunks, err := r.Release()
	if err != nil {
		return Clip{}, err
	}
	return r.Encode(ctx, chunks)
}

// Discard はバッファを破棄してレコーダーを解放する
func (r *Recorder) Discard() {
	r.release()
}
