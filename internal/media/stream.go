package media

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TrackKind はトラックの種類
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// Track はストリームが保持するハードウェアトラック
type Track struct {
	id   string
	kind TrackKind
	mu   sync.Mutex
	live bool
}

func newTrack(kind TrackKind) *Track {
	return &Track{id: uuid.NewString(), kind: kind, live: true}
}

// ID はトラックIDを返す
func (t *Track) ID() string { return t.id }

// Kind はトラックの種類を返す
func (t *Track) Kind() TrackKind { return t.kind }

// Live はトラックが動作中かどうかを返す
func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Stop はトラックを停止する（冪等）
func (t *Track) Stop() {
	t.mu.Lock()
	t.live = false
	t.mu.Unlock()
}

// Constraints はストリーム取得時の希望値
type Constraints struct {
	Width  int
	Height int
	FPS    int
	Audio  bool
}

// Stream は1つのライブ映像・音声ストリーム
// 最新フレームを保持し、エンコード済みチャンクを購読者に配信する
type Stream struct {
	id          string
	device      string
	constraints Constraints
	tracks      []*Track

	mu         sync.RWMutex
	latest     image.Image
	latestJPEG []byte
	frameAt    time.Time
	subs       map[int]chan []byte
	nextSub    int
	stopped    bool

	// 制御用
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	cleanup  func()
}

func newStream(device string, c Constraints, kinds ...TrackKind) *Stream {
	tracks := make([]*Track, 0, len(kinds))
	for _, kind := range kinds {
		tracks = append(tracks, newTrack(kind))
	}
	return &Stream{
		id:          uuid.NewString(),
		device:      device,
		constraints: c,
		tracks:      tracks,
		subs:        make(map[int]chan []byte),
		stopCh:      make(chan struct{}),
	}
}

// ID はストリームIDを返す
func (s *Stream) ID() string { return s.id }

// Device はデバイス名を返す
func (s *Stream) Device() string { return s.device }

// Constraints は取得時の希望値を返す
func (s *Stream) Constraints() Constraints { return s.constraints }

// Tracks はトラック一覧を返す
func (s *Stream) Tracks() []*Track {
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// OpenTracks は動作中のトラック数を返す
func (s *Stream) OpenTracks() int {
	n := 0
	for _, t := range s.tracks {
		if t.Live() {
			n++
		}
	}
	return n
}

// Done は停止時にクローズされるチャンネルを返す
func (s *Stream) Done() <-chan struct{} {
	return s.stopCh
}

// LatestFrame はデコード済みの最新フレームを返す
func (s *Stream) LatestFrame() (image.Image, bool) {
	s.mu.RLock()
	img, raw := s.latest, s.latestJPEG
	s.mu.RUnlock()

	if img != nil {
		return img, true
	}
	if raw == nil {
		return nil, false
	}

	decoded, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, false
	}

	s.mu.Lock()
	// 別のフレームに置き換わっていなければキャッシュする
	if bytes.Equal(s.latestJPEG, raw) {
		s.latest = decoded
	}
	s.mu.Unlock()
	return decoded, true
}

// LatestChunk はエンコード済みの最新チャンクのコピーを返す
func (s *Stream) LatestChunk() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latestJPEG == nil {
		return nil, false
	}
	out := make([]byte, len(s.latestJPEG))
	copy(out, s.latestJPEG)
	return out, true
}

// Subscribe はエンコード済みチャンクの購読を開始する
// 返される関数で購読を解除する。ストリーム停止時はチャンネルがクローズされる
func (s *Stream) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan []byte, buffer)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
			s.mu.Unlock()
		})
	}
}

// publish は新しいフレームを保存し、購読者に配信する
// img と chunk のどちらかは nil でもよい
func (s *Stream) publish(img image.Image, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	s.latest = img
	s.latestJPEG = chunk
	s.frameAt = time.Now()

	if chunk == nil {
		return
	}

	for _, ch := range s.subs {
		select {
		case ch <- chunk:
		default:
			// 遅い購読者は古いチャンクを破棄する
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- chunk:
			default:
			}
		}
	}
}

// Stop は全トラックを停止し、ストリームを解放する（冪等）
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()

		if s.cleanup != nil {
			s.cleanup()
		}

		s.mu.Lock()
		s.stopped = true
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		s.latest = nil
		s.latestJPEG = nil
		s.mu.Unlock()

		for _, t := range s.tracks {
			t.Stop()
		}
	})
}
