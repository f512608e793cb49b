package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"aivision/internal/artifact"
)

// ErrDeviceUnavailable はデバイスが取得できない場合のエラー
var ErrDeviceUnavailable = errors.New("デバイスが利用できません")

// Driver はローカルのメディアサブシステム
type Driver interface {
	// Open は映像（と音声）のストリームを取得する
	Open(ctx context.Context, device string, c Constraints) (*Stream, error)
}

// SyntheticDriver はシミュレートされたカメラ映像を生成するドライバー
type SyntheticDriver struct {
	mu      sync.Mutex
	failOn  map[string]error
	paused  bool
	opened  int
	streams []*Stream

	// チャンクのJPEG品質
	ChunkQuality int
}

// NewSyntheticDriver は新しいSyntheticDriverを作成する
func NewSyntheticDriver() *SyntheticDriver {
	return &SyntheticDriver{
		failOn:       make(map[string]error),
		ChunkQuality: 80,
	}
}

// FailDevice は指定デバイスの取得を失敗させる（権限拒否などの再現用）
func (d *SyntheticDriver) FailDevice(device string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failOn, device)
		return
	}
	d.failOn[device] = err
}

// SetPaused がtrueの場合、以後に開くストリームはフレームを生成しない
func (d *SyntheticDriver) SetPaused(paused bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = paused
}

// Opened はこれまでに開いたストリーム数を返す
func (d *SyntheticDriver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Streams はこれまでに開いたストリームを返す
func (d *SyntheticDriver) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}

// Open はシミュレート映像のストリームを開く
func (d *SyntheticDriver) Open(ctx context.Context, device string, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	failErr := d.failOn[device]
	paused := d.paused
	if failErr == nil {
		d.opened++
	}
	d.mu.Unlock()

	if failErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, device, failErr)
	}

	c = normalizeConstraints(c)
	kinds := []TrackKind{TrackVideo}
	if c.Audio {
		kinds = append(kinds, TrackAudio)
	}
	stream := newStream(device, c, kinds...)

	d.mu.Lock()
	d.streams = append(d.streams, stream)
	d.mu.Unlock()

	if paused {
		return stream, nil
	}

	gen := &patternGenerator{device: device, width: c.Width, height: c.Height, quality: d.ChunkQuality}

	// 最初のフレームは同期的に生成する
	gen.emit(stream)

	stream.wg.Add(1)
	go func() {
		defer stream.wg.Done()

		ticker := time.NewTicker(time.Second / time.Duration(c.FPS))
		defer ticker.Stop()

		for {
			select {
			case <-stream.stopCh:
				return
			case <-ticker.C:
				gen.emit(stream)
			}
		}
	}()

	return stream, nil
}

func normalizeConstraints(c Constraints) Constraints {
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FPS <= 0 {
		c.FPS = 15
	}
	return c
}

// patternGenerator はテストパターン映像を生成する
type patternGenerator struct {
	device  string
	width   int
	height  int
	quality int
	tick    int
}

func (g *patternGenerator) emit(s *Stream) {
	img := g.next()
	chunk, err := artifact.EncodeFrame(img, g.quality)
	if err != nil {
		chunk = nil
	}
	s.publish(img, chunk)
}

func (g *patternGenerator) next() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, g.width, g.height))

	// デバイスごとに色味を変える
	var tint uint8
	for _, r := range g.device {
		tint += uint8(r)
	}
	bg := color.RGBA{R: tint / 4, G: 24, B: 32, A: 255}
	bar := color.RGBA{R: 234, G: 88, B: 12, A: 255}

	barWidth := g.width / 8
	if barWidth < 1 {
		barWidth = 1
	}
	barX := (g.tick * 4) % g.width

	for y := 0; y < g.height; y++ {
		for x := 0; x < g.width; x++ {
			if x >= barX && x < barX+barWidth {
				img.SetRGBA(x, y, bar)
			} else {
				img.SetRGBA(x, y, bg)
			}
		}
	}
	g.tick++
	return img
}
