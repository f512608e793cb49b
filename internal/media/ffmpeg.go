package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// FFmpegDriver はffmpeg経由でV4L2デバイスから映像を取得する
type FFmpegDriver struct {
	discovery *Discovery
	logger    *zap.Logger
}

// NewFFmpegDriver は新しいFFmpegDriverを作成する
func NewFFmpegDriver(discovery *Discovery, logger *zap.Logger) *FFmpegDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegDriver{discovery: discovery, logger: logger}
}

// Open はデバイスのMJPEGストリームを開始する
// ffmpegのv4l2入力は音声を扱わないため、映像トラックのみを持つ
func (d *FFmpegDriver) Open(ctx context.Context, device string, c Constraints) (*Stream, error) {
	if d.discovery != nil && !d.discovery.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, device)
	}

	c = normalizeConstraints(c)

	// ストリームの寿命はリクエストのコンテキストとは独立させる
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx,
		"ffmpeg",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-r", strconv.Itoa(c.FPS),
		"-i", device,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	stream := newStream(device, c, TrackVideo)
	stream.cleanup = func() {
		cancel()
		_ = cmd.Wait() // キャンセル時のエラーは無視
	}

	stream.wg.Add(1)
	go func() {
		defer stream.wg.Done()
		err := splitJPEGStream(stdout, stream.stopCh, func(frame []byte) {
			stream.publish(nil, frame)
		})
		if err != nil {
			d.logger.Warn("フレーム読み取りエラー",
				zap.String("device", device),
				zap.Error(err),
				zap.String("stderr", stderr.String()))
		}
	}()

	// 停止時にffmpegを止めて読み取りを終わらせる
	go func() {
		<-stream.stopCh
		cancel()
	}()

	return stream, nil
}

// splitJPEGStream はMJPEGのバイト列をSOI/EOIマーカーで1フレームずつに分割する
func splitJPEGStream(r io.Reader, stop <-chan struct{}, emit func([]byte)) error {
	buffer := make([]byte, 256*1024)
	var frameBuffer bytes.Buffer

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := r.Read(buffer)
		if n > 0 {
			frameBuffer.Write(buffer[:n])
			for {
				data := frameBuffer.Bytes()
				start := bytes.Index(data, jpegSOI)
				if start == -1 {
					// マーカーが読み取りの境界で分かれている場合に備えて末尾の0xFFは残す
					keepFF := len(data) > 0 && data[len(data)-1] == 0xFF
					frameBuffer.Reset()
					if keepFF {
						frameBuffer.WriteByte(0xFF)
					}
					break
				}
				end := bytes.Index(data[start+2:], jpegEOI)
				if end == -1 {
					// 完全なフレームがまだない
					if start > 0 {
						rest := append([]byte(nil), data[start:]...)
						frameBuffer.Reset()
						frameBuffer.Write(rest)
					}
					break
				}
				end += start + 2 + len(jpegEOI)

				frame := make([]byte, end-start)
				copy(frame, data[start:end])
				emit(frame)

				rest := append([]byte(nil), data[end:]...)
				frameBuffer.Reset()
				frameBuffer.Write(rest)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			select {
			case <-stop:
				return nil
			default:
			}
			return err
		}
	}
}

// syncBuffer はffmpegが書き込み中でも読み取れるstderrのバッファ
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
