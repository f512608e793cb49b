package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// MIMEMotionJPEG はJPEGを連結したクリップのMIMEタイプ
const MIMEMotionJPEG = "video/x-motion-jpeg"

// Clip は確定済みの録画クリップ
type Clip struct {
	Data     []byte
	MIMEType string
	Frames   int
}

// ClipEncoder はバッファしたチャンクを1つのクリップにまとめる
type ClipEncoder interface {
	Encode(ctx context.Context, chunks [][]byte, fps int) (Clip, error)
}

// MJPEGClipEncoder はJPEGチャンクをそのまま連結する
type MJPEGClipEncoder struct{}

// Encode はチャンクを連結してMotion JPEGのクリップにする
func (MJPEGClipEncoder) Encode(_ context.Context, chunks [][]byte, _ int) (Clip, error) {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c...)
	}
	return Clip{Data: data, MIMEType: MIMEMotionJPEG, Frames: len(chunks)}, nil
}

// StillClipEncoder はクリップの中央のフレームを静止画として返す
// 動画を受け付けない推論サービスにクリップを送る場合に使う
type StillClipEncoder struct{}

// Encode は中央のチャンクをJPEGとして返す
func (StillClipEncoder) Encode(_ context.Context, chunks [][]byte, _ int) (Clip, error) {
	if len(chunks) == 0 {
		return Clip{}, ErrEmptyClip
	}
	middle := chunks[len(chunks)/2]
	data := make([]byte, len(middle))
	copy(data, middle)
	return Clip{Data: data, MIMEType: "image/jpeg", Frames: 1}, nil
}

// FFmpegClipEncoder はffmpegでチャンクをwebm/mp4に変換する
type FFmpegClipEncoder struct {
	Format  string // "webm" または "mp4"
	Quality int    // 1(低)-5(高)
}

// Encode はチャンクをffmpegの標準入力に流し、標準出力から動画を受け取る
func (e FFmpegClipEncoder) Encode(ctx context.Context, chunks [][]byte, fps int) (Clip, error) {
	if fps <= 0 {
		fps = 15
	}

	args := []string{
		"-f", "image2pipe",
		"-framerate", strconv.Itoa(fps),
		"-c:v", "mjpeg",
		"-i", "-",
		"-an",
	}

	mimeType := "video/webm"
	switch e.Format {
	case "mp4":
		mimeType = "video/mp4"
		args = append(args,
			"-c:v", "libx264",
			"-preset", "fast",
			"-crf", qualityToCRF(e.Quality),
			"-pix_fmt", "yuv420p",
			"-movflags", "frag_keyframe+empty_moov",
			"-f", "mp4",
		)
	default:
		args = append(args,
			"-c:v", "libvpx",
			"-crf", qualityToCRF(e.Quality),
			"-b:v", "1M",
			"-f", "webm",
		)
	}
	args = append(args, "-")

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stdin bytes.Buffer
	for _, c := range chunks {
		stdin.Write(c)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdin = &stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Clip{}, fmt.Errorf("ffmpegでのクリップ生成に失敗: %w (stderr: %s)", err, stderr.String())
	}

	return Clip{Data: stdout.Bytes(), MIMEType: mimeType, Frames: len(chunks)}, nil
}

// qualityToCRF は品質設定をCRF値に変換する
func qualityToCRF(quality int) string {
	// 品質1(低) -> CRF28, 品質5(高) -> CRF18
	crf := 28.0 - float64(quality-1)*2.5
	if crf < 18 {
		crf = 18
	}
	if crf > 28 {
		crf = 28
	}
	return strconv.FormatFloat(crf, 'f', 1, 64)
}

// ValidateFFmpeg はffmpegが利用可能かチェックする
func ValidateFFmpeg(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := exec.CommandContext(ctx, "ffmpeg", "-version").Run(); err != nil {
		return fmt.Errorf("ffmpegが見つかりません。インストールしてください: %w", err)
	}
	return nil
}
