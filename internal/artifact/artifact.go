// Package artifact はキャプチャした静止画・クリップの表現と転送形式を扱う
package artifact

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Kind はアーティファクトの種類
type Kind string

const (
	KindImage Kind = "image" // 静止画
	KindVideo Kind = "video" // 録画クリップ
)

// UploadNodeID はファイルアップロード用に予約されたノードID
const UploadNodeID = "UPLOAD"

// MIMEJPEG は静止画のMIMEタイプ
const MIMEJPEG = "image/jpeg"

// ErrInvalidDataURL はdata URLの形式が不正な場合のエラー
var ErrInvalidDataURL = errors.New("data URLの形式が不正です")

// Artifact はキャプチャ済みの静止画またはクリップ
// 生成後は変更しない
type Artifact struct {
	ID         string
	Kind       Kind
	MIMEType   string
	Data       []byte
	NodeID     string
	Name       string // アップロード時のファイル名
	CapturedAt time.Time
}

// New は新しいArtifactを作成する（データはコピーされる）
func New(kind Kind, mimeType string, data []byte, nodeID string) Artifact {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Artifact{
		ID:         uuid.NewString(),
		Kind:       kind,
		MIMEType:   mimeType,
		Data:       buf,
		NodeID:     nodeID,
		CapturedAt: time.Now(),
	}
}

// Clone は独立したコピーを返す
func (a Artifact) Clone() Artifact {
	c := a
	c.Data = make([]byte, len(a.Data))
	copy(c.Data, a.Data)
	return c
}

// IsZero はアーティファクトが空かどうかを返す
func (a Artifact) IsZero() bool {
	return len(a.Data) == 0
}

// DataURL は転送用のdata URL表現を返す
func (a Artifact) DataURL() string {
	return "data:" + a.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// ParseDataURL はdata URLを分解してMIMEタイプとデータを返す
func ParseDataURL(s string) (string, []byte, error) {
	if !strings.HasPrefix(s, "data:") {
		return "", nil, ErrInvalidDataURL
	}
	header, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return "", nil, ErrInvalidDataURL
	}
	mimeType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("%w: base64ではありません", ErrInvalidDataURL)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return mimeType, data, nil
}

// StripDataURLPrefix はdata URLからプレフィックスを取り除き、base64部分だけを返す
func StripDataURLPrefix(s string) string {
	if _, payload, ok := strings.Cut(s, ","); ok && strings.HasPrefix(s, "data:") {
		return payload
	}
	return s
}

// EncodeFrame はフレームをネイティブ解像度のオフスクリーンバッファに描画し、JPEGにエンコードする
func EncodeFrame(img image.Image, quality int) ([]byte, error) {
	if img == nil {
		return nil, errors.New("フレームがありません")
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, errors.New("フレームのサイズが0です")
	}

	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(canvas, canvas.Bounds(), img, bounds.Min, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// ClassifyMIME は宣言されたMIMEタイプから種類を判定する
// 宣言がない場合は内容から推定する
func ClassifyMIME(declared string, data []byte) (Kind, string) {
	mimeType := baseMIME(declared)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = baseMIME(mimetype.Detect(data).String())
	}

	if strings.HasPrefix(mimeType, "video/") {
		return KindVideo, mimeType
	}
	return KindImage, mimeType
}

// baseMIME はパラメータを落とし、小文字に揃えたMIMEタイプを返す
// MIMEタイプは大文字小文字を区別しない
func baseMIME(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
