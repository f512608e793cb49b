package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SystemInstruction はレポート形式を指定するシステム指示
const SystemInstruction = `役割: あなたは "AI Vision OS Intelligence" です。画像と映像を解析する視覚インテリジェンスとして動作します。

主な任務:
1. 人物の抽出:
   - 服装: シャツ、ズボン、帽子、眼鏡の色と種類
   - 身体: 推定身長、性別、顔の特徴
   - 動作: 何をしているか
2. 探索対象の照合:
   - 利用者が "TARGET DESCRIPTION" を指定した場合、映っている人物と比較する
   - 一致度をパーセンテージで示す
3. 映像の場合: 映像の経過中に起きた変化を説明する

レポート形式:
[AI_VISION_REPORT]
- 人物情報: (簡潔な説明)
- 行動: (何をしているか)
- TARGET MATCH: (探索中の場合 "MATCH FOUND [X]%" または "NO MATCH")
- 危険度: (LOW/MEDIUM/HIGH)
- コメント: (その他の重要な情報)`

// GeminiConfig はGeminiGatewayの設定
type GeminiConfig struct {
	APIKey      string
	Endpoint    string // 例: https://generativelanguage.googleapis.com/v1beta
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// GeminiGateway はGemini APIのgenerateContentを呼び出す
type GeminiGateway struct {
	cfg    GeminiConfig
	client *http.Client
	logger *zap.Logger
}

// NewGeminiGateway は新しいGeminiGatewayを作成する
func NewGeminiGateway(cfg GeminiConfig, client *http.Client, logger *zap.Logger) *GeminiGateway {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &GeminiGateway{cfg: cfg, client: client, logger: logger}
}

type geminiInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string        `json:"role,omitempty"`
	Parts []*geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature float64 `json:"temperature"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"system_instruction,omitempty"`
	Contents          []*geminiContent       `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiCandidate struct {
	Content *geminiContent `json:"content"`
}

type geminiResponse struct {
	Candidates []*geminiCandidate `json:"candidates"`
}

// Analyze はGemini APIに解析を依頼する
// 失敗時はログに記録してDiagnosticTextを返す
func (g *GeminiGateway) Analyze(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("推論処理でパニックが発生しました",
				zap.String("model", g.cfg.Model),
				zap.Any("panic", r))
			resp = Response{Text: DiagnosticText}
		}
	}()

	text, err := g.generate(ctx, req)
	if err != nil {
		g.logger.Error("AI Vision Core エラー",
			zap.String("model", g.cfg.Model),
			zap.String("mime", req.MIMEType),
			zap.Error(err))
		return Response{Text: DiagnosticText}
	}
	if strings.TrimSpace(text) == "" {
		return Response{Text: EmptyResponseText}
	}
	return Response{Text: text}
}

func (g *GeminiGateway) generate(ctx context.Context, req Request) (string, error) {
	if g.cfg.APIKey == "" {
		return "", errors.New("APIキーが設定されていません")
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	parts := make([]*geminiPart, 0, 2)
	if req.Payload != "" {
		parts = append(parts, &geminiPart{
			InlineData: &geminiInlineData{MIMEType: req.MIMEType, Data: req.Payload},
		})
	}
	parts = append(parts, &geminiPart{Text: BuildPrompt(req)})

	payload := geminiRequest{
		SystemInstruction: &geminiContent{Parts: []*geminiPart{{Text: SystemInstruction}}},
		Contents:          []*geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig:  geminiGenerationConfig{Temperature: g.cfg.Temperature},
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("リクエストのエンコードに失敗: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.cfg.Endpoint, g.cfg.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payloadJSON))
	if err != nil {
		return "", fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", g.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("リクエストの送信に失敗: %w", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ステータスエラー %d: %s", res.StatusCode, string(resBody))
	}

	var geminiRes geminiResponse
	if err := json.Unmarshal(resBody, &geminiRes); err != nil {
		return "", fmt.Errorf("レスポンスの解析に失敗: %w", err)
	}

	// 本文を持つ最初の候補を使う
	for _, candidate := range geminiRes.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		var sb strings.Builder
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			sb.WriteString(part.Text)
		}
		return sb.String(), nil
	}
	return "", nil
}
