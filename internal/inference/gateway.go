package inference

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	// MatchMarker は解析結果の中で一致を示す唯一の文字列
	MatchMarker = "MATCH FOUND"

	// DiagnosticText は推論サービスの呼び出しに失敗した場合に返す固定メッセージ
	DiagnosticText = "エラー: ニューラルリンクがオフラインです。APIキーまたはインターネット接続を確認してください。"

	// EmptyResponseText は推論サービスが空の応答を返した場合のメッセージ
	EmptyResponseText = "AI_VISION_ERROR: リンクが不安定です。"

	// OfflineReportText はオフラインモードで返す定型レポート
	OfflineReportText = `[AI_VISION_REPORT]
- 人物情報: オフラインモードのため解析していません
- 行動: 不明
- TARGET MATCH: NO MATCH
- 危険度: LOW
- コメント: inference.provider=offline で動作中`
)

// Request は推論サービスへの1回の要求
type Request struct {
	Instruction string // 指示文
	Payload     string // base64エンコード済みデータ（data URLのプレフィックスは除去済み）
	MIMEType    string
	Target      string // 探索対象の説明（空の場合は比較しない）
}

// Response は推論サービスの応答
// 失敗時もTextに診断メッセージが入る
type Response struct {
	Text string
}

// Gateway は外部の推論サービスとの境界
// Analyzeはエラーを返さず、失敗時は診断メッセージをテキストとして返す
type Gateway interface {
	Analyze(ctx context.Context, req Request) Response
}

// ContainsMatch は応答テキストに一致マーカーが含まれるかを大文字小文字を区別せずに判定する
func ContainsMatch(text string) bool {
	return strings.Contains(strings.ToUpper(text), MatchMarker)
}

// BuildPrompt は探索対象が指定されている場合に比較の指示を追加した指示文を返す
func BuildPrompt(req Request) string {
	target := strings.TrimSpace(req.Target)
	if target == "" {
		return req.Instruction
	}
	return fmt.Sprintf("%s\nTARGET_TO_FIND: %s。映像内の人物とこの探索対象を比較してください。", req.Instruction, target)
}

// StaticGateway は常に同じテキストを返す
type StaticGateway struct {
	Text string
}

// Analyze は固定テキストを返す
func (g StaticGateway) Analyze(ctx context.Context, req Request) Response {
	return Response{Text: g.Text}
}

// FuncGateway は関数を推論サービスとして扱う
// 関数のエラーやパニックは診断メッセージに置き換えられる
type FuncGateway struct {
	Fn     func(ctx context.Context, req Request) (string, error)
	Logger *zap.Logger
}

// Analyze は関数を呼び出す
func (g FuncGateway) Analyze(ctx context.Context, req Request) (resp Response) {
	logger := g.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("推論処理でパニックが発生しました", zap.Any("panic", r))
			resp = Response{Text: DiagnosticText}
		}
	}()

	text, err := g.Fn(ctx, req)
	if err != nil {
		logger.Error("推論処理に失敗しました", zap.Error(err))
		return Response{Text: DiagnosticText}
	}
	if text == "" {
		return Response{Text: EmptyResponseText}
	}
	return Response{Text: text}
}
