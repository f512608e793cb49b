// Package inference は外部の推論サービスとの境界を提供する
//
// Gatewayはエラーを返さない。通信・認証・クォータの失敗は境界の内側で吸収され、
// 固定の診断メッセージ（DiagnosticText）が通常の応答テキストとして返される。
//
// # 実装
// - GeminiGateway: Gemini API (generateContent) をRESTで呼び出す
// - StaticGateway: 固定テキストを返す（オフラインモード）
// - FuncGateway: 任意の関数を推論サービスとして扱う
package inference
