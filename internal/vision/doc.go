// Package vision はノード管理・解析パイプライン・解析ログを束ねるコンソールを提供する
//
// Consoleは探索対象の説明を保持し、キャプチャ・録画・アップロードを
// 解析パイプラインへの送信に変換する。HTTP層はConsoleだけを扱う。
package vision
