// Package camera カメラノードの電源・選択・録画状態の管理を担う
//
// # 責務
// - 静的に設定されたノード一覧の保持
// - ノードの電源切り替えとキャプチャセッションのライフサイクル管理
// - 静止画キャプチャと録画の開始・停止
// - 同時に録画できるノードを1つに制限する
//
// # 仕様
// - Registry: ノード状態の唯一の管理者。Thread-safe な操作をサポート
// - Session: アクティブなノードだけが持つキャプチャセッション
// - セッションが存在する ⇔ ノードがアクティブ
// - 非アクティブ化でストリームの全トラックを停止する
// - 録画中に非アクティブ化した場合、クリップは破棄される
// - ストリーム取得の失敗はログに出力し、ノードは非アクティブのまま残る
//
// 静止画とクリップは呼び出し元に返され、解析への送信は行わない
package camera
