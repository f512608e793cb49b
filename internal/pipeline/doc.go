// Package pipeline はキャプチャした静止画・クリップを推論サービスに送り、結果を解析ログに記録する
//
// # 処理の流れ
//  1. Submit: 利用者エントリを同期的にログへ追加し、待ち行列に入れる
//  2. Run: 1件ずつ取り出し、種類に応じた指示文で推論サービスを呼び出す
//  3. 応答に "MATCH FOUND" が含まれるか（大文字小文字を区別しない）を判定する
//  4. 解析結果エントリをログへ追加する
//
// 推論サービスは失敗してもテキストを返すため、パイプラインに失敗時の分岐はない。
// 送信の状態はTicketとして一定時間保持される。
package pipeline
