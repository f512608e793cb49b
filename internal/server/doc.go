// Package server は、HTTPサーバーとWebSocket通信を管理します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// WebSocket接続の管理、ライブプレビューの配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - ノード操作・キャプチャ・録画・アップロードのAPI
//   - 解析ログのWebSocket配信
//   - MJPEGによるライブプレビューの配信
//   - 簡易コンソール画面の配信
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - エラーは {error, message, details, timestamp} のJSONで返す
//   - 解析への送信は202 Acceptedとチケットを返す
//   - グレースフルシャットダウンに対応
//   - 複数クライアントの同時接続をサポート
package server
