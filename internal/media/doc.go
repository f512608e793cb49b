// Package media はローカルのメディアサブシステムを担う
//
// # 責務
// - カメラ・マイクのストリーム取得と解放（Driver, Stream, Track）
// - 最新フレームの保持とエンコード済みチャンクの配信
// - 録画（Recorder）とクリップの確定（ClipEncoder）
// - V4L2デバイスの検出（Discovery）
//
// # ドライバー
// - SyntheticDriver: シミュレートされたテストパターン映像。ハードウェア不要
// - FFmpegDriver: ffmpeg経由でV4L2デバイスからMJPEGを取得
//
// # 前提要件（FFmpegDriver / FFmpegClipEncoder 使用時）
//   - ffmpeg: sudo apt install ffmpeg
//   - v4l-utils: sudo apt install v4l-utils
//   - videoグループへの参加: sudo usermod -a -G video $USER
package media
