// Package analysislog は利用者の操作と解析結果を記録する追記専用ログを提供する
//
// エントリは追加順に1から連番のSeqを持ち、追加後に変更・削除されることはない。
// 静止画やクリップはログが所有するメディアストアにコピーされ、MediaRefで参照される。
package analysislog
