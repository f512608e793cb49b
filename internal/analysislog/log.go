package analysislog

import (
	"sync"
	"time"

	"aivision/internal/artifact"
)

// Role はエントリの発言者
type Role string

const (
	RoleUser Role = "user" // 利用者の操作
	RoleAI   Role = "ai"   // 解析結果またはシステムメッセージ
)

// GreetingText は起動時に追加されるシステムメッセージ
const GreetingText = "AI Vision OS を初期化しました。全ノードの準備が完了しています。監視するカメラを選択してください。"

// DefaultMaxMediaBytes はメディアストアが保持する合計サイズの既定値
const DefaultMaxMediaBytes int64 = 256 << 20

// MediaRef はログが所有するメディアへの参照
type MediaRef struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Size     int    `json:"size"`
}

// Entry はログの1エントリ
// 追加後に変更・削除されることはない
type Entry struct {
	Seq       uint64    `json:"seq"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CamID     string    `json:"cam_id,omitempty"`
	Image     *MediaRef `json:"image,omitempty"`
	Video     *MediaRef `json:"video,omitempty"`
	IsMatch   bool      `json:"is_match,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Alert は一致を示すエントリ（強調表示対象）かどうかを返す
func (e Entry) Alert() bool {
	return e.IsMatch
}

// Options はLogの設定
type Options struct {
	// メディアストアの上限。超えた場合は古いメディアから破棄する（0 = 無制限）
	MaxMediaBytes int64
	// 起動時のシステムメッセージを追加しない
	SkipGreeting bool
}

type storedMedia struct {
	mimeType string
	data     []byte
}

// Log は追記専用の解析ログ
// 挿入順 = 時系列順 = 表示順
type Log struct {
	opts Options

	mu      sync.RWMutex
	entries []Entry
	seq     uint64

	media      map[string]storedMedia
	mediaOrder []string
	mediaBytes int64

	subs    map[int]chan Entry
	nextSub int
}

// New は新しいLogを作成する
func New(opts Options) *Log {
	l := &Log{
		opts:  opts,
		media: make(map[string]storedMedia),
		subs:  make(map[int]chan Entry),
	}
	if !opts.SkipGreeting {
		l.Append(Entry{Role: RoleAI, Text: GreetingText})
	}
	return l
}

// Append はエントリを末尾に追加する
// 追加は拒否されない。SeqとTimestampはログが割り当てる
func (l *Log) Append(e Entry) Entry {
	return l.AppendWithMedia(e)
}

// AppendWithMedia はメディアのスナップショットを添付してエントリを追加する
// 静止画はImage、クリップはVideoとして参照される
func (l *Log) AppendWithMedia(e Entry, media ...artifact.Artifact) Entry {
	l.mu.Lock()

	for _, a := range media {
		if a.IsZero() {
			continue
		}
		ref := l.storeLocked(a)
		switch a.Kind {
		case artifact.KindVideo:
			e.Video = ref
		default:
			e.Image = ref
		}
	}

	l.seq++
	e.Seq = l.seq
	e.Timestamp = time.Now()
	l.entries = append(l.entries, e)

	for _, ch := range l.subs {
		select {
		case ch <- e.clone():
		default:
			// 遅い購読者には配信しない
		}
	}
	l.mu.Unlock()

	return e.clone()
}

// storeLocked はロックを保持した状態で呼び出す
func (l *Log) storeLocked(a artifact.Artifact) *MediaRef {
	data := make([]byte, len(a.Data))
	copy(data, a.Data)

	l.media[a.ID] = storedMedia{mimeType: a.MIMEType, data: data}
	l.mediaOrder = append(l.mediaOrder, a.ID)
	l.mediaBytes += int64(len(data))

	if l.opts.MaxMediaBytes > 0 {
		for l.mediaBytes > l.opts.MaxMediaBytes && len(l.mediaOrder) > 1 {
			oldest := l.mediaOrder[0]
			l.mediaOrder = l.mediaOrder[1:]
			l.mediaBytes -= int64(len(l.media[oldest].data))
			delete(l.media, oldest)
		}
	}

	return &MediaRef{ID: a.ID, MIMEType: a.MIMEType, Size: len(data)}
}

// Entries は全エントリのコピーを返す
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return cloneEntries(l.entries)
}

// Since は指定されたSeqより後のエントリを返す
func (l *Log) Since(seq uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// Seqは1から連番
	if seq >= uint64(len(l.entries)) {
		return []Entry{}
	}
	return cloneEntries(l.entries[seq:])
}

// clone はメディア参照を含めてエントリを複製する
func (e Entry) clone() Entry {
	if e.Image != nil {
		ref := *e.Image
		e.Image = &ref
	}
	if e.Video != nil {
		ref := *e.Video
		e.Video = &ref
	}
	return e
}

func cloneEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = e.clone()
	}
	return out
}

// Len はエントリ数を返す
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Media は参照されているメディアを返す
// 返されたデータは変更しないこと
func (l *Log) Media(id string) (data []byte, mimeType string, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m, exists := l.media[id]
	if !exists {
		return nil, "", false
	}
	return m.data, m.mimeType, true
}

// Subscribe は以後に追加されるエントリを購読する
// 返された関数で購読を解除するとチャンネルはクローズされる
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Entry, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
