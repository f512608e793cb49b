package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"aivision/internal/analysislog"
	"aivision/internal/artifact"
	"aivision/internal/inference"
)

const (
	// ImageInstruction は静止画の解析指示
	ImageInstruction = "人物の識別: 着ている服装、行っている動作、探索対象の人物かどうかを抽出してください。"
	// VideoInstruction はクリップの解析指示
	VideoInstruction = "映像の識別: この映像に映る人物の動きを監視し、服装と探索対象の人物かどうかを識別してください。"

	// AbortedText は停止時に未処理だった送信に記録する解析結果
	AbortedText = "解析中止: システムが停止したため、この送信は解析されませんでした。"

	DefaultQueueSize = 8
	DefaultTicketTTL = 30 * time.Minute
)

var (
	// ErrQueueFull は待ち行列が満杯の場合のエラー（再試行可能）
	ErrQueueFull = errors.New("解析キューが満杯です")
	// ErrClosed はパイプラインが停止している場合のエラー
	ErrClosed = errors.New("パイプラインは停止しています")
	// ErrEmptyArtifact はデータのないアーティファクトが渡された場合のエラー
	ErrEmptyArtifact = errors.New("アーティファクトが空です")
)

// TicketState は送信の進行状況
type TicketState string

const (
	TicketPending TicketState = "pending"
	TicketRunning TicketState = "running"
	TicketDone    TicketState = "done"
)

// Submission は解析への1回の送信
type Submission struct {
	Artifact artifact.Artifact
	Target   string // 送信時点の探索対象
	UserText string // 利用者エントリのテキスト
}

// Ticket は送信の追跡情報
type Ticket struct {
	ID          string        `json:"id"`
	NodeID      string        `json:"node_id"`
	Kind        artifact.Kind `json:"kind"`
	State       TicketState   `json:"state"`
	UserSeq     uint64        `json:"user_seq"`
	AISeq       uint64        `json:"ai_seq,omitempty"`
	IsMatch     bool          `json:"is_match"`
	Result      string        `json:"result,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
}

// Options はPipelineの設定
type Options struct {
	QueueSize      int
	TicketTTL      time.Duration
	RequestTimeout time.Duration // 推論1回あたりのタイムアウト (0 = なし)
}

type job struct {
	ticketID   string
	submission Submission
}

// Pipeline はキャプチャを推論サービスへ送り、結果を解析ログに追加する
// 送信は受け付け順に1件ずつ処理される
type Pipeline struct {
	gateway inference.Gateway
	log     *analysislog.Log
	logger  *zap.Logger
	opts    Options

	jobs    chan job
	tickets *cache.Cache

	mu       sync.Mutex
	closed   bool
	inFlight int
}

// New は新しいPipelineを作成する
func New(gateway inference.Gateway, log *analysislog.Log, opts Options, logger *zap.Logger) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.TicketTTL <= 0 {
		opts.TicketTTL = DefaultTicketTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		gateway: gateway,
		log:     log,
		logger:  logger,
		opts:    opts,
		jobs:    make(chan job, opts.QueueSize),
		tickets: cache.New(opts.TicketTTL, opts.TicketTTL*2),
	}
}

// InstructionFor はアーティファクトの種類に応じた指示文を返す
func InstructionFor(kind artifact.Kind) string {
	if kind == artifact.KindVideo {
		return VideoInstruction
	}
	return ImageInstruction
}

// Submit は利用者エントリを同期的に追加し、解析を待ち行列に入れる
// 受け付けられなかった場合はログに何も追加しない
func (p *Pipeline) Submit(s Submission) (Ticket, error) {
	if s.Artifact.IsZero() {
		return Ticket{}, ErrEmptyArtifact
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Ticket{}, ErrClosed
	}
	// 送信はロック下でのみ行うため、この判定の後に満杯になることはない
	if len(p.jobs) >= cap(p.jobs) {
		return Ticket{}, fmt.Errorf("%w (%d件待機中)", ErrQueueFull, len(p.jobs))
	}

	a := s.Artifact
	userEntry := p.log.AppendWithMedia(analysislog.Entry{
		Role:  analysislog.RoleUser,
		Text:  s.UserText,
		CamID: a.NodeID,
	}, a)

	ticket := Ticket{
		ID:          uuid.NewString(),
		NodeID:      a.NodeID,
		Kind:        a.Kind,
		State:       TicketPending,
		UserSeq:     userEntry.Seq,
		SubmittedAt: time.Now(),
	}
	p.tickets.SetDefault(ticket.ID, ticket)

	p.inFlight++
	p.jobs <- job{ticketID: ticket.ID, submission: s}

	p.logger.Info("解析を受け付けました",
		zap.String("ticket", ticket.ID),
		zap.String("node", a.NodeID),
		zap.String("kind", string(a.Kind)),
		zap.Int("bytes", len(a.Data)))

	return ticket, nil
}

// Run は待ち行列を1件ずつ処理する
// ctxがキャンセルされるかCloseされるまでブロックする
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j, ok := <-p.jobs:
			if !ok {
				return nil
			}
			p.process(ctx, j)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, j job) {
	p.updateTicket(j.ticketID, func(t *Ticket) { t.State = TicketRunning })

	// 実行中の要求は停止要求で中断しない
	reqCtx := context.WithoutCancel(ctx)
	if p.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, p.opts.RequestTimeout)
		defer cancel()
	}

	started := time.Now()
	p.finish(j, p.analyze(reqCtx, j.submission), started)
}

// analyze はゲートウェイを呼び出す
// ゲートウェイがパニックした場合もDiagnosticTextを返し、ワーカーを止めない
func (p *Pipeline) analyze(ctx context.Context, s Submission) (text string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("ゲートウェイでパニックが発生しました",
				zap.String("node", s.Artifact.NodeID),
				zap.Any("panic", r))
			text = inference.DiagnosticText
		}
	}()

	a := s.Artifact
	resp := p.gateway.Analyze(ctx, inference.Request{
		Instruction: InstructionFor(a.Kind),
		Payload:     artifact.StripDataURLPrefix(a.DataURL()),
		MIMEType:    a.MIMEType,
		Target:      s.Target,
	})
	return resp.Text
}

// finish は解析結果をログに追加し、チケットを完了にする
func (p *Pipeline) finish(j job, text string, started time.Time) {
	a := j.submission.Artifact
	isMatch := inference.ContainsMatch(text)

	aiEntry := p.log.Append(analysislog.Entry{
		Role:    analysislog.RoleAI,
		Text:    text,
		CamID:   a.NodeID,
		IsMatch: isMatch,
	})

	p.updateTicket(j.ticketID, func(t *Ticket) {
		t.State = TicketDone
		t.AISeq = aiEntry.Seq
		t.IsMatch = isMatch
		t.Result = text
		t.CompletedAt = time.Now()
	})

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()

	fields := []zap.Field{
		zap.String("ticket", j.ticketID),
		zap.String("node", a.NodeID),
		zap.Bool("match", isMatch),
		zap.Duration("elapsed", time.Since(started)),
	}
	if isMatch {
		p.logger.Warn("探索対象と一致しました", fields...)
	} else {
		p.logger.Info("解析が完了しました", fields...)
	}
}

func (p *Pipeline) updateTicket(id string, fn func(*Ticket)) {
	v, ok := p.tickets.Get(id)
	if !ok {
		return
	}
	t := v.(Ticket)
	fn(&t)
	p.tickets.SetDefault(id, t)
}

// Ticket は送信の追跡情報を返す
func (p *Pipeline) Ticket(id string) (Ticket, bool) {
	v, ok := p.tickets.Get(id)
	if !ok {
		return Ticket{}, false
	}
	return v.(Ticket), true
}

// Busy は解析中または待機中の送信があるかを返す
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight > 0
}

// Pending は待機中の送信数を返す
func (p *Pipeline) Pending() int {
	return len(p.jobs)
}

// Close は新しい送信の受け付けを停止する
// 待機中の送信はRunが処理を続ける
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Drain は受け付けを停止し、待機中の送信を解析せずに完了させる
// 利用者エントリには必ず対応する結果エントリが続く。完了させた件数を返す
func (p *Pipeline) Drain() int {
	p.Close()

	n := 0
	for j := range p.jobs {
		p.updateTicket(j.ticketID, func(t *Ticket) { t.State = TicketRunning })
		p.finish(j, AbortedText, time.Now())
		n++
	}
	if n > 0 {
		p.logger.Warn("未処理の送信を中止しました", zap.Int("count", n))
	}
	return n
}
