package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aivision/internal/analysislog"
	"aivision/internal/artifact"
	"aivision/internal/inference"
)

func jpegArtifact(nodeID string) artifact.Artifact {
	return artifact.New(artifact.KindImage, artifact.MIMEJPEG, []byte{0xFF, 0xD8, 1, 2, 0xFF, 0xD9}, nodeID)
}

func startPipeline(t *testing.T, g inference.Gateway, opts Options) (*Pipeline, *analysislog.Log) {
	t.Helper()
	log := analysislog.New(analysislog.Options{SkipGreeting: true})
	p := New(g, log, opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p, log
}

func waitIdle(t *testing.T, p *Pipeline) {
	t.Helper()
	require.Eventually(t, func() bool { return !p.Busy() }, 2*time.Second, 5*time.Millisecond)
}

func TestSubmit_MatchDetected(t *testing.T) {
	p, log := startPipeline(t, inference.StaticGateway{Text: "[AI_VISION_REPORT]\n- TARGET MATCH: MATCH FOUND 87%"}, Options{})

	ticket, err := p.Submit(Submission{Artifact: jpegArtifact("CAM-01"), UserText: "SCAN [CAM-01]"})
	require.NoError(t, err)
	assert.Equal(t, TicketPending, ticket.State)
	assert.Equal(t, uint64(1), ticket.UserSeq)

	waitIdle(t, p)

	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, analysislog.RoleUser, entries[0].Role)
	assert.NotNil(t, entries[0].Image)
	assert.Equal(t, analysislog.RoleAI, entries[1].Role)
	assert.True(t, entries[1].IsMatch)
	assert.Equal(t, "CAM-01", entries[1].CamID)

	got, ok := p.Ticket(ticket.ID)
	require.True(t, ok)
	assert.Equal(t, TicketDone, got.State)
	assert.True(t, got.IsMatch)
	assert.Equal(t, entries[1].Seq, got.AISeq)
}

func TestSubmit_NoMatch(t *testing.T) {
	p, log := startPipeline(t, inference.StaticGateway{Text: "- TARGET MATCH: NO MATCH"}, Options{})

	_, err := p.Submit(Submission{Artifact: jpegArtifact("CAM-02"), UserText: "SCAN"})
	require.NoError(t, err)
	waitIdle(t, p)

	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.False(t, entries[1].IsMatch)
}

func TestSubmit_GatewayFailure(t *testing.T) {
	g := inference.FuncGateway{Fn: func(ctx context.Context, req inference.Request) (string, error) {
		return "", errors.New("network down")
	}}
	p, log := startPipeline(t, g, Options{})

	_, err := p.Submit(Submission{Artifact: jpegArtifact("CAM-01"), UserText: "SCAN"})
	require.NoError(t, err)
	waitIdle(t, p)

	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, inference.DiagnosticText, entries[1].Text)
	assert.False(t, entries[1].IsMatch)
}

func TestSubmit_RequestContents(t *testing.T) {
	var mu sync.Mutex
	var requests []inference.Request
	g := inference.FuncGateway{Fn: func(ctx context.Context, req inference.Request) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		requests = append(requests, req)
		return "NO MATCH", nil
	}}
	p, _ := startPipeline(t, g, Options{})

	img := jpegArtifact("CAM-01")
	clip := artifact.New(artifact.KindVideo, "video/webm", []byte("webm-data"), "CAM-01")

	_, err := p.Submit(Submission{Artifact: img, Target: "man in black jacket", UserText: "a"})
	require.NoError(t, err)
	_, err = p.Submit(Submission{Artifact: clip, UserText: "b"})
	require.NoError(t, err)
	waitIdle(t, p)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 2)

	assert.Equal(t, ImageInstruction, requests[0].Instruction)
	assert.Equal(t, artifact.MIMEJPEG, requests[0].MIMEType)
	assert.Equal(t, "man in black jacket", requests[0].Target)
	assert.Equal(t, artifact.StripDataURLPrefix(img.DataURL()), requests[0].Payload)
	assert.NotContains(t, requests[0].Payload, "data:")

	assert.Equal(t, VideoInstruction, requests[1].Instruction)
	assert.Equal(t, "video/webm", requests[1].MIMEType)
	assert.Empty(t, requests[1].Target)
}

func TestSubmit_Serialized(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	running, maxRunning := 0, 0

	g := inference.FuncGateway{Fn: func(ctx context.Context, req inference.Request) (string, error) {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()

		<-release

		mu.Lock()
		running--
		mu.Unlock()
		return "NO MATCH", nil
	}}
	p, log := startPipeline(t, g, Options{QueueSize: 4})

	var tickets []Ticket
	for _, id := range []string{"CAM-01", "CAM-02", "CAM-03"} {
		ticket, err := p.Submit(Submission{Artifact: jpegArtifact(id), UserText: "SCAN " + id})
		require.NoError(t, err)
		tickets = append(tickets, ticket)
	}
	assert.True(t, p.Busy())
	close(release)
	waitIdle(t, p)

	mu.Lock()
	assert.Equal(t, 1, maxRunning)
	mu.Unlock()

	entries := log.Entries()
	require.Len(t, entries, 6)

	// 各送信で利用者エントリは解析結果より前にある
	seqByCam := map[string][]analysislog.Entry{}
	for _, e := range entries {
		seqByCam[e.CamID] = append(seqByCam[e.CamID], e)
	}
	for _, ticket := range tickets {
		got, ok := p.Ticket(ticket.ID)
		require.True(t, ok)
		assert.Less(t, got.UserSeq, got.AISeq)
		pair := seqByCam[ticket.NodeID]
		require.Len(t, pair, 2)
		assert.Equal(t, analysislog.RoleUser, pair[0].Role)
		assert.Equal(t, analysislog.RoleAI, pair[1].Role)
	}

	// 解析結果は受け付け順に追加される
	var aiCams []string
	for _, e := range entries {
		if e.Role == analysislog.RoleAI {
			aiCams = append(aiCams, e.CamID)
		}
	}
	assert.Equal(t, []string{"CAM-01", "CAM-02", "CAM-03"}, aiCams)
}

func TestSubmit_QueueFull(t *testing.T) {
	log := analysislog.New(analysislog.Options{SkipGreeting: true})
	// Runを起動しないので待ち行列は消化されない
	p := New(inference.StaticGateway{Text: "NO MATCH"}, log, Options{QueueSize: 1}, nil)

	_, err := p.Submit(Submission{Artifact: jpegArtifact("CAM-01"), UserText: "first"})
	require.NoError(t, err)

	_, err = p.Submit(Submission{Artifact: jpegArtifact("CAM-01"), UserText: "second"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, log.Len())
	assert.Equal(t, 1, p.Pending())
}

func TestSubmit_Closed(t *testing.T) {
	log := analysislog.New(analysislog.Options{SkipGreeting: true})
	p := New(inference.StaticGateway{Text: "NO MATCH"}, log, Options{}, nil)
	p.Close()
	p.Close()

	_, err := p.Submit(Submission{Artifact: jpegArtifact("CAM-01"), UserText: "x"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, log.Len())

	// Closeされた後のRunはすぐに戻る
	assert.NoError(t, p.Run(context.Background()))
}

func TestSubmit_EmptyArtifact(t *testing.T) {
	p, log := startPipeline(t, inference.StaticGateway{Text: "NO MATCH"}, Options{})

	_, err := p.Submit(Submission{UserText: "x"})
	assert.ErrorIs(t, err, ErrEmptyArtifact)
	assert.Equal(t, 0, log.Len())
	assert.False(t, p.Busy())
}

func TestClose_DrainsQueued(t *testing.T) {
	log := analysislog.New(analysislog.Options{SkipGreeting: true})
	p := New(inference.StaticGateway{Text: "NO MATCH"}, log, Options{QueueSize: 2}, nil)

	_, err := p.Submit(Submission{Artifact: jpegArtifact("CAM-01"), UserText: "a"})
	require.NoError(t, err)
	_, err = p.Submit(Submission{Artifact: jpegArtifact("CAM-02"), UserText: "b"})
	require.NoError(t, err)
	p.Close()

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 4, log.Len())
	assert.False(t, p.Busy())
}

// panicGateway はAnalyzeでパニックするゲートウェイ
type panicGateway struct{}

func (panicGateway) Analyze(context.Context, inference.Request) inference.Response {
	panic("不正な応答")
}

func TestSubmit_GatewayPanic(t *testing.T) {
	p, log := startPipeline(t, panicGateway{}, Options{})

	first, err := p.Submit(Submission{Artifact: jpegArtifact("CAM-01"), UserText: "a"})
	require.NoError(t, err)
	waitIdle(t, p)

	// ワーカーは動き続け、次の送信も処理される
	_, err = p.Submit(Submission{Artifact: jpegArtifact("CAM-02"), UserText: "b"})
	require.NoError(t, err)
	waitIdle(t, p)

	entries := log.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, analysislog.RoleAI, entries[1].Role)
	assert.Equal(t, inference.DiagnosticText, entries[1].Text)
	assert.Equal(t, inference.DiagnosticText, entries[3].Text)

	got, ok := p.Ticket(first.ID)
	require.True(t, ok)
	assert.Equal(t, TicketDone, got.State)
	assert.Equal(t, entries[1].Seq, got.AISeq)
}

func TestDrain_AbortsQueued(t *testing.T) {
	log := analysislog.New(analysislog.Options{SkipGreeting: true})
	called := false
	g := &inference.FuncGateway{Fn: func(context.Context, inference.Request) (string, error) {
		called = true
		return "NO MATCH", nil
	}}
	p := New(g, log, Options{QueueSize: 2}, nil)

	ticket, err := p.Submit(Submission{Artifact: jpegArtifact("CAM-01"), UserText: "a"})
	require.NoError(t, err)

	assert.Equal(t, 1, p.Drain())
	assert.Equal(t, 0, p.Drain())
	assert.False(t, called)
	assert.False(t, p.Busy())

	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, analysislog.RoleAI, entries[1].Role)
	assert.Equal(t, AbortedText, entries[1].Text)

	got, ok := p.Ticket(ticket.ID)
	require.True(t, ok)
	assert.Equal(t, TicketDone, got.State)
	assert.Equal(t, entries[1].Seq, got.AISeq)

	_, err = p.Submit(Submission{Artifact: jpegArtifact("CAM-01"), UserText: "b"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInstructionFor(t *testing.T) {
	assert.Equal(t, ImageInstruction, InstructionFor(artifact.KindImage))
	assert.Equal(t, VideoInstruction, InstructionFor(artifact.KindVideo))
	assert.NotEqual(t, ImageInstruction, VideoInstruction)
}
