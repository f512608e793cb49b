package vision

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
	"aivision/internal/camera"
	"aivision/internal/inference"
	"aivision/internal/media"
	"aivision/internal/pipeline"
)

type recordingGateway struct {
	mu       sync.Mutex
	text     string
	err      error
	requests []inference.Request
}

func (g *recordingGateway) fn(ctx context.Context, req inference.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.text, g.err
}

func (g *recordingGateway) Requests() []inference.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]inference.Request(nil), g.requests...)
}

type fixture struct {
	console *Console
	log     *analysislog.Log
	driver  *media.SyntheticDriver
	gateway *recordingGateway
}

func newFixture(t *testing.T, text string) *fixture {
	t.Helper()

	driver := media.NewSyntheticDriver()
	registry := camera.NewDefaultRegistry([]camera.NodeSpec{
		{ID: "CAM-01", Name: "正面玄関", Device: "/dev/video0", Active: true},
		{ID: "CAM-02", Name: "駐車場", Device: "/dev/video1"},
	}, "CAM-01", driver, media.MJPEGClipEncoder{}, camera.Settings{FPS: 100, Width: 32, Height: 24, JPEGQuality: 70}, nil)

	gw := &recordingGateway{text: text}
	log := analysislog.New(analysislog.Options{})
	p := pipeline.New(inference.FuncGateway{Fn: gw.fn}, log, pipeline.Options{}, nil)
	console := NewConsole(registry, p, log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = console.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = console.Shutdown(context.Background())
	})

	require.Eventually(t, func() bool {
		n, _ := registry.Node("CAM-01")
		return n.Active
	}, 2*time.Second, 5*time.Millisecond)

	return &fixture{console: console, log: log, driver: driver, gateway: gw}
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !f.console.State().Busy }, 2*time.Second, 5*time.Millisecond)
}

func TestConsole_CaptureWithTarget(t *testing.T) {
	f := newFixture(t, "[AI_VISION_REPORT]\n- TARGET MATCH: MATCH FOUND 87%")
	f.console.SetTarget("  man in black jacket ")
	assert.Equal(t, "man in black jacket", f.console.Target())

	before := f.log.Len()
	ticket, ok, err := f.console.Capture(context.Background(), "CAM-01")
	require.NoError(t, err)
	require.True(t, ok)

	entries := f.log.Since(uint64(before))
	require.NotEmpty(t, entries)
	user := entries[0]
	assert.Equal(t, analysislog.RoleUser, user.Role)
	assert.Contains(t, user.Text, "CAM-01")
	assert.Contains(t, user.Text, "man in black jacket")
	assert.Equal(t, "CAM-01", user.CamID)
	require.NotNil(t, user.Image)

	f.waitIdle(t)

	entries = f.log.Since(uint64(before))
	require.Len(t, entries, 2)
	ai := entries[1]
	assert.Equal(t, analysislog.RoleAI, ai.Role)
	assert.Equal(t, "CAM-01", ai.CamID)
	assert.True(t, ai.IsMatch)
	assert.Less(t, user.Seq, ai.Seq)

	done, ok := f.console.Ticket(ticket.ID)
	require.True(t, ok)
	assert.Equal(t, pipeline.TicketDone, done.State)

	reqs := f.gateway.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "man in black jacket", reqs[0].Target)
	assert.Equal(t, pipeline.ImageInstruction, reqs[0].Instruction)
}

func TestConsole_CaptureWithoutTarget(t *testing.T) {
	f := newFixture(t, "NO MATCH")

	_, ok, err := f.console.Capture(context.Background(), "CAM-01")
	require.NoError(t, err)
	require.True(t, ok)
	f.waitIdle(t)

	entries := f.log.Entries()
	user := entries[len(entries)-2]
	assert.Contains(t, user.Text, "SCAN [CAM-01]")
	assert.False(t, entries[len(entries)-1].IsMatch)
}

func TestConsole_CaptureInactiveNode(t *testing.T) {
	f := newFixture(t, "NO MATCH")
	before := f.log.Len()

	_, ok, err := f.console.Capture(context.Background(), "CAM-02")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, f.log.Len())

	_, _, err = f.console.Capture(context.Background(), "CAM-99")
	assert.ErrorIs(t, err, camera.ErrNodeNotFound)
}

func TestConsole_GatewayFailure(t *testing.T) {
	f := newFixture(t, "")
	f.gateway.err = errors.New("quota exceeded")

	_, ok, err := f.console.Capture(context.Background(), "CAM-01")
	require.NoError(t, err)
	require.True(t, ok)
	f.waitIdle(t)

	entries := f.log.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, analysislog.RoleAI, last.Role)
	assert.Equal(t, inference.DiagnosticText, last.Text)
	assert.False(t, last.IsMatch)
}

func TestConsole_RecordAndStop(t *testing.T) {
	f := newFixture(t, "NO MATCH")
	ctx := context.Background()

	require.NoError(t, f.console.StartRecording(ctx, "CAM-01"))
	assert.Equal(t, "CAM-01", f.console.State().RecordingNode)

	time.Sleep(30 * time.Millisecond)

	before := f.log.Len()
	_, ok, err := f.console.StopRecording(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	f.waitIdle(t)

	entries := f.log.Since(uint64(before))
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0].Text, "VIDEO_SCAN [CAM-01]")
	require.NotNil(t, entries[0].Video)
	assert.Equal(t, media.MIMEMotionJPEG, entries[0].Video.MIMEType)
	assert.Empty(t, f.console.State().RecordingNode)

	reqs := f.gateway.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, pipeline.VideoInstruction, reqs[0].Instruction)

	// 録画していない場合は何もしない
	_, ok, err = f.console.StopRecording(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestConsole_SecondRecordingRejected(t *testing.T) {
	f := newFixture(t, "NO MATCH")
	ctx := context.Background()

	_, err := f.console.ToggleNode(ctx, "CAM-02")
	require.NoError(t, err)
	require.NoError(t, f.console.StartRecording(ctx, "CAM-01"))
	assert.ErrorIs(t, f.console.StartRecording(ctx, "CAM-02"), camera.ErrRecordingBusy)
}

func TestConsole_DeactivateWhileRecording(t *testing.T) {
	f := newFixture(t, "NO MATCH")
	ctx := context.Background()

	require.NoError(t, f.console.StartRecording(ctx, "CAM-01"))
	before := f.log.Len()

	node, err := f.console.ToggleNode(ctx, "CAM-01")
	require.NoError(t, err)
	assert.False(t, node.Active)

	_, ok, err := f.console.StopRecording(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, f.log.Len())

	for _, s := range f.driver.Streams() {
		assert.Equal(t, 0, s.OpenTracks())
	}
}

func TestConsole_UploadClip(t *testing.T) {
	f := newFixture(t, "NO MATCH")

	before := f.log.Len()
	ticket, err := f.console.Upload("clip.webm", "video/webm", []byte("webm-bytes"))
	require.NoError(t, err)
	assert.Equal(t, artifact.UploadNodeID, ticket.NodeID)
	assert.Equal(t, artifact.KindVideo, ticket.Kind)

	f.waitIdle(t)

	entries := f.log.Since(uint64(before))
	require.Len(t, entries, 2)
	user := entries[0]
	assert.Contains(t, user.Text, "clip.webm")
	assert.Equal(t, artifact.UploadNodeID, user.CamID)
	require.NotNil(t, user.Video)
	assert.Nil(t, user.Image)
	assert.Equal(t, artifact.UploadNodeID, entries[1].CamID)

	reqs := f.gateway.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, pipeline.VideoInstruction, reqs[0].Instruction)
	assert.Equal(t, "video/webm", reqs[0].MIMEType)
}

func TestConsole_UploadImageSniffed(t *testing.T) {
	f := newFixture(t, "NO MATCH")

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	ticket, err := f.console.Upload("photo", "", png)
	require.NoError(t, err)
	assert.Equal(t, artifact.KindImage, ticket.Kind)
	f.waitIdle(t)

	reqs := f.gateway.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "image/png", reqs[0].MIMEType)
	assert.Equal(t, pipeline.ImageInstruction, reqs[0].Instruction)
}

func TestConsole_UploadEmpty(t *testing.T) {
	f := newFixture(t, "NO MATCH")
	_, err := f.console.Upload("empty.jpg", "image/jpeg", nil)
	assert.ErrorIs(t, err, ErrEmptyUpload)
}

func TestConsole_State(t *testing.T) {
	f := newFixture(t, "NO MATCH")
	require.NoError(t, f.console.SelectNode("CAM-02"))
	f.console.SetTarget("red cap")

	s := f.console.State()
	assert.Equal(t, "CAM-02", s.SelectedNode)
	assert.Equal(t, "red cap", s.Target)
	assert.Len(t, s.Nodes, 2)
	assert.Equal(t, 1, s.LogEntries)
	assert.False(t, s.Busy)
}
