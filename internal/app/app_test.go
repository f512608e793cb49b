package app

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aivision/internal/config"
	"aivision/internal/inference"
	"aivision/internal/media"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Camera: config.CameraConfig{
			Nodes:         config.DefaultNodes(),
			Driver:        "synthetic",
			DefaultFPS:    10,
			DefaultWidth:  32,
			DefaultHeight: 24,
			SelectedNode:  "CAM-01",
		},
		Capture:   config.CaptureConfig{JPEGQuality: 70, ClipEncoder: "mjpeg", MaxClip: 2 * time.Second},
		Inference: config.InferenceConfig{Provider: "offline"},
		Pipeline:  config.PipelineConfig{QueueSize: 2},
	}
}

func TestNew(t *testing.T) {
	a, err := New(testConfig(), nil)
	require.NoError(t, err)
	assert.NotNil(t, a.console)
	assert.NotNil(t, a.server)
}

func TestNew_UnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Camera.Driver = "gstreamer"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	// 空いているポートを確保する
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Server.Port = l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	a, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(a.console.Registry().OpenStreams()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("停止がタイムアウトしました")
	}
	assert.Empty(t, a.console.Registry().OpenStreams())
}

func TestNewDriver(t *testing.T) {
	cfg := testConfig()
	d, err := newDriver(cfg, media.NewDiscovery(), nil)
	require.NoError(t, err)
	assert.IsType(t, &media.SyntheticDriver{}, d)

	cfg.Camera.Driver = "ffmpeg"
	d, err = newDriver(cfg, media.NewDiscovery(), nil)
	require.NoError(t, err)
	assert.IsType(t, &media.FFmpegDriver{}, d)
}

func TestNewClipEncoder(t *testing.T) {
	available := func(context.Context) error { return nil }
	missing := func(context.Context) error { return errors.New("ffmpeg not found") }

	tests := []struct {
		name     string
		encoder  string
		provider string
		check    func(context.Context) error
		want     media.ClipEncoder
		wantErr  bool
	}{
		{name: "offlineのauto", encoder: "auto", provider: "offline", check: missing, want: media.MJPEGClipEncoder{}},
		{name: "geminiのauto", encoder: "auto", provider: "gemini", check: available,
			want: media.FFmpegClipEncoder{Format: "webm", Quality: 3}},
		{name: "ffmpegなしのgemini", encoder: "auto", provider: "gemini", check: missing, want: media.StillClipEncoder{}},
		{name: "still指定", encoder: "still", provider: "gemini", check: available, want: media.StillClipEncoder{}},
		{name: "ffmpeg指定でffmpegなし", encoder: "ffmpeg", provider: "offline", check: missing, wantErr: true},
		{name: "不明", encoder: "gif", provider: "offline", check: available, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Capture.ClipEncoder = tt.encoder
			cfg.Capture.ClipFormat = "webm"
			cfg.Capture.ClipQuality = 3
			cfg.Inference.Provider = tt.provider

			got, err := newClipEncoder(cfg, tt.check, zap.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewGateway(t *testing.T) {
	g := newGateway(config.InferenceConfig{Provider: "offline"}, nil)
	assert.Equal(t, inference.OfflineReportText, g.Analyze(context.Background(), inference.Request{}).Text)

	g = newGateway(config.InferenceConfig{Provider: "gemini", Model: "m"}, nil)
	assert.IsType(t, &inference.GeminiGateway{}, g)
}

func TestMaxClipChunks(t *testing.T) {
	assert.Equal(t, 0, maxClipChunks(0, 15))
	assert.Equal(t, 900, maxClipChunks(time.Minute, 15))
	assert.Equal(t, 30, maxClipChunks(2*time.Second, 15))
}
