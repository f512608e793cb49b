package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainsMatch(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"TARGET MATCH: MATCH FOUND 87%", true},
		{"target match: match found [92]%", true},
		{"Match Found", true},
		{"TARGET MATCH: NO MATCH", false},
		{"MATCH  FOUND", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ContainsMatch(tt.text))
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	assert.Equal(t, "scan", BuildPrompt(Request{Instruction: "scan"}))
	assert.Equal(t, "scan", BuildPrompt(Request{Instruction: "scan", Target: "   "}))

	p := BuildPrompt(Request{Instruction: "scan", Target: "man in black jacket"})
	assert.True(t, strings.HasPrefix(p, "scan\n"))
	assert.Contains(t, p, "TARGET_TO_FIND: man in black jacket")
}

func TestFuncGateway(t *testing.T) {
	ctx := context.Background()

	g := FuncGateway{Fn: func(ctx context.Context, req Request) (string, error) {
		return "NO MATCH", nil
	}}
	assert.Equal(t, "NO MATCH", g.Analyze(ctx, Request{}).Text)

	g = FuncGateway{Fn: func(ctx context.Context, req Request) (string, error) {
		return "", errors.New("quota exceeded")
	}}
	assert.Equal(t, DiagnosticText, g.Analyze(ctx, Request{}).Text)

	g = FuncGateway{Fn: func(ctx context.Context, req Request) (string, error) {
		panic("boom")
	}}
	assert.Equal(t, DiagnosticText, g.Analyze(ctx, Request{}).Text)

	g = FuncGateway{Fn: func(ctx context.Context, req Request) (string, error) {
		return "", nil
	}}
	assert.Equal(t, EmptyResponseText, g.Analyze(ctx, Request{}).Text)
}

func TestStaticGateway(t *testing.T) {
	g := StaticGateway{Text: OfflineReportText}
	resp := g.Analyze(context.Background(), Request{Instruction: "x"})
	assert.Equal(t, OfflineReportText, resp.Text)
	assert.False(t, ContainsMatch(resp.Text))
}

func TestGeminiGateway_Analyze(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1beta/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-goog-api-key"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"[AI_VISION_REPORT]\n"},{"text":"- TARGET MATCH: MATCH FOUND 87%"}]}}]}`))
	}))
	defer srv.Close()

	g := NewGeminiGateway(GeminiConfig{
		APIKey:      "secret",
		Endpoint:    srv.URL + "/v1beta/",
		Model:       "gemini-test",
		Temperature: 0.1,
		Timeout:     5 * time.Second,
	}, srv.Client(), nil)

	resp := g.Analyze(context.Background(), Request{
		Instruction: "scan",
		Payload:     "AAEC",
		MIMEType:    "image/jpeg",
		Target:      "man in black jacket",
	})

	assert.Equal(t, "[AI_VISION_REPORT]\n- TARGET MATCH: MATCH FOUND 87%", resp.Text)
	assert.True(t, ContainsMatch(resp.Text))

	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, SystemInstruction, got.SystemInstruction.Parts[0].Text)
	assert.InDelta(t, 0.1, got.GenerationConfig.Temperature, 1e-9)
	require.Len(t, got.Contents, 1)
	parts := got.Contents[0].Parts
	require.Len(t, parts, 2)
	require.NotNil(t, parts[0].InlineData)
	assert.Equal(t, "image/jpeg", parts[0].InlineData.MIMEType)
	assert.Equal(t, "AAEC", parts[0].InlineData.Data)
	assert.Contains(t, parts[1].Text, "TARGET_TO_FIND: man in black jacket")
}

func TestGeminiGateway_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "認証エラー",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":{"message":"API key not valid"}}`))
			},
			want: DiagnosticText,
		},
		{
			name: "不正なJSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`not json`))
			},
			want: DiagnosticText,
		},
		{
			name: "候補なし",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"candidates":[]}`))
			},
			want: EmptyResponseText,
		},
		{
			name: "nullの候補",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"candidates":[null]}`))
			},
			want: EmptyResponseText,
		},
		{
			name: "nullのパート",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[null]}}]}`))
			},
			want: EmptyResponseText,
		},
		{
			name: "nullの後に本文を持つ候補",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"candidates":[null,{"content":{"parts":[null,{"text":"NO MATCH"}]}}]}`))
			},
			want: "NO MATCH",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			g := NewGeminiGateway(GeminiConfig{APIKey: "k", Endpoint: srv.URL, Model: "m"}, srv.Client(), nil)
			assert.Equal(t, tt.want, g.Analyze(context.Background(), Request{Instruction: "scan"}).Text)
		})
	}
}

func TestGeminiGateway_RecoversPanic(t *testing.T) {
	g := NewGeminiGateway(GeminiConfig{APIKey: "k", Endpoint: "http://example.invalid", Model: "m"}, &http.Client{
		Transport: panicTransport{},
	}, nil)

	assert.NotPanics(t, func() {
		assert.Equal(t, DiagnosticText, g.Analyze(context.Background(), Request{Instruction: "scan"}).Text)
	})
}

type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("接続が壊れています")
}

func TestGeminiGateway_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	g := NewGeminiGateway(GeminiConfig{APIKey: "k", Endpoint: url, Model: "m", Timeout: time.Second}, nil, nil)
	assert.Equal(t, DiagnosticText, g.Analyze(context.Background(), Request{Instruction: "scan"}).Text)
}

func TestGeminiGateway_MissingAPIKey(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	g := NewGeminiGateway(GeminiConfig{Endpoint: srv.URL, Model: "m"}, srv.Client(), nil)
	assert.Equal(t, DiagnosticText, g.Analyze(context.Background(), Request{Instruction: "scan"}).Text)
	assert.False(t, called)
}
