package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrafficEye/internal/analysis"
	"TrafficEye/internal/backend"
	"TrafficEye/internal/cache"
	"TrafficEye/internal/chat"
	"TrafficEye/internal/config"
	"TrafficEye/internal/inference"
	"TrafficEye/internal/pipeline"
	"TrafficEye/internal/session"
	"TrafficEye/internal/store"
	"TrafficEye/internal/stream"
)

func contentLine(text string) string {
	data, _ := json.Marshal(map[string]any{
		"output": map[string]any{
			"choices": []any{map[string]any{
				"message": map[string]any{"content": []any{map[string]any{"text": text}}},
			}},
		},
	})
	return "data: " + string(data) + "\n"
}

func streamText(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, contentLine(text))
	}
}

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":"登录成功","user":{"id":1,"username":"officer"}}`)
	})
	mux.HandleFunc("/api/upload-video", func(w http.ResponseWriter, r *http.Request) {
		_, header, err := r.FormFile("video")
		if !assert.NoError(t, err) {
			return
		}
		fmt.Fprintf(w, `{"message":"视频上传成功","filename":"1_%s"}`, header.Filename)
	})
	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"conversation":{"id":9,"title":"你好"}}`)
			return
		}
		fmt.Fprint(w, `{"conversations":[{"id":9,"title":"你好"}]}`)
	})
	mux.HandleFunc("/api/analyze/gemini", streamText("检测结果"))
	mux.HandleFunc("/api/analyze/qvq", streamText("粤B12345"))
	mux.HandleFunc("/api/analyze/merge", streamText("最终报告"))
	mux.HandleFunc("/api/run", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Model == config.ModelGemini {
			streamText("替换后的报告")(w, r)
			return
		}
		streamText("你好，交警同志")(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newConsole(t *testing.T, input string) (*Console, *bytes.Buffer) {
	t.Helper()
	srv := newBackend(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Defaults()
	cfg.BaseURL = srv.URL
	cfg.Username = "officer"
	cfg.Password = "secret"

	hc, err := backend.NewHTTPClient()
	require.NoError(t, err)
	api, err := backend.NewClient(cfg.BaseURL, hc, logger)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	auth := session.NewAuthState()
	router := session.NewRouter(config.LoginPath)
	convs := cache.NewConversations(time.Minute)

	var con *Console
	chatOrch := chat.New(chat.Options{
		BaseURL:       cfg.BaseURL,
		HTTPClient:    hc,
		Auth:          auth,
		Navigator:     router,
		Logger:        logger,
		Conversations: api,
		Cache:         convs,
		Transcripts:   st,
		Observer:      func(ev stream.Event, msg session.ChatMessage) { con.RenderChat(ev, msg) },
	})
	analysisOrch := analysis.New(analysis.Options{
		BaseURL:    cfg.BaseURL,
		HTTPClient: hc,
		Auth:       auth,
		Navigator:  router,
		Logger:     logger,
		Reports:    st,
		Observer:   func(s analysis.State) { con.RenderAnalysis(s) },
	})
	inferenceOrch := inference.New(inference.Options{
		BaseURL:    cfg.BaseURL,
		HTTPClient: hc,
		Auth:       auth,
		Navigator:  router,
		Logger:     logger,
		Observer:   func(fragment, output string) { con.RenderInference(fragment, output) },
	})

	out := &bytes.Buffer{}
	con = New(Deps{
		Config:    cfg,
		API:       api,
		Auth:      auth,
		Router:    router,
		Chat:      chatOrch,
		Analysis:  analysisOrch,
		Inference: inferenceOrch,
		Cache:     convs,
		Store:     st,
		Logger:    logger,
		In:        strings.NewReader(input),
		Out:       out,
	})
	return con, out
}

func TestSessionEndToEnd(t *testing.T) {
	video := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(video, []byte("frames"), 0o644))

	input := strings.Join([]string{
		"/upload " + video,
		"/analyze",
		"/reports",
		"你好",
		"/conversations",
		"/quit",
	}, "\n")
	con, out := newConsole(t, input)

	require.NoError(t, con.Run(context.Background()))
	text := out.String()

	assert.Contains(t, text, "Logged in as officer")
	assert.Equal(t, "/", con.Router.Current())
	assert.Contains(t, text, "已上传: clip.mp4")
	assert.Contains(t, text, "== 步骤 2: 违停检测 ==\n检测结果")
	assert.Contains(t, text, "== 步骤 4: 报告生成 ==\n最终报告")
	assert.Contains(t, text, "1_clip.mp4")
	assert.Contains(t, text, "Bot: 你好，交警同志")
	assert.Contains(t, text, "9. 你好 (current)")
	assert.Contains(t, text, "Goodbye!")
	assert.NotContains(t, text, "Error:")

	state := con.Analysis.Snapshot()
	assert.Equal(t, pipeline.StatusCompleted, state.Steps[3].Status)
	assert.Equal(t, "1_clip.mp4", state.VideoName)
}

func TestInferCommands(t *testing.T) {
	input := strings.Join([]string{
		"/prompt",
		`/prompt 报告：\n粤B12345`,
		"/infer",
		"/prompt reset",
		"/infer-clear",
		"/quit",
	}, "\n")
	con, out := newConsole(t, input)

	require.NoError(t, con.Run(context.Background()))
	text := out.String()

	assert.Contains(t, text, inference.DetectionPlaceholder)
	assert.Contains(t, text, "Prompt updated")
	assert.Contains(t, text, "替换后的报告")
	assert.Contains(t, text, "Prompt reset")
	assert.Contains(t, text, "Inference output cleared")
	assert.NotContains(t, text, "Error:")
	assert.Equal(t, inference.DefaultPrompt, con.Inference.Prompt())
	assert.False(t, con.Inference.HasOutput())
}

func TestPromptArg(t *testing.T) {
	assert.Equal(t, "a\nb", promptArg(`/prompt  a\nb `, "/prompt"))
	assert.Empty(t, promptArg("/infer", "/infer"))
}

func TestCommandErrors(t *testing.T) {
	con, out := newConsole(t, "/bogus\n/step\n/step 4\n/load x\n/settings nope\n")
	con.Config.Username = ""

	require.NoError(t, con.Run(context.Background()))
	text := out.String()

	assert.Contains(t, text, "Error: unknown command: /bogus")
	assert.Contains(t, text, "Error: usage: /step <1-4>")
	assert.Contains(t, text, "Error: step 4 is not reachable yet")
	assert.Contains(t, text, "Error: invalid conversation id: x")
}

func TestNavigateToLoginLogsOut(t *testing.T) {
	con, out := newConsole(t, "")
	con.Auth.SetUser(&session.User{ID: 1})

	con.Router.Push(config.LoginPath)

	assert.False(t, con.Auth.IsAuthenticated())
	assert.Contains(t, out.String(), "/login")
}

func TestMask(t *testing.T) {
	assert.Equal(t, "***", mask("abc"))
	assert.Equal(t, "****5678", mask("sk-45678"))
}
