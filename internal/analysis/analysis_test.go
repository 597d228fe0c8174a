package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrafficEye/internal/backend"
	"TrafficEye/internal/pipeline"
)

type fakeAuth struct{ cleared atomic.Int32 }

func (f *fakeAuth) ClearError() { f.cleared.Add(1) }

type fakeNav struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeNav) Push(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
}

func (f *fakeNav) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type fakeReports struct {
	mu      sync.Mutex
	reports [][4]string
}

func (f *fakeReports) SaveReport(_ context.Context, video, detection, plates, final string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, [4]string{video, detection, plates, final})
	return nil
}

func contentLine(text string) string {
	data, _ := json.Marshal(map[string]any{
		"output": map[string]any{
			"choices": []any{map[string]any{
				"message": map[string]any{"content": []any{map[string]any{"text": text}}},
			}},
		},
	})
	return "data: " + string(data)
}

func writeLines(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for _, line := range lines {
		fmt.Fprint(w, line+"\n")
		flusher.Flush()
	}
}

func decodeStage(t *testing.T, r *http.Request) backend.StageRequest {
	t.Helper()
	var req backend.StageRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

type testEnv struct {
	orch    *Orchestrator
	auth    *fakeAuth
	nav     *fakeNav
	reports *fakeReports
}

func newTestEnv(t *testing.T, mux *http.ServeMux) *testEnv {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	env := &testEnv{auth: &fakeAuth{}, nav: &fakeNav{}, reports: &fakeReports{}}
	env.orch = New(Options{
		BaseURL:   srv.URL,
		Auth:      env.auth,
		Navigator: env.nav,
		Reports:   env.reports,
	})
	env.orch.SetVideoFile("clip.mp4", 3*1024*1024)
	return env
}

func stepOf(t *testing.T, o *Orchestrator, id int) pipeline.Step {
	t.Helper()
	return o.Snapshot().Steps[id-1]
}

func TestFullPipeline(t *testing.T) {
	merges := make(chan backend.StageRequest, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze/gemini", func(w http.ResponseWriter, r *http.Request) {
		req := decodeStage(t, r)
		assert.Equal(t, "clip.mp4", req.Video)
		assert.Equal(t, "gemini", req.Model)
		assert.Equal(t, pipeline.DetectionPrompt, req.Prompt)
		writeLines(w, `data: {"status":"正在分析视频"}`, contentLine("R_"), contentLine("A"))
	})
	mux.HandleFunc("/api/analyze/qvq", func(w http.ResponseWriter, r *http.Request) {
		req := decodeStage(t, r)
		assert.Equal(t, "qvq", req.Model)
		assert.Equal(t, pipeline.PlatePrompt, req.Prompt)
		writeLines(w, contentLine("R_B"))
	})
	mux.HandleFunc("/api/analyze/merge", func(w http.ResponseWriter, r *http.Request) {
		merges <- decodeStage(t, r)
		writeLines(w, contentLine("最终报告"))
	})

	var observed atomic.Int32
	env := newTestEnv(t, mux)
	env.orch.observer = func(State) { observed.Add(1) }

	require.NoError(t, env.orch.StartAnalysis(context.Background()))

	st := env.orch.Snapshot()
	assert.False(t, st.Processing)
	assert.Equal(t, pipeline.StepReport, st.CurrentStep)
	for _, s := range st.Steps {
		assert.Equal(t, pipeline.StatusCompleted, s.Status, "step %d", s.ID)
	}
	assert.Equal(t, "R_A", st.Steps[1].Result)
	assert.Equal(t, "R_B", st.Steps[2].Result)
	assert.Equal(t, "最终报告", st.Steps[3].Result)
	assert.Equal(t, "最终报告", st.StreamingContent, "buffer holds only the last stage")

	mergeReq := <-merges
	assert.Equal(t, "qwen", mergeReq.Model)
	assert.Empty(t, mergeReq.Video)
	assert.Contains(t, mergeReq.Prompt, pipeline.DetectionMarker+"R_A")
	assert.Contains(t, mergeReq.Prompt, pipeline.PlateMarker+"R_B")

	require.Len(t, env.reports.reports, 1)
	assert.Equal(t, [4]string{"clip.mp4", "R_A", "R_B", "最终报告"}, env.reports.reports[0])
	assert.Positive(t, observed.Load())
}

func TestStageErrorHaltsPipeline(t *testing.T) {
	var merged atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze/gemini", func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, contentLine("R_A"))
	})
	mux.HandleFunc("/api/analyze/qvq", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"qvq down"}`)
	})
	mux.HandleFunc("/api/analyze/merge", func(w http.ResponseWriter, r *http.Request) {
		merged.Add(1)
	})
	env := newTestEnv(t, mux)

	err := env.orch.StartAnalysis(context.Background())
	require.Error(t, err)

	assert.Equal(t, pipeline.StatusCompleted, stepOf(t, env.orch, pipeline.StepDetection).Status)
	plates := stepOf(t, env.orch, pipeline.StepPlates)
	assert.Equal(t, pipeline.StatusError, plates.Status)
	assert.Equal(t, "qvq down", plates.Error)
	assert.Equal(t, pipeline.StatusPending, stepOf(t, env.orch, pipeline.StepReport).Status)
	assert.Zero(t, merged.Load())
	assert.False(t, env.orch.IsProcessing())
	assert.Empty(t, env.nav.Paths())
	assert.Empty(t, env.reports.reports)
}

func TestUnauthorizedNavigatesOnce(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze/gemini", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"Unauthorized"}`)
	})
	env := newTestEnv(t, mux)

	require.Error(t, env.orch.StartAnalysis(context.Background()))

	assert.Equal(t, int32(1), env.auth.cleared.Load())
	assert.Equal(t, []string{"/login"}, env.nav.Paths())
	detection := stepOf(t, env.orch, pipeline.StepDetection)
	assert.Equal(t, pipeline.StatusError, detection.Status)
	assert.Equal(t, "Unauthorized", detection.Error)
}

func TestInBandErrorFailsStage(t *testing.T) {
	var plates atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze/gemini", func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, contentLine("partial"), `data: {"error":"quota exceeded"}`, contentLine("ignored"))
	})
	mux.HandleFunc("/api/analyze/qvq", func(w http.ResponseWriter, r *http.Request) {
		plates.Add(1)
	})
	env := newTestEnv(t, mux)

	err := env.orch.StartAnalysis(context.Background())
	require.Error(t, err)

	detection := stepOf(t, env.orch, pipeline.StepDetection)
	assert.Equal(t, pipeline.StatusError, detection.Status)
	assert.Equal(t, "quota exceeded", detection.Error)
	assert.Equal(t, "partial", detection.Result)
	assert.Zero(t, plates.Load())
}

// blockingStage streams one fragment and then holds the response open
func blockingStage(release <-chan struct{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, contentLine("partial"))
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}
}

func TestStopRevertsRunningStep(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze/gemini", blockingStage(release))
	env := newTestEnv(t, mux)
	t.Cleanup(func() { close(release) })

	done := make(chan error, 1)
	go func() { done <- env.orch.StartAnalysis(context.Background()) }()

	require.Eventually(t, func() bool {
		return env.orch.CurrentStreamingContent() == "partial"
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, env.orch.IsProcessing())
	assert.False(t, env.orch.GoToStep(pipeline.StepUpload), "navigation is refused while processing")

	env.orch.StopAnalysis()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StartAnalysis did not return after stop")
	}

	detection := stepOf(t, env.orch, pipeline.StepDetection)
	assert.Equal(t, pipeline.StatusPending, detection.Status)
	assert.Empty(t, detection.Error)
	assert.False(t, env.orch.IsProcessing())
	assert.Empty(t, env.nav.Paths())
}

func TestStopBeforeStageStreamOpens(t *testing.T) {
	var plateCalls atomic.Int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze/gemini", func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, contentLine("检测结果"))
	})
	mux.HandleFunc("/api/analyze/qvq", func(w http.ResponseWriter, r *http.Request) {
		plateCalls.Add(1)
		writeLines(w, contentLine("粤B"), `data: {"error":"late failure"}`)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	env := newTestEnv(t, mux)
	t.Cleanup(func() { close(release) })

	// Stop as soon as plate recognition is marked running, before its
	// stream is opened.
	var once sync.Once
	env.orch.observer = func(s State) {
		if s.Steps[pipeline.StepPlates-1].Status == pipeline.StatusRunning {
			once.Do(env.orch.StopAnalysis)
		}
	}

	done := make(chan error, 1)
	go func() { done <- env.orch.StartAnalysis(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StartAnalysis did not return after stop")
	}

	plates := stepOf(t, env.orch, pipeline.StepPlates)
	assert.Equal(t, pipeline.StatusPending, plates.Status)
	assert.Empty(t, plates.Error)
	assert.Equal(t, pipeline.StatusCompleted, stepOf(t, env.orch, pipeline.StepDetection).Status)
	assert.Zero(t, plateCalls.Load(), "no request is sent for a stopped stage")
	assert.False(t, env.orch.IsProcessing())
	assert.Empty(t, env.reports.reports)
}

func TestContextCancelRevertsRunningStep(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze/gemini", blockingStage(release))
	env := newTestEnv(t, mux)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.orch.StartAnalysis(ctx) }()

	require.Eventually(t, func() bool {
		return env.orch.CurrentStreamingContent() == "partial"
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("StartAnalysis did not return after cancel")
	}
	assert.Equal(t, pipeline.StatusPending, stepOf(t, env.orch, pipeline.StepDetection).Status)
	assert.False(t, env.orch.IsProcessing())
}

func TestResetThenStartIsFresh(t *testing.T) {
	var runs atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze/gemini", func(w http.ResponseWriter, r *http.Request) {
		n := runs.Add(1)
		writeLines(w, contentLine(fmt.Sprintf("run-%d", n)))
	})
	mux.HandleFunc("/api/analyze/qvq", func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, contentLine("plates"))
	})
	mux.HandleFunc("/api/analyze/merge", func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, contentLine("report"))
	})
	env := newTestEnv(t, mux)

	require.NoError(t, env.orch.StartAnalysis(context.Background()))
	env.orch.ResetAnalysis()

	st := env.orch.Snapshot()
	assert.Equal(t, pipeline.StepUpload, st.CurrentStep)
	assert.Equal(t, pipeline.StatusCompleted, st.Steps[0].Status, "upload survives reset")
	for _, s := range st.Steps[1:] {
		assert.Equal(t, pipeline.StatusPending, s.Status)
		assert.Empty(t, s.Result)
	}
	assert.Empty(t, st.StreamingContent)

	require.NoError(t, env.orch.StartAnalysis(context.Background()))
	assert.Equal(t, "run-2", stepOf(t, env.orch, pipeline.StepDetection).Result)
}

func TestStartRequiresVideo(t *testing.T) {
	o := New(Options{BaseURL: "http://127.0.0.1:0"})
	assert.ErrorIs(t, o.StartAnalysis(context.Background()), ErrNoVideo)

	o.SetVideoFile("a.mp4", 1024*1024)
	assert.True(t, strings.HasPrefix(o.Snapshot().Steps[0].Result, "已上传: a.mp4"))
	o.ClearVideoFile()
	assert.Equal(t, pipeline.StatusPending, o.Snapshot().Steps[0].Status)
	assert.ErrorIs(t, o.StartAnalysis(context.Background()), ErrNoVideo)
}

func TestGoToStepAfterRun(t *testing.T) {
	mux := http.NewServeMux()
	for _, p := range []string{"/api/analyze/gemini", "/api/analyze/qvq", "/api/analyze/merge"} {
		mux.HandleFunc(p, func(w http.ResponseWriter, r *http.Request) {
			writeLines(w, contentLine("ok"))
		})
	}
	env := newTestEnv(t, mux)
	require.NoError(t, env.orch.StartAnalysis(context.Background()))

	assert.True(t, env.orch.GoToStep(pipeline.StepDetection))
	assert.Equal(t, pipeline.StepDetection, env.orch.Snapshot().CurrentStep)
	assert.False(t, env.orch.GoToStep(pipeline.StepReport), "cannot jump ahead of the current step")
}
