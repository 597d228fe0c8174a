package analysis

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"TrafficEye/internal/backend"
	"TrafficEye/internal/config"
	"TrafficEye/internal/pipeline"
	"TrafficEye/internal/session"
	"TrafficEye/internal/stream"
)

const defaultStepError = "处理失败"

var (
	ErrNoVideo = errors.New("no video uploaded")
	ErrBusy    = errors.New("analysis already running")
)

// ReportSink receives the results of a finished pipeline run
type ReportSink interface {
	SaveReport(ctx context.Context, video, detection, plates, final string) error
}

// State is a point-in-time copy of the orchestrator
type State struct {
	Steps            []pipeline.Step
	CurrentStep      int
	Processing       bool
	VideoName        string
	VideoSize        int64
	Status           string
	StreamingContent string
}

// Options configures an Orchestrator
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Auth       session.AuthService
	Navigator  session.Navigator
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
	Reports    ReportSink
	// Observer is called after every state change, outside the lock
	Observer   func(State)
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeCompleted
	outcomeFailed
)

type stage struct {
	step   int
	model  string
	client *stream.Client
}

// Orchestrator chains the detection, plate recognition and merge stages
type Orchestrator struct {
	auth     session.AuthService
	nav      session.Navigator
	logger   *slog.Logger
	reports  ReportSink
	observer func(State)
	stages   []*stage

	mu         sync.Mutex
	steps      *pipeline.Steps
	videoName  string
	videoSize  int64
	processing bool
	run        uint64
	cancel     context.CancelFunc
	content    string
	status     string
	result     outcome
	failure    error
}

// New creates an orchestrator with one streaming client per stage
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	o := &Orchestrator{
		auth:     opts.Auth,
		nav:      opts.Navigator,
		logger:   opts.Logger,
		reports:  opts.Reports,
		observer: opts.Observer,
		steps:    pipeline.NewSteps(),
	}

	streamOpts := []stream.Option{stream.WithLogger(opts.Logger)}
	if opts.HTTPClient != nil {
		streamOpts = append(streamOpts, stream.WithHTTPClient(opts.HTTPClient))
	}
	if opts.Tracer != nil {
		streamOpts = append(streamOpts, stream.WithTracer(opts.Tracer))
	}
	if opts.Meter != nil {
		streamOpts = append(streamOpts, stream.WithMeter(opts.Meter))
	}

	cfg := config.Config{BaseURL: opts.BaseURL}
	for _, s := range []struct {
		step     int
		endpoint string
		model    string
	}{
		{pipeline.StepDetection, config.EndpointAnalyzeGemini, config.ModelGemini},
		{pipeline.StepPlates, config.EndpointAnalyzeQVQ, config.ModelQVQ},
		{pipeline.StepReport, config.EndpointAnalyzeMerge, config.ModelQwen},
	} {
		st := &stage{step: s.step, model: s.model}
		st.client = stream.New(cfg.URL(s.endpoint), o.handler(st), streamOpts...)
		o.stages = append(o.stages, st)
	}
	return o
}

func (o *Orchestrator) handler(st *stage) stream.Handler {
	return stream.Handler{
		OnMessage:  func(ev stream.Event) { o.onEvent(st, ev) },
		OnError:    func(err error) { o.onError(st, err) },
		OnComplete: func() { o.onComplete(st) },
	}
}

func (o *Orchestrator) onEvent(st *stage, ev stream.Event) {
	switch ev.Kind {
	case stream.EventStatus:
		o.mu.Lock()
		o.status = ev.StatusLine()
		o.mu.Unlock()
	case stream.EventContent:
		if ev.Content == "" {
			return
		}
		o.mu.Lock()
		if err := o.steps.Append(st.step, ev.Content); err != nil {
			o.mu.Unlock()
			o.logger.Debug("dropping fragment for idle step", "step", st.step, "error", err)
			return
		}
		o.content += ev.Content
		o.mu.Unlock()
	case stream.EventError:
		// The backend reports model failures in-band and keeps the body open.
		o.fail(st, errors.New(ev.Error))
		st.client.Stop()
	default:
		return
	}
	o.notify()
}

func (o *Orchestrator) onError(st *stage, err error) {
	if stream.IsUnauthorized(err) {
		if o.auth != nil {
			o.auth.ClearError()
		}
		if o.nav != nil {
			o.nav.Push(config.LoginPath)
		}
	}
	o.fail(st, err)
	o.notify()
}

func (o *Orchestrator) fail(st *stage, err error) {
	msg := err.Error()
	if msg == "" {
		msg = defaultStepError
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, _ := o.steps.Get(st.step); cur.Status != pipeline.StatusRunning {
		// Stopped before the failure arrived.
		o.logger.Debug("ignoring failure for idle step", "step", st.step, "error", err)
		return
	}
	if err := o.steps.Fail(st.step, msg); err != nil {
		o.logger.Error("failed to mark step errored", "step", st.step, "error", err)
	}
	o.result = outcomeFailed
	o.failure = err
	o.processing = false
	o.logger.Error("analysis stage failed", "step", st.step, "model", st.model, "error", err)
}

func (o *Orchestrator) onComplete(st *stage) {
	o.mu.Lock()
	if err := o.steps.Complete(st.step); err != nil {
		o.mu.Unlock()
		o.logger.Warn("completion for idle step", "step", st.step, "error", err)
		return
	}
	o.result = outcomeCompleted
	o.mu.Unlock()

	o.logger.Info("analysis stage completed", "step", st.step, "model", st.model)
	o.notify()
}

func (o *Orchestrator) notify() {
	if o.observer != nil {
		o.observer(o.Snapshot())
	}
}

// SetVideoFile records the uploaded video and completes the upload step
func (o *Orchestrator) SetVideoFile(name string, size int64) {
	o.mu.Lock()
	o.videoName = name
	o.videoSize = size
	o.steps.CompleteUpload(pipeline.UploadSummary(name, size))
	o.mu.Unlock()
	o.notify()
}

// ClearVideoFile forgets the uploaded video
func (o *Orchestrator) ClearVideoFile() {
	o.mu.Lock()
	o.videoName = ""
	o.videoSize = 0
	o.steps.ClearUpload()
	o.mu.Unlock()
	o.notify()
}

// StartAnalysis runs the three stages in order and returns when the pipeline
// has finished, failed or been stopped. A stopped run returns nil.
func (o *Orchestrator) StartAnalysis(ctx context.Context) error {
	o.mu.Lock()
	if o.videoName == "" {
		o.mu.Unlock()
		return ErrNoVideo
	}
	if o.processing {
		o.mu.Unlock()
		return ErrBusy
	}
	o.run++
	run := o.run
	video := o.videoName
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.processing = true
	o.steps.ResetAnalysis()
	o.content = ""
	o.status = ""
	o.mu.Unlock()

	o.logger.Info("analysis started", "video", video)

	defer func() {
		o.mu.Lock()
		if o.run == run {
			o.processing = false
			o.cancel = nil
		}
		o.mu.Unlock()
		cancel()
		o.notify()
	}()

	for _, st := range o.stages {
		o.mu.Lock()
		if o.run != run {
			o.mu.Unlock()
			return nil
		}
		if err := o.steps.Begin(st.step); err != nil {
			o.mu.Unlock()
			return err
		}
		o.content = ""
		o.status = ""
		o.result = outcomePending
		o.failure = nil
		payload := o.payload(st)
		o.mu.Unlock()
		o.notify()

		st.client.Start(ctx, payload)

		o.mu.Lock()
		result, failure, current := o.result, o.failure, o.run
		o.mu.Unlock()

		switch {
		case current != run:
			return nil
		case result == outcomeFailed:
			return failure
		case result == outcomePending:
			// The caller's ctx was cancelled without StopAnalysis.
			o.mu.Lock()
			o.steps.RevertRunning()
			o.mu.Unlock()
			return ctx.Err()
		}
	}

	o.saveReport(ctx)
	return nil
}

// payload builds the request body for st; o.mu must be held
func (o *Orchestrator) payload(st *stage) backend.StageRequest {
	switch st.step {
	case pipeline.StepDetection:
		return backend.StageRequest{Video: o.videoName, Prompt: pipeline.DetectionPrompt, Model: st.model}
	case pipeline.StepPlates:
		return backend.StageRequest{Video: o.videoName, Prompt: pipeline.PlatePrompt, Model: st.model}
	default:
		detection, _ := o.steps.Get(pipeline.StepDetection)
		plates, _ := o.steps.Get(pipeline.StepPlates)
		return backend.StageRequest{Prompt: pipeline.MergePrompt(detection.Result, plates.Result), Model: st.model}
	}
}

func (o *Orchestrator) saveReport(ctx context.Context) {
	if o.reports == nil {
		return
	}
	o.mu.Lock()
	video := o.videoName
	detection, _ := o.steps.Get(pipeline.StepDetection)
	plates, _ := o.steps.Get(pipeline.StepPlates)
	final, _ := o.steps.Get(pipeline.StepReport)
	o.mu.Unlock()

	if err := o.reports.SaveReport(context.WithoutCancel(ctx), video, detection.Result, plates.Result, final.Result); err != nil {
		o.logger.Error("failed to save report", "video", video, "error", err)
	}
}

// StopAnalysis cancels the running stage. The stage returns to pending.
// A stage that has not opened its stream yet never opens it.
func (o *Orchestrator) StopAnalysis() {
	o.mu.Lock()
	o.run++
	o.processing = false
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.mu.Unlock()

	for _, st := range o.stages {
		st.client.Stop()
	}

	o.mu.Lock()
	if id, ok := o.steps.RevertRunning(); ok {
		o.logger.Info("analysis stopped", "step", id)
	}
	o.mu.Unlock()
	o.notify()
}

// ResetAnalysis stops the pipeline and clears every stage result. The upload
// is kept.
func (o *Orchestrator) ResetAnalysis() {
	o.StopAnalysis()

	o.mu.Lock()
	o.steps.ResetAnalysis()
	o.content = ""
	o.status = ""
	o.mu.Unlock()
	o.notify()
}

// GoToStep moves the view back to a reached step; refused while processing
func (o *Orchestrator) GoToStep(id int) bool {
	o.mu.Lock()
	ok := o.steps.GoTo(id, o.processing)
	o.mu.Unlock()
	if ok {
		o.notify()
	}
	return ok
}

// IsProcessing reports whether a stage is in flight
func (o *Orchestrator) IsProcessing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.processing
}

// CurrentStreamingContent returns the text streamed by the current stage
func (o *Orchestrator) CurrentStreamingContent() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.content
}

// Snapshot returns a copy of the orchestrator state
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return State{
		Steps:            o.steps.Snapshot(),
		CurrentStep:      o.steps.Current(),
		Processing:       o.processing,
		VideoName:        o.videoName,
		VideoSize:        o.videoSize,
		Status:           o.status,
		StreamingContent: o.content,
	}
}
