package inference

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

// Placeholders the user replaces with the stage results before running
const (
	DetectionPlaceholder = "[粘贴Gemini生成的违停分析报告]"
	PlatePlaceholder     = "[粘贴QVQ-Max识别到的车牌号]"
)

// DefaultPrompt is the merge template with both results left to paste in
var DefaultPrompt = pipeline.MergePrompt(DetectionPlaceholder, PlatePlaceholder)

var ErrBusy = errors.New("inference already running")

// Options configures an Orchestrator
type Options struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Auth       session.AuthService
	Navigator  session.Navigator
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
	// Observer receives each fragment and the output so far
	Observer func(fragment, output string)
}

// Orchestrator runs one editable prompt against the run endpoint and
// accumulates the streamed output
type Orchestrator struct {
	client   *stream.Client
	model    string
	auth     session.AuthService
	nav      session.Navigator
	logger   *slog.Logger
	observer func(string, string)

	mu        sync.Mutex
	prompt    string
	output    string
	streaming bool
	err       string
	cancel    context.CancelFunc
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Model == "" {
		opts.Model = config.ModelGemini
	}
	o := &Orchestrator{
		model:    opts.Model,
		auth:     opts.Auth,
		nav:      opts.Navigator,
		logger:   opts.Logger,
		observer: opts.Observer,
		prompt:   DefaultPrompt,
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
	o.client = stream.New(cfg.URL(config.EndpointRun), stream.Handler{
		OnMessage:  o.onEvent,
		OnError:    o.onError,
		OnComplete: o.onComplete,
	}, streamOpts...)
	return o
}

func (o *Orchestrator) onEvent(ev stream.Event) {
	if msg, ok := ev.TextError(); ok {
		ev = stream.Event{Kind: stream.EventError, Error: msg}
	}

	switch ev.Kind {
	case stream.EventContent:
		o.mu.Lock()
		if !o.streaming || ev.Content == "" {
			o.mu.Unlock()
			return
		}
		o.output += ev.Content
		output := o.output
		o.mu.Unlock()
		if o.observer != nil {
			o.observer(ev.Content, output)
		}
	case stream.EventError:
		o.mu.Lock()
		o.err = ev.Error
		o.finish()
		o.mu.Unlock()
		o.logger.Error("inference failed", "error", ev.Error)
		o.client.Stop()
	}
}

func (o *Orchestrator) onError(err error) {
	unauthorized := stream.IsUnauthorized(err)
	if unauthorized && o.auth != nil {
		o.auth.ClearError()
	}

	o.mu.Lock()
	if unauthorized {
		o.err = session.ExpiredMessage
	} else {
		o.err = err.Error()
	}
	o.finish()
	o.mu.Unlock()

	o.logger.Error("inference failed", "status", stream.StatusCode(err), "error", err)
	if unauthorized && o.nav != nil {
		o.nav.Push(config.LoginPath)
	}
}

func (o *Orchestrator) onComplete() {
	o.mu.Lock()
	o.finish()
	n := len(o.output)
	o.mu.Unlock()
	o.logger.Info("inference completed", "output_bytes", n)
}

// finish ends the run; o.mu must be held
func (o *Orchestrator) finish() {
	o.streaming = false
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

// Start sends the current prompt and returns when the output has ended,
// failed or been stopped. Earlier output is discarded.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.streaming {
		o.mu.Unlock()
		return ErrBusy
	}
	o.output = ""
	o.err = ""
	o.streaming = true
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	prompt := o.prompt
	o.mu.Unlock()
	defer cancel()

	o.logger.Info("inference started", "model", o.model, "prompt_runes", len([]rune(prompt)))
	o.client.Start(runCtx, backend.NewInferenceRequest(prompt, o.model))

	if ctx.Err() != nil {
		o.Stop()
	}
	return nil
}

// Stop cancels the running inference. The output so far is kept.
func (o *Orchestrator) Stop() {
	o.client.Stop()
	o.mu.Lock()
	o.finish()
	o.mu.Unlock()
}

// SetPrompt replaces the prompt used by the next Start
func (o *Orchestrator) SetPrompt(prompt string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prompt = prompt
}

// ResetPrompt restores DefaultPrompt
func (o *Orchestrator) ResetPrompt() {
	o.SetPrompt(DefaultPrompt)
}

func (o *Orchestrator) Prompt() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prompt
}

// ClearOutput drops the output and the last error
func (o *Orchestrator) ClearOutput() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.output = ""
	o.err = ""
}

func (o *Orchestrator) Output() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.output
}

func (o *Orchestrator) HasOutput() bool {
	return o.Output() != ""
}

func (o *Orchestrator) IsStreaming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streaming
}

// Err returns the error of the last run, empty when it succeeded
func (o *Orchestrator) Err() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
