package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Handler receives the callbacks of one streaming session. OnMessage fires
// once per parsed line in arrival order. Exactly one of OnComplete or OnError
// fires when the stream ends, and neither fires after cancellation.
type Handler struct {
	OnMessage  func(Event)
	OnError    func(error)
	OnComplete func()
}

// Client POSTs a JSON payload and consumes the `data: ` lines of the response.
// A Client runs at most one session at a time.
type Client struct {
	endpoint   string
	handler    Handler
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer

	duration  metric.Float64Histogram
	received  metric.Int64Counter
	malformed metric.Int64Counter

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the client used for requests; it must not set a Timeout
// shorter than the longest expected stream.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTracer sets the tracer used for the per-session span
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

// WithMeter sets the meter used for stream instruments
func WithMeter(meter metric.Meter) Option {
	return func(c *Client) { c.initInstruments(meter) }
}

// New creates a streaming client for endpoint
func New(endpoint string, h Handler, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		handler:    h,
		httpClient: &http.Client{Timeout: 0}, // No timeout for SSE streams
		logger:     slog.Default(),
		tracer:     otel.Tracer("trafficeye/stream"),
	}
	c.initInstruments(otel.Meter("trafficeye/stream"))

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) initInstruments(meter metric.Meter) {
	var err error
	c.duration, err = meter.Float64Histogram(
		"sse.stream.duration",
		metric.WithDescription("Streaming session duration in milliseconds"),
	)
	if err != nil {
		c.logger.Warn("failed to create histogram", "error", err)
	}
	c.received, err = meter.Int64Counter(
		"sse.events.received",
		metric.WithDescription("Stream events delivered to handlers"),
	)
	if err != nil {
		c.logger.Warn("failed to create counter", "error", err)
	}
	c.malformed, err = meter.Int64Counter(
		"sse.lines.malformed",
		metric.WithDescription("Stream lines dropped because they were not valid JSON"),
	)
	if err != nil {
		c.logger.Warn("failed to create counter", "error", err)
	}
}

// Endpoint returns the URL the client posts to
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Active reports whether a session is in flight
func (c *Client) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Stop cancels the in-flight session. It is safe to call when idle.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Start runs one streaming session and returns when it has ended, failed or
// been cancelled. A session still running on this client is cancelled first.
func (c *Client) Start(ctx context.Context, payload any) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.cancel != nil {
		c.logger.Warn("cancelling previous stream session", "endpoint", c.endpoint)
		c.cancel()
	}
	c.cancel = cancel
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.gen == gen {
			c.cancel = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	ctx, span := c.tracer.Start(ctx, "sse_stream",
		trace.WithAttributes(attribute.String("sse.endpoint", c.endpoint)))
	defer span.End()

	start := time.Now()
	delivered, dec, err := c.run(ctx, payload)

	if c.duration != nil {
		c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("sse.endpoint", c.endpoint)))
	}
	span.SetAttributes(attribute.Int64("sse.events", delivered))
	if dec != nil {
		span.SetAttributes(attribute.Int64("sse.lines.malformed", dec.Malformed()))
		if c.malformed != nil && dec.Malformed() > 0 {
			c.malformed.Add(context.Background(), dec.Malformed())
		}
	}

	if ctx.Err() != nil {
		span.SetAttributes(attribute.Bool("sse.aborted", true))
		c.logger.Debug("stream aborted", "endpoint", c.endpoint, "events", delivered)
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("stream failed", "endpoint", c.endpoint, "status", StatusCode(err), "error", err)
		if c.handler.OnError != nil {
			c.handler.OnError(err)
		}
		return
	}

	c.logger.Info("stream completed", "endpoint", c.endpoint, "events", delivered,
		"duration_ms", time.Since(start).Milliseconds())
	if c.handler.OnComplete != nil {
		c.handler.OnComplete()
	}
}

func (c *Client) run(ctx context.Context, payload any) (int64, *Decoder, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, nil, newStatusError(resp)
	}

	dec := NewDecoder(c.logger)
	events, errc := dec.Run(ctx, resp.Body)

	var delivered int64
	for ev := range events {
		if ctx.Err() != nil {
			return delivered, dec, ctx.Err()
		}
		delivered++
		if c.received != nil {
			c.received.Add(ctx, 1, metric.WithAttributes(attribute.String("sse.kind", ev.Kind.String())))
		}
		if c.handler.OnMessage != nil {
			c.handler.OnMessage(ev)
		}
	}
	if ctx.Err() != nil {
		return delivered, dec, ctx.Err()
	}

	if err := <-errc; err != nil {
		return delivered, dec, fmt.Errorf("failed to read stream: %w", err)
	}
	return delivered, dec, nil
}
