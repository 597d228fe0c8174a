package chat

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"TrafficEye/internal/backend"
	"TrafficEye/internal/cache"
	"TrafficEye/internal/config"
	"TrafficEye/internal/session"
	"TrafficEye/internal/stream"
)

// SessionExpiredMessage is the user-facing text for a 401 during a turn
const SessionExpiredMessage = session.ExpiredMessage

const titleRunes = 30

// ConversationService creates server-side conversations
type ConversationService interface {
	CreateConversation(ctx context.Context, title string) (*session.Conversation, error)
}

// TranscriptSink persists the message list after each turn
type TranscriptSink interface {
	SaveTranscript(ctx context.Context, id string, conversationID int64, messages []session.ChatMessage) error
}

// Options configures an Orchestrator
type Options struct {
	BaseURL       string
	Model         string
	HTTPClient    *http.Client
	Auth          session.AuthService
	Navigator     session.Navigator
	Logger        *slog.Logger
	Tracer        trace.Tracer
	Meter         metric.Meter
	Conversations ConversationService
	Cache         *cache.Conversations
	Transcripts   TranscriptSink
	// Observer sees every event applied to the assistant message
	Observer      func(ev stream.Event, msg session.ChatMessage)
}

// Orchestrator runs single-turn chat against the inference stream
type Orchestrator struct {
	client   *stream.Client
	model    string
	auth     session.AuthService
	nav      session.Navigator
	logger   *slog.Logger
	convs    ConversationService
	cache    *cache.Conversations
	sink     TranscriptSink
	observer func(stream.Event, session.ChatMessage)

	mu             sync.Mutex
	messages       []session.ChatMessage
	streaming      bool
	cancel         context.CancelFunc
	buffer         string
	err            string
	conversationID int64
	mediaFilename  string
	transcriptID   string
}

// New creates a chat orchestrator
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Model == "" {
		opts.Model = config.ModelDashscope
	}
	o := &Orchestrator{
		model:        opts.Model,
		auth:         opts.Auth,
		nav:          opts.Navigator,
		logger:       opts.Logger,
		convs:        opts.Conversations,
		cache:        opts.Cache,
		sink:         opts.Transcripts,
		observer:     opts.Observer,
		transcriptID: newID(time.Now()),
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

func newID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// last returns the trailing assistant message; o.mu must be held
func (o *Orchestrator) last() *session.ChatMessage {
	if len(o.messages) == 0 {
		return nil
	}
	msg := &o.messages[len(o.messages)-1]
	if msg.Role != session.RoleAssistant {
		return nil
	}
	return msg
}

func (o *Orchestrator) onEvent(ev stream.Event) {
	if msg, ok := ev.TextError(); ok {
		o.logger.Warn("backend reported an error as text", "error", msg)
		ev = stream.Event{Kind: stream.EventError, Error: msg, Raw: ev.Raw}
	}

	o.mu.Lock()
	msg := o.last()
	if msg == nil || !o.streaming {
		o.mu.Unlock()
		return
	}

	switch ev.Kind {
	case stream.EventStatus:
		msg.Content = ev.StatusLine()
	case stream.EventContent:
		if ev.Content == "" {
			o.mu.Unlock()
			return
		}
		o.buffer += ev.Content
		msg.Content = o.buffer
	case stream.EventError:
		o.err = ev.Error
		o.streaming = false
		msg.IsStreaming = false
	default:
		o.mu.Unlock()
		return
	}
	snapshot := *msg
	o.mu.Unlock()

	if ev.Kind == stream.EventError {
		o.logger.Error("chat turn failed", "error", ev.Error)
		o.client.Stop()
	}
	if o.observer != nil {
		o.observer(ev, snapshot)
	}
}

func (o *Orchestrator) onError(err error) {
	unauthorized := stream.IsUnauthorized(err)
	if unauthorized && o.auth != nil {
		o.auth.ClearError()
	}

	o.mu.Lock()
	if unauthorized {
		o.err = SessionExpiredMessage
	} else {
		o.err = err.Error()
	}
	o.finish()
	o.mu.Unlock()

	o.logger.Error("chat turn failed", "status", stream.StatusCode(err), "error", err)
	if unauthorized && o.nav != nil {
		o.nav.Push(config.LoginPath)
	}
}

func (o *Orchestrator) onComplete() {
	o.mu.Lock()
	o.finish()
	o.mu.Unlock()
}

// finish ends the turn; o.mu must be held
func (o *Orchestrator) finish() {
	o.streaming = false
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if msg := o.last(); msg != nil {
		msg.IsStreaming = false
	}
}

// SendMessage runs one turn and returns when the assistant reply has ended.
// Blank text and sends during an active turn are ignored.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	o.mu.Lock()
	if o.streaming {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	o.messages = append(o.messages,
		session.ChatMessage{ID: newID(now), Role: session.RoleUser, Content: text, Timestamp: now},
		session.ChatMessage{ID: newID(now.Add(time.Millisecond)), Role: session.RoleAssistant, Timestamp: now, IsStreaming: true},
	)
	o.buffer = ""
	o.err = ""
	o.streaming = true
	turnCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	convID := o.conversationID
	media := o.mediaFilename
	o.mu.Unlock()
	defer cancel()

	if convID == 0 {
		convID = o.createConversation(turnCtx, text)
	}

	req := backend.NewInferenceRequest(text, o.model)
	if convID != 0 {
		req.ConversationID = &convID
	}
	req.MediaFilename = media

	// A turn stopped before this point never opens its stream.
	o.logger.Info("chat turn started", "conversation_id", convID, "has_media", media != "")
	o.client.Start(turnCtx, req)

	if ctx.Err() != nil {
		o.StopStreaming()
	}
	o.persist(ctx)
}

func (o *Orchestrator) createConversation(ctx context.Context, text string) int64 {
	if o.convs == nil {
		return 0
	}
	title := text
	if r := []rune(text); len(r) > titleRunes {
		title = string(r[:titleRunes])
	}

	conv, err := o.convs.CreateConversation(ctx, title)
	if err != nil {
		o.logger.Warn("failed to create conversation", "error", err)
		return 0
	}

	o.mu.Lock()
	o.conversationID = conv.ID
	o.mu.Unlock()
	if o.cache != nil {
		o.cache.Add(*conv)
		o.cache.SetActive(conv.ID)
	}
	o.logger.Info("conversation created", "conversation_id", conv.ID)
	return conv.ID
}

func (o *Orchestrator) persist(ctx context.Context) {
	if o.sink == nil {
		return
	}
	o.mu.Lock()
	id, convID := o.transcriptID, o.conversationID
	msgs := append([]session.ChatMessage(nil), o.messages...)
	o.mu.Unlock()
	if len(msgs) == 0 {
		// Cleared during the turn.
		return
	}

	if err := o.sink.SaveTranscript(context.WithoutCancel(ctx), id, convID, msgs); err != nil {
		o.logger.Error("failed to save transcript", "transcript_id", id, "error", err)
	}
}

// StopStreaming cancels the active turn. Stopping is not an error.
func (o *Orchestrator) StopStreaming() {
	o.client.Stop()
	o.mu.Lock()
	o.finish()
	o.mu.Unlock()
}

// ClearChat drops every message and starts a new transcript
func (o *Orchestrator) ClearChat() {
	o.client.Stop()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = nil
	o.buffer = ""
	o.err = ""
	o.finish()
	o.transcriptID = newID(time.Now())
}

// Load replaces the message list with a stored conversation
func (o *Orchestrator) Load(conversationID int64, msgs []session.ChatMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.streaming {
		return errors.New("cannot load a conversation while streaming")
	}
	o.messages = append([]session.ChatMessage(nil), msgs...)
	o.buffer = ""
	o.err = ""
	o.conversationID = conversationID
	o.transcriptID = newID(time.Now())
	return nil
}

// Messages returns a copy of the message list
func (o *Orchestrator) Messages() []session.ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]session.ChatMessage(nil), o.messages...)
}

// IsStreaming reports whether a turn is in flight
func (o *Orchestrator) IsStreaming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streaming
}

// Err returns the error of the last turn, empty when it succeeded
func (o *Orchestrator) Err() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// SetConversation selects the conversation new turns belong to; 0 starts a
// new one on the next send
func (o *Orchestrator) SetConversation(id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conversationID = id
}

// ConversationID returns the active conversation, 0 when none
func (o *Orchestrator) ConversationID() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conversationID
}

// SetMediaFilename attaches a previously uploaded video to following turns
func (o *Orchestrator) SetMediaFilename(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mediaFilename = name
}
