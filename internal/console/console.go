package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

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

const reportLimit = 10

// Deps are the collaborators the console drives
type Deps struct {
	Config    config.Config
	API       *backend.Client
	Auth      *session.AuthState
	Router    *session.Router
	Chat      *chat.Orchestrator
	Analysis  *analysis.Orchestrator
	Inference *inference.Orchestrator
	Cache     *cache.Conversations
	Store     *store.Store
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
}

// Console is the interactive terminal front-end
type Console struct {
	Deps

	mu         sync.Mutex
	lastStep   int
	printed    int
	lastStatus string
}

// New creates a console. Nil In/Out default to stdin/stdout.
func New(d Deps) *Console {
	if d.In == nil {
		d.In = os.Stdin
	}
	if d.Out == nil {
		d.Out = os.Stdout
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	c := &Console{Deps: d}
	if d.Router != nil {
		d.Router.OnNavigate(c.onNavigate)
	}
	return c
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.Out, format, args...)
}

func (c *Console) onNavigate(path string) {
	if path == config.LoginPath {
		c.Auth.SetUser(nil)
		c.printf("\n%s，请使用 /login 重新登录\n", session.ExpiredMessage)
	}
}

// RenderChat prints chat events as they arrive
func (c *Console) RenderChat(ev stream.Event, msg session.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case stream.EventStatus:
		c.printf("[%s]\n", ev.StatusLine())
	case stream.EventContent:
		c.printf("%s", ev.Content)
	}
}

// RenderAnalysis prints the running stage and its streamed text
func (c *Console) RenderAnalysis(st analysis.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var running *pipeline.Step
	for i := range st.Steps {
		if st.Steps[i].Status == pipeline.StatusRunning {
			running = &st.Steps[i]
		}
	}
	if running == nil {
		return
	}
	if running.ID != c.lastStep {
		c.lastStep = running.ID
		c.printed = 0
		c.lastStatus = ""
		c.printf("\n== 步骤 %d: %s ==\n", running.ID, running.Title)
	}
	if st.Status != "" && st.Status != c.lastStatus {
		c.lastStatus = st.Status
		c.printf("[%s]\n", st.Status)
	}
	if len(st.StreamingContent) > c.printed {
		c.printf("%s", st.StreamingContent[c.printed:])
		c.printed = len(st.StreamingContent)
	}
}

// RenderInference prints inference output as it arrives
func (c *Console) RenderInference(fragment, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("%s", fragment)
}

// interruptible returns a context cancelled by Ctrl-C
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

// handleCommand handles slash commands; it reports whether to quit
func (c *Console) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/login":
		username, password := c.Config.Username, c.Config.Password
		if len(parts) >= 3 {
			username, password = parts[1], parts[2]
		}
		if username == "" {
			return false, fmt.Errorf("usage: /login <username> <password>")
		}
		return false, c.login(ctx, username, password)

	case "/register":
		if len(parts) < 4 {
			return false, fmt.Errorf("usage: /register <username> <email> <password>")
		}
		user, err := c.API.Register(ctx, parts[1], parts[2], parts[3])
		if err != nil {
			return false, fmt.Errorf("registration failed: %w", err)
		}
		c.Auth.SetUser(user)
		c.Router.Push("/")
		c.printf("Registered and logged in as %s\n", user.Username)
		return false, nil

	case "/logout":
		if err := c.API.Logout(ctx); err != nil {
			return false, fmt.Errorf("logout failed: %w", err)
		}
		c.Auth.SetUser(nil)
		c.Cache.Invalidate()
		c.Router.Push(config.LoginPath)
		return false, nil

	case "/whoami":
		user, err := c.API.Me(ctx)
		if err != nil {
			return false, err
		}
		c.Auth.SetUser(user)
		c.printf("%s (id %d)\n", user.Username, user.ID)
		return false, nil

	case "/upload":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /upload <video path>")
		}
		return false, c.upload(ctx, parts[1])

	case "/clear-video":
		c.Analysis.ClearVideoFile()
		c.Chat.SetMediaFilename("")
		fmt.Fprintln(c.Out, "Video cleared")
		return false, nil

	case "/analyze":
		return false, c.analyze(ctx)

	case "/reset":
		c.Analysis.ResetAnalysis()
		fmt.Fprintln(c.Out, "Analysis reset")
		return false, nil

	case "/steps":
		c.printSteps(c.Analysis.Snapshot())
		return false, nil

	case "/step":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /step <1-4>")
		}
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			return false, fmt.Errorf("invalid step: %s", parts[1])
		}
		if !c.Analysis.GoToStep(id) {
			return false, fmt.Errorf("step %d is not reachable yet", id)
		}
		st := c.Analysis.Snapshot()
		step := st.Steps[id-1]
		c.printf("步骤 %d: %s [%s]\n%s\n", step.ID, step.Title, step.Status, step.Result)
		return false, nil

	case "/reports":
		reports, err := c.Store.ListReports(ctx, reportLimit)
		if err != nil {
			return false, err
		}
		if len(reports) == 0 {
			fmt.Fprintln(c.Out, "No saved reports.")
			return false, nil
		}
		for _, r := range reports {
			c.printf("%d. %s  %s\n", r.ID, r.CreatedAt.Format(time.DateTime), r.Video)
		}
		return false, nil

	case "/conversations":
		convs, err := c.Cache.List(ctx, c.API)
		if err != nil {
			return false, fmt.Errorf("failed to list conversations: %w", err)
		}
		active := c.Chat.ConversationID()
		for _, conv := range convs {
			marker := ""
			if conv.ID == active {
				marker = " (current)"
			}
			c.printf("%d. %s%s\n", conv.ID, conv.Title, marker)
		}
		return false, nil

	case "/load":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /load <conversation id>")
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return false, fmt.Errorf("invalid conversation id: %s", parts[1])
		}
		return false, c.load(ctx, id)

	case "/new":
		c.Chat.ClearChat()
		c.Chat.SetConversation(0)
		c.Cache.SetActive(0)
		fmt.Fprintln(c.Out, "Started a new conversation")
		return false, nil

	case "/clear":
		c.Chat.ClearChat()
		return false, nil

	case "/settings":
		return false, c.settings(ctx, parts[1:])

	case "/prompt":
		arg := promptArg(cmd, parts[0])
		switch arg {
		case "":
			c.printf("%s\n", c.Inference.Prompt())
		case "reset":
			c.Inference.ResetPrompt()
			fmt.Fprintln(c.Out, "Prompt reset")
		default:
			c.Inference.SetPrompt(arg)
			fmt.Fprintln(c.Out, "Prompt updated")
		}
		return false, nil

	case "/infer":
		if arg := promptArg(cmd, parts[0]); arg != "" {
			c.Inference.SetPrompt(arg)
		}
		return false, c.infer(ctx)

	case "/infer-clear":
		c.Inference.ClearOutput()
		fmt.Fprintln(c.Out, "Inference output cleared")
		return false, nil

	case "/help":
		fmt.Fprintln(c.Out, "Available commands:")
		fmt.Fprintln(c.Out, "  /login [user] [password]      - Log in (defaults to configured credentials)")
		fmt.Fprintln(c.Out, "  /register <user> <email> <pw> - Create an account")
		fmt.Fprintln(c.Out, "  /logout, /whoami              - End or show the session")
		fmt.Fprintln(c.Out, "  /upload <path>                - Upload a surveillance video")
		fmt.Fprintln(c.Out, "  /clear-video                  - Forget the uploaded video")
		fmt.Fprintln(c.Out, "  /analyze                      - Run detection, plate recognition and report (Ctrl-C stops)")
		fmt.Fprintln(c.Out, "  /reset                        - Clear analysis results")
		fmt.Fprintln(c.Out, "  /steps, /step <n>             - Show pipeline steps")
		fmt.Fprintln(c.Out, "  /reports                      - List saved reports")
		fmt.Fprintln(c.Out, "  /conversations, /load <id>    - Browse conversations")
		fmt.Fprintln(c.Out, "  /new, /clear                  - Start a new conversation or clear the screen history")
		fmt.Fprintln(c.Out, "  /settings [key=value ...]     - Show or update API keys (dashscope, gemini)")
		fmt.Fprintln(c.Out, "  /prompt [reset|text]          - Show, reset or replace the inference prompt (\\n for newlines)")
		fmt.Fprintln(c.Out, "  /infer [text], /infer-clear   - Run the inference prompt with gemini, or clear its output")
		fmt.Fprintln(c.Out, "  /quit, /exit                  - Exit")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *Console) login(ctx context.Context, username, password string) error {
	user, err := c.API.Login(ctx, username, password, c.Config.RememberMe)
	if err != nil {
		c.Auth.SetError(err.Error())
		return fmt.Errorf("login failed: %w", err)
	}
	c.Auth.ClearError()
	c.Auth.SetUser(user)
	c.Cache.Invalidate()
	c.Router.Push("/")
	c.printf("Logged in as %s\n", user.Username)
	return nil
}

func (c *Console) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open video: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat video: %w", err)
	}

	res, err := c.API.UploadVideo(ctx, filepath.Base(path), f)
	if err != nil {
		return err
	}

	c.Analysis.SetVideoFile(res.Filename, info.Size())
	c.Chat.SetMediaFilename(res.Filename)
	c.printf("%s\n", pipeline.UploadSummary(filepath.Base(path), info.Size()))
	c.Logger.Info("video uploaded", "path", path, "filename", res.Filename, "size", info.Size())
	return nil
}

func (c *Console) analyze(ctx context.Context) error {
	ctx, stop := interruptible(ctx)
	defer stop()

	c.mu.Lock()
	c.lastStep = 0
	c.printed = 0
	c.lastStatus = ""
	c.mu.Unlock()

	err := c.Analysis.StartAnalysis(ctx)
	fmt.Fprintln(c.Out)
	if ctx.Err() != nil {
		fmt.Fprintln(c.Out, "Analysis stopped")
	}
	c.printSteps(c.Analysis.Snapshot())
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("analysis failed: %w", err)
	}
	return nil
}

func (c *Console) infer(ctx context.Context) error {
	ctx, stop := interruptible(ctx)
	defer stop()

	if err := c.Inference.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.Out)
	if ctx.Err() != nil {
		fmt.Fprintln(c.Out, "Inference stopped")
	}
	if msg := c.Inference.Err(); msg != "" {
		return fmt.Errorf("inference failed: %s", msg)
	}
	return nil
}

// promptArg returns the raw text after name, with literal \n turned into
// newlines so a multi-line prompt fits on one input line
func promptArg(cmd, name string) string {
	arg := strings.TrimSpace(strings.TrimPrefix(cmd, name))
	return strings.ReplaceAll(arg, `\n`, "\n")
}

func (c *Console) printSteps(st analysis.State) {
	for _, step := range st.Steps {
		marker := " "
		if step.ID == st.CurrentStep {
			marker = ">"
		}
		c.printf("%s %d. %s [%s]", marker, step.ID, step.Title, step.Status)
		if step.Error != "" {
			c.printf(" %s", step.Error)
		}
		fmt.Fprintln(c.Out)
	}
}

func (c *Console) load(ctx context.Context, id int64) error {
	detail, err := c.API.GetConversation(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	msgs := make([]session.ChatMessage, 0, len(detail.Messages))
	for _, m := range detail.Messages {
		ts, _ := time.ParseInLocation("2006-01-02T15:04:05.999999", m.CreatedAt, time.Local)
		msgs = append(msgs, session.ChatMessage{
			ID:        strconv.FormatInt(m.ID, 10),
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: ts,
		})
	}
	if err := c.Chat.Load(id, msgs); err != nil {
		return err
	}
	c.Cache.SetActive(id)

	for _, m := range msgs {
		c.printf("%s: %s\n", speaker(m.Role), m.Content)
	}
	return nil
}

func (c *Console) settings(ctx context.Context, args []string) error {
	current, err := c.API.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if len(args) == 0 {
		c.printf("dashscope: %s\ngemini:    %s\n", mask(current.DashscopeKey), mask(current.GeminiKey))
		return nil
	}

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("usage: /settings dashscope=<key> gemini=<key>")
		}
		switch key {
		case "dashscope":
			current.DashscopeKey = value
		case "gemini":
			current.GeminiKey = value
		default:
			return fmt.Errorf("unknown setting: %s", key)
		}
	}
	if err := c.API.SaveSettings(ctx, *current); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Fprintln(c.Out, "Settings saved")
	return nil
}

func mask(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

func speaker(role string) string {
	if role == session.RoleUser {
		return "You"
	}
	return "Bot"
}

func (c *Console) send(ctx context.Context, input string) {
	ctx, stop := interruptible(ctx)
	defer stop()

	fmt.Fprint(c.Out, "Bot: ")
	c.Chat.SendMessage(ctx, input)
	fmt.Fprint(c.Out, "\n\n")

	if msg := c.Chat.Err(); msg != "" {
		c.printf("Error: %s\n", msg)
	}
}

// Run starts the read-eval loop and returns when input ends or on /quit
func (c *Console) Run(ctx context.Context) error {
	fmt.Fprintln(c.Out, "=== TrafficEye ===")
	fmt.Fprintf(c.Out, "Backend: %s\n", c.Config.BaseURL)
	fmt.Fprintln(c.Out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(c.Out)

	if c.Config.Username != "" {
		if err := c.login(ctx, c.Config.Username, c.Config.Password); err != nil {
			c.printf("Error: %v\n", err)
			c.Logger.Error("automatic login failed", "error", err)
		}
	}

	scanner := bufio.NewScanner(c.In)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(c.Out, "You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := c.handleCommand(ctx, input)
			if err != nil {
				c.printf("Error: %v\n", err)
				c.Logger.Error("command error", "command", input, "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		c.send(ctx, input)
	}

	fmt.Fprintln(c.Out, "Goodbye!")
	return scanner.Err()
}
