// Package router turns transport updates into command and callback handler
// calls. Handlers run on a bounded worker pool owned by a supervisor.
package router

import (
	"context"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "moodping/internal/runtime/supervisor"
	kit "moodping/internal/transport"
	logx "moodping/pkg/logx"

	"github.com/google/uuid"
)

type Command struct {
	// Name without the leading slash, e.g. "times".
	Name        string
	Description string
	Usage       string
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CallbackRoute handles inline button presses whose data equals Data.
type CallbackRoute struct {
	Data    string
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Log     logx.Logger

	// Set for callback updates.
	Callback *kit.Callback
	// Answer is shown to the user as the callback toast. Handlers may set it.
	Answer string

	Adapter kit.Adapter
}

// Reply sends text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyButtons sends text with one row of inline buttons.
func (r *Request) ReplyButtons(ctx context.Context, text string, buttons ...kit.Button) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, Keyboard: [][]kit.Button{buttons}})
	return err
}

type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
}

type Router struct {
	cfg     Config
	log     logx.Logger
	adapter kit.Adapter

	mu        sync.RWMutex
	commands  map[string]Command
	callbacks map[string]CallbackRoute
	touch     func(ctx context.Context, userID int64) error

	jobs chan func(context.Context)

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cfg:       cfg,
		log:       log,
		adapter:   adapter,
		commands:  map[string]Command{},
		callbacks: map[string]CallbackRoute{},
		jobs:      make(chan func(context.Context), cfg.QueueSize),
	}
}

func (r *Router) Handle(cmd Command) {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cmd.Name), "/"))
	if name == "" || cmd.Handle == nil {
		return
	}
	cmd.Name = name
	r.mu.Lock()
	r.commands[name] = cmd
	r.mu.Unlock()
}

func (r *Router) HandleCallback(route CallbackRoute) {
	if route.Data == "" || route.Handle == nil {
		return
	}
	r.mu.Lock()
	r.callbacks[route.Data] = route
	r.mu.Unlock()
}

// OnActivity sets the hook run for every incoming message and callback.
func (r *Router) OnActivity(fn func(ctx context.Context, userID int64) error) {
	r.mu.Lock()
	r.touch = fn
	r.mu.Unlock()
}

// Commands lists registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MenuCommands lists registered commands sorted by name.
func (r *Router) MenuCommands() []kit.BotCommand {
	cmds := r.Commands()
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// PublishMenu pushes the command list to adapters that support a menu.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return up.UpdateMenuCommands(ctx, r.MenuCommands())
}

// Supervisor returns the worker pool supervisor while Run is active.
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// Run dispatches updates until ctx is done or updates is closed. Queued
// requests are drained for a short grace period before Run returns.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("pool", "router"))),
		rtsup.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("job_queue_cap", cap(r.jobs)))

	done := make(chan struct{})
	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case <-done:
					r.drain(c)
					return nil
				case job := <-r.jobs:
					r.runJob(c, idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		close(done)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.setSupervisor(nil, false)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) drain(ctx context.Context) {
	for {
		select {
		case job := <-r.jobs:
			r.runJob(ctx, -1, job)
		default:
			return
		}
	}
}

func (r *Router) runJob(ctx context.Context, worker int, job func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job(ctx)
}

func (r *Router) enqueue(job func(context.Context)) bool {
	select {
	case r.jobs <- job:
		return true
	default:
		return false
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID}
	name, args := parseCommand(msg.Text)

	r.mu.RLock()
	cmd, known := r.commands[name]
	touch := r.touch
	r.mu.RUnlock()

	var h HandlerFunc
	timeout := r.cfg.DefaultTimeout
	switch {
	case name == "":
		// Plain text still counts as activity.
		h = func(context.Context, *Request) error { return nil }
	case !known:
		h = func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "Unknown command. Try /settings or /start.")
		}
	default:
		h = cmd.Handle
		if cmd.Timeout > 0 {
			timeout = cmd.Timeout
		}
	}

	req := r.newRequest(up, chat, msg.FromID, name)
	req.Args = args
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
		MWActivity(touch),
	)
	if !r.enqueue(func(c context.Context) { _ = final(c, req) }) {
		_, _ = r.adapter.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	data := strings.TrimSpace(cb.Data)

	r.mu.RLock()
	route, ok := r.callbacks[data]
	touch := r.touch
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "This button is no longer supported.")
		return
	}
	timeout := r.cfg.DefaultTimeout
	if route.Timeout > 0 {
		timeout = route.Timeout
	}

	req := r.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID}, cb.FromID, "cb:"+data)
	req.Callback = cb
	final := Chain(route.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
		MWActivity(touch),
	)
	if !r.enqueue(func(c context.Context) {
		if err := final(c, req); err != nil && req.Answer == "" {
			req.Answer = "Something went wrong, try again later."
		}
		// Always answer so the client stops its spinner.
		_ = r.adapter.AnswerCallback(c, cb.ID, req.Answer)
	}) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "Busy, try again.")
	}
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, from int64, command string) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Command: command,
		ReqID:   rid,
		Adapter: r.adapter,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", command),
		),
	}
}

// parseCommand splits "/times@moodbot 09:00 21:00" into ("times",
// ["09:00", "21:00"]). Non-command text gives an empty name.
func parseCommand(text string) (string, []string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), fields[1:]
}

func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
