// Package router turns Telegram updates into command and poll-answer
// handler calls on a bounded worker pool.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "discquiz/internal/runtime/supervisor"
	kit "discquiz/internal/transport"
	logx "discquiz/pkg/logx"
	"discquiz/pkg/tgui"
)

const (
	TextNoPermission = "You do not have permission to use this bot."
	textBusy         = "The bot is busy, please try again."

	defaultCommandTimeout = 30 * time.Second
	defaultAnswerTimeout  = 15 * time.Second
)

type Access int

const (
	AccessAdminOnly Access = iota
	AccessEveryone
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // 0 means the router default
	Handle      HandlerFunc
}

// Sender is the part of the gateway the router replies through.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// AnswerFunc consumes one poll answer.
type AnswerFunc func(ctx context.Context, a kit.PollAnswer) error

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	IsGroup      bool
	Command      string
	Args         []string
	ReqID        string

	Sender Sender
	Logger logx.Logger
}

// Reply sends plain text to the chat (and forum thread) the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (r *Request) ReplyHTML(ctx context.Context, h tgui.H) error {
	_, err := r.Sender.SendText(ctx, r.Chat, h.String(), &kit.SendOptions{ParseMode: tgui.ParseMode, DisablePreview: true})
	return err
}

// Arg returns the i-th argument or "".
func (r *Request) Arg(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}
	return r.Args[i]
}

type Option func(*Router)

func WithWorkers(n int) Option { return func(r *Router) { r.workers = n } }

func WithQueueSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.jobs = make(chan func(context.Context), n)
		}
	}
}

// WithMenuContext sets the context menu updates run under.
func WithMenuContext(ctx context.Context) Option { return func(r *Router) { r.menuCtx = ctx } }

type Router struct {
	mu       sync.RWMutex
	commands map[string]*Command
	alias    map[string]*Command
	ordered  []*Command
	admins   map[int64]struct{}
	answers  AnswerFunc

	log     logx.Logger
	sender  Sender
	workers int
	menuCtx context.Context

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func(context.Context)
}

func New(log logx.Logger, sender Sender, admins []int64, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		commands: map[string]*Command{},
		alias:    map[string]*Command{},
		log:      log,
		sender:   sender,
		jobs:     make(chan func(context.Context), 256),
		menuCtx:  context.Background(),
	}
	r.SetAdmins(admins)
	for _, o := range opts {
		o(r)
	}
	if r.workers <= 0 {
		r.workers = max(runtime.NumCPU(), 2)
	}
	return r
}

// SetAdmins replaces the admin list. Safe during hot reload.
func (r *Router) SetAdmins(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	r.mu.Lock()
	r.admins = m
	r.mu.Unlock()
}

func (r *Router) IsAdmin(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.admins[id]
	return ok
}

func (r *Router) SetAnswers(fn AnswerFunc) {
	r.mu.Lock()
	r.answers = fn
	r.mu.Unlock()
}

// SetCommands installs the command set (plus /help) and publishes the bot
// menu when the sender supports it.
func (r *Router) SetCommands(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Description: "list commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, r.helpText())
		},
	})

	byName := map[string]*Command{}
	alias := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		if _, dup := byName[name]; dup {
			r.log.Warn("duplicate command ignored", logx.String("cmd", name))
			continue
		}
		byName[name] = &cc
		ordered = append(ordered, &cc)
		for _, a := range cc.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := byName[a]; !exists {
				alias[a] = &cc
			}
		}
	}

	r.mu.Lock()
	r.commands = byName
	r.alias = alias
	r.ordered = ordered
	r.mu.Unlock()

	if up, ok := r.sender.(kit.CommandMenuUpdater); ok {
		menu := buildMenuCommands(ordered)
		go func() {
			ctx, cancel := context.WithTimeout(r.menuCtx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

func (r *Router) lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.commands[name]; ok {
		return c, true
	}
	c, ok := r.alias[name]
	return c, ok
}

// Supervisor returns the worker pool supervisor (nil when not running).
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

// tryEnqueue also survives a closed jobs channel.
func (r *Router) tryEnqueue(fn func(context.Context)) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run routes updates until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	jobs := r.jobs
	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					r.runJob(c, idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
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
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(ctx context.Context, worker int, job func(context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	job(ctx)
}

// Route classifies one update and queues its handler.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdatePollAnswer:
		r.routeAnswer(up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	cmd, ok := r.lookup(name)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if cmd.Access == AccessAdminOnly && !r.IsAdmin(msg.FromID) {
		r.log.Info("command denied", logx.String("cmd", cmd.Name), logx.Int64("from_id", msg.FromID), logx.Int64("chat_id", msg.ChatID))
		_, _ = r.sender.SendText(ctx, chat, TextNoPermission, nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		IsGroup:      msg.IsGroup,
		Command:      cmd.Name,
		Args:         args,
		ReqID:        rid,
		Sender:       r.sender,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	if !r.tryEnqueue(func(c context.Context) { _ = final(c, req) }) {
		r.log.Warn("command rejected: queue full", logx.String("cmd", cmd.Name))
		_, _ = r.sender.SendText(ctx, chat, textBusy, nil)
	}
}

func (r *Router) routeAnswer(up kit.Update) {
	a := up.PollAnswer
	if a == nil {
		return
	}
	r.mu.RLock()
	fn := r.answers
	r.mu.RUnlock()
	if fn == nil {
		return
	}
	ans := *a
	if !r.tryEnqueue(func(c context.Context) {
		ctx, cancel := context.WithTimeout(c, defaultAnswerTimeout)
		defer cancel()
		if err := fn(ctx, ans); err != nil {
			r.log.Warn("poll answer failed", logx.String("poll_id", ans.PollID), logx.Int64("user_id", ans.UserID), logx.Err(err))
		}
	}) {
		r.log.Warn("poll answer dropped: queue full", logx.String("poll_id", ans.PollID), logx.Int64("user_id", ans.UserID))
	}
}
