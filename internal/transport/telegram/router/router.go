// Package router dispatches chat commands ("/status", "/run sync") to
// handlers on a bounded worker pool. Updates no command claims are offered
// to fallback handlers, e.g. the notification renderer's button callbacks.
package router

import (
	"context"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "fgsvc/internal/runtime/supervisor"
	kit "fgsvc/internal/transport"
	logx "fgsvc/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Request is one parsed command invocation.
type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	// Args are the positional arguments; Params holds key=value arguments.
	Args   []string
	Params map[string]string
	ReqID  string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// Fallback gets updates no command handled and reports whether it took them.
type Fallback func(ctx context.Context, up kit.Update) bool

type Router struct {
	log     logx.Logger
	adapter kit.Adapter

	mu        sync.RWMutex
	cmds      map[string]*Command
	owners    []int64
	fallbacks []Fallback

	runMu sync.Mutex
	sup   *rtsup.Supervisor
	jobs  chan func()
}

func New(log logx.Logger, adapter kit.Adapter, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		cmds:    map[string]*Command{},
		owners:  slices.Clone(owners),
		jobs:    make(chan func(), 64),
	}
}

// SetOwners updates who may run AccessOwnerOnly commands. Safe during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(owners)
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// AddFallback registers fn for updates no command claims.
func (r *Router) AddFallback(fn Fallback) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.fallbacks = append(r.fallbacks, fn)
	r.mu.Unlock()
}

// SetCommands replaces the registry and publishes the chat menu when the
// adapter supports it. "help" is always added.
func (r *Router) SetCommands(ctx context.Context, cmds []Command) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Description: "list commands",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText())
		},
	})

	reg := make(map[string]*Command, len(cmds))
	menu := make([]kit.BotCommand, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := commandName(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		reg[name] = c
		menu = append(menu, kit.BotCommand{Command: name, Description: c.Description})
		for _, a := range c.Aliases {
			if a = commandName(a); a != "" {
				if _, exists := reg[a]; !exists {
					reg[a] = c
				}
			}
		}
	}

	r.mu.Lock()
	r.cmds = reg
	r.mu.Unlock()

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(mctx, menu); err != nil {
			r.log.Warn("menu update failed", logx.Err(err))
		}
	}
}

func (r *Router) helpText() string {
	r.mu.RLock()
	seen := map[*Command]bool{}
	var lines []string
	for _, c := range r.cmds {
		if seen[c] {
			continue
		}
		seen[c] = true
		line := "/" + c.Name
		if c.Usage != "" {
			line = c.Usage
		}
		if c.Description != "" {
			line += " - " + c.Description
		}
		lines = append(lines, escape(line))
	}
	r.mu.RUnlock()
	slices.Sort(lines)
	return "<b>Commands</b>\n" + strings.Join(lines, "\n")
}

// Run consumes updates until ctx ends or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(2, min(runtime.NumCPU(), 4))
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.runMu.Lock()
	r.sup = sup
	r.runMu.Unlock()

	jobs := r.jobs
	for i := 0; i < workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-jobs:
					job()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
		)
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
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

// Supervisor returns the worker supervisor while Run is active.
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// Route handles one update: commands are queued for the workers, anything
// else goes to the fallbacks in order.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	if up.Kind == kit.UpdateMessage && up.Message != nil {
		if r.routeMessage(ctx, up) {
			return
		}
	}
	r.mu.RLock()
	fbs := slices.Clone(r.fallbacks)
	r.mu.RUnlock()
	for _, fb := range fbs {
		if fb(ctx, up) {
			return
		}
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) bool {
	msg := up.Message
	word, args, ok := parseCommandLine(msg.Text)
	if !ok {
		return false
	}
	r.mu.RLock()
	cmd := r.cmds[word]
	r.mu.RUnlock()

	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if cmd == nil {
		_, _ = r.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return true
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		_, _ = r.adapter.SendText(ctx, chat, "unauthorized", nil)
		return true
	}

	rid := uuid.NewString()[:8]
	pos, params := splitParams(args)
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    pos,
		Params:  params,
		ReqID:   rid,
		Adapter: r.adapter,
		Logger:  r.log.With(logx.String("rid", rid), logx.String("cmd", cmd.Name), logx.Int64("from_id", msg.FromID)),
	}
	h := Chain(cmd.Handle, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(cmd.Timeout))

	select {
	case r.jobs <- func() {
		if err := h(ctx, req); err != nil {
			_ = req.Reply(ctx, "error: "+escape(err.Error()))
		}
	}:
	default:
		_, _ = r.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
	return true
}
