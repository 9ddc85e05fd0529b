package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"fgsvc/internal/config"
	"fgsvc/internal/platform"
	"fgsvc/internal/scheduler"
	"fgsvc/internal/transport/telegram/router"
)

// commands is the operator command set. Everything that changes state is
// owner-only.
func (a *App) commands() []router.Command {
	owner := router.AccessOwnerOnly
	return []router.Command{
		{Name: "status", Description: "service state", Access: owner, Handle: a.cmdStatus},
		{Name: "start", Usage: "/start [title=..] [message=..]", Description: "start with the last config", Access: owner, Handle: a.cmdStart},
		{Name: "stop", Description: "release one start", Access: owner, Handle: a.cmdStop},
		{Name: "stopall", Aliases: []string{"stop_all"}, Description: "tear the service down", Access: owner, Handle: a.cmdStopAll},
		{Name: "run", Usage: "/run <task> [delay=5s] [loop_delay=1m] [key=value..]", Description: "run a task", Access: owner, Timeout: 15 * time.Second, Handle: a.cmdRun},
		{Name: "cancel_loop", Description: "stop the loop task", Access: owner, Handle: a.cmdCancelLoop},
		{Name: "check", Description: "reconcile now", Access: owner, Handle: a.cmdCheck},
		{Name: "restart", Description: "restart the service", Access: owner, Timeout: time.Minute, Handle: a.cmdRestart},
		{Name: "tasks", Description: "tasks and triggers", Access: owner, Handle: a.cmdTasks},
		{Name: "events", Usage: "/events [n]", Description: "recent journal entries", Access: owner, Handle: a.cmdEvents},
		{Name: "vendor", Description: "power settings target", Handle: a.cmdVendor},
	}
}

func (a *App) cmdStatus(ctx context.Context, req *router.Request) error {
	var b strings.Builder
	n := a.fg.IsRunning(ctx)
	fmt.Fprintf(&b, "<b>running</b>: %d\n", n)
	if inst := a.fg.Instance(); inst != nil {
		fmt.Fprintf(&b, "instance #%d on %s, notification %d, up %s\n",
			inst.Seq, esc(inst.Host), inst.NotificationID, time.Since(inst.StartedAt).Truncate(time.Second))
		if inst.ServiceType != "" {
			fmt.Fprintf(&b, "type: %s\n", esc(string(inst.ServiceType)))
		}
	}
	if l := a.fg.ActiveLoop(ctx); l != "" {
		fmt.Fprintf(&b, "loop: %s\n", esc(l))
	}
	fmt.Fprintf(&b, "monitoring: %t\n", a.fg.Monitoring())
	if s := a.fg.Snapshot(); s != nil {
		fmt.Fprintf(&b, "last check: %s (declared=%t observed=%t) at %s\n",
			esc(s.Inconsistency), s.DeclaredRunning, s.ObservedRunning, s.CheckedAt.Format(time.TimeOnly))
	}
	return req.Reply(ctx, b.String())
}

func (a *App) cmdStart(ctx context.Context, req *router.Request) error {
	cfg := a.fg.LastConfig()
	if cfg == nil {
		cfg = a.cfgm.Get().Notification.Autostart
	}
	if cfg == nil {
		return errors.New("no remembered or autostart config")
	}
	c := *cfg
	if v := req.Params["title"]; v != "" {
		c.Title = v
	}
	if v := req.Params["message"]; v != "" {
		c.Message = v
	}
	if err := a.fg.Start(ctx, c); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("started, running=%d", a.fg.IsRunning(ctx)))
}

func (a *App) cmdStop(ctx context.Context, req *router.Request) error {
	if err := a.fg.Stop(ctx); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("stopped one, running=%d", a.fg.IsRunning(ctx)))
}

func (a *App) cmdStopAll(ctx context.Context, req *router.Request) error {
	if err := a.fg.StopAll(ctx); err != nil {
		return err
	}
	return req.Reply(ctx, "stopped")
}

func (a *App) cmdRun(ctx context.Context, req *router.Request) error {
	d, err := descriptorFromRequest(req)
	if err != nil {
		return err
	}
	if err := a.fg.RunTask(ctx, d); err != nil {
		return err
	}
	msg := "dispatched " + esc(d.Name)
	switch {
	case d.Loop:
		msg += " as loop every " + d.LoopDelay.String()
	case d.Delay > 0:
		msg += " in " + d.Delay.String()
	}
	return req.Reply(ctx, msg)
}

// descriptorFromRequest maps "/run sync delay=5s a=1" onto a descriptor.
// delay, loop_delay and loop are reserved; other params become the payload.
func descriptorFromRequest(req *router.Request) (scheduler.Descriptor, error) {
	if len(req.Args) == 0 {
		return scheduler.Descriptor{}, errors.New("usage: /run <task> [key=value..]")
	}
	d := scheduler.Descriptor{Name: req.Args[0]}
	payload := map[string]any{}
	for k, v := range req.Params {
		var err error
		switch k {
		case "delay":
			d.Delay, err = config.ParseDurationField("delay", v)
		case "loop_delay":
			d.Loop = true
			d.LoopDelay, err = config.ParseDurationField("loop_delay", v)
		case "loop":
			d.Loop, err = strconv.ParseBool(v)
		default:
			payload[k] = v
		}
		if err != nil {
			return scheduler.Descriptor{}, err
		}
	}
	if len(payload) > 0 {
		d.Payload = payload
	}
	return d, nil
}

func (a *App) cmdCancelLoop(ctx context.Context, req *router.Request) error {
	name := a.fg.ActiveLoop(ctx)
	if err := a.fg.CancelLoop(ctx); err != nil {
		return err
	}
	if name == "" {
		return req.Reply(ctx, "no loop task")
	}
	return req.Reply(ctx, "cancelled "+esc(name))
}

func (a *App) cmdCheck(ctx context.Context, req *router.Request) error {
	s, err := a.fg.Check(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("%s: declared=%t observed=%t count=%d",
		esc(s.Inconsistency), s.DeclaredRunning, s.ObservedRunning, s.RunningCount))
}

func (a *App) cmdRestart(ctx context.Context, req *router.Request) error {
	cfg := a.fg.LastConfig()
	if cfg == nil {
		return errors.New("nothing to restart")
	}
	ok, err := a.fg.RestartService(ctx, *cfg)
	if err != nil {
		return err
	}
	if !ok {
		return req.Reply(ctx, "restart did not complete")
	}
	return req.Reply(ctx, "restarted")
}

func (a *App) cmdTasks(ctx context.Context, req *router.Request) error {
	var b strings.Builder
	es := a.engine.Snapshot()
	tasks := append([]string(nil), es.Tasks...)
	sort.Strings(tasks)
	fmt.Fprintf(&b, "<b>tasks</b> (%d queued, %d in flight)\n", es.QueueLen, es.InFlight)
	for _, t := range tasks {
		fmt.Fprintf(&b, "• %s\n", esc(t))
	}
	if entries := a.triggers.Entries(); len(entries) > 0 {
		b.WriteString("<b>triggers</b>\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "• %s → %s next %s\n", esc(e.Name), esc(e.Task), e.Next.Format(time.DateTime))
		}
	}
	if n := len(es.History); n > 0 {
		last := es.History[n-1]
		status := "ok"
		if last.Error != "" {
			status = esc(last.Error)
		}
		fmt.Fprintf(&b, "last run: %s in %s: %s\n", esc(last.Name), last.Duration.Truncate(time.Millisecond), status)
	}
	return req.Reply(ctx, b.String())
}

func (a *App) cmdEvents(ctx context.Context, req *router.Request) error {
	if a.store == nil {
		return errors.New("storage is disabled")
	}
	limit := 10
	if len(req.Args) > 0 {
		if n, err := strconv.Atoi(req.Args[0]); err == nil && n > 0 {
			limit = min(n, 50)
		}
	}
	entries, err := a.store.RecentEvents(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return req.Reply(ctx, "no events")
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s", e.At.Format(time.DateTime), esc(e.Type))
		if e.Code != "" {
			fmt.Fprintf(&b, " [%s]", esc(e.Code))
		}
		if e.Message != "" {
			fmt.Fprintf(&b, " %s", esc(e.Message))
		}
		b.WriteByte('\n')
	}
	return req.Reply(ctx, b.String())
}

func (a *App) cmdVendor(ctx context.Context, req *router.Request) error {
	info, err := platform.Detect(ctx, a.cfgm.Get().Platform.Vendor, nil)
	if err != nil {
		return err
	}
	t, known := platform.SettingsTarget(info.Vendor)
	msg := fmt.Sprintf("vendor: %s\ntarget: %s", esc(info.Vendor), esc(t.String()))
	if !known {
		msg += "\n(fallback)"
	}
	if t.Hint != "" {
		msg += "\n" + esc(t.Hint)
	}
	return req.Reply(ctx, msg)
}

func esc(s string) string { return html.EscapeString(s) }
