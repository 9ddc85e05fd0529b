package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "fgsvc/internal/transport"
	logx "fgsvc/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	texts []string
	menu  []kit.BotCommand
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) DeleteMessage(context.Context, kit.MessageRef) error    { return nil }
func (f *fakeAdapter) PinMessage(context.Context, kit.MessageRef, bool) error { return nil }
func (f *fakeAdapter) UnpinMessage(context.Context, kit.MessageRef) error     { return nil }
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error   { return nil }

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 100, FromID: from, Text: text}}
}

func start(t *testing.T, r *Router) chan<- kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func TestParseCommandLine(t *testing.T) {
	cmd, args, ok := parseCommandLine("  /Run@fg_bot sync force=1 ")
	require.True(t, ok)
	assert.Equal(t, "run", cmd)
	assert.Equal(t, []string{"sync", "force=1"}, args)

	for _, s := range []string{"hello", "/", "/ ", "/bad-name"} {
		_, _, ok = parseCommandLine(s)
		assert.False(t, ok, s)
	}

	pos, params := splitParams([]string{"sync", "Delay=5s", "=x"})
	assert.Equal(t, []string{"sync", "=x"}, pos)
	assert.Equal(t, map[string]string{"delay": "5s"}, params)

	assert.Empty(t, commandName(strings.Repeat("a", 33)))
}

func TestRouterDispatchesOwnerCommands(t *testing.T) {
	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, []int64{1})
	got := make(chan *Request, 1)
	r.SetCommands(context.Background(), []Command{{
		Name:    "run",
		Aliases: []string{"r"},
		Access:  AccessOwnerOnly,
		Handle: func(_ context.Context, req *Request) error {
			got <- req
			return nil
		},
	}})
	updates := start(t, r)

	updates <- msg(2, "/run sync")
	require.Eventually(t, func() bool { return ad.last() == "unauthorized" }, time.Second, 5*time.Millisecond)

	updates <- msg(1, "/r sync delay=1s")
	select {
	case req := <-got:
		assert.Equal(t, "run", req.Command)
		assert.Equal(t, []string{"sync"}, req.Args)
		assert.Equal(t, "1s", req.Params["delay"])
		assert.NotEmpty(t, req.ReqID)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	r.SetOwners([]int64{2})
	updates <- msg(1, "/run sync")
	require.Eventually(t, func() bool { return ad.last() == "unauthorized" }, time.Second, 5*time.Millisecond)
}

func TestRouterHelpAndMenu(t *testing.T) {
	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, nil)
	r.SetCommands(context.Background(), []Command{
		{Name: "Status", Description: "show state", Handle: func(context.Context, *Request) error { return nil }},
		{Name: "bad name", Handle: func(context.Context, *Request) error { return nil }},
		{Name: "nohandler"},
	})

	ad.mu.Lock()
	names := make([]string, 0, len(ad.menu))
	for _, c := range ad.menu {
		names = append(names, c.Command)
	}
	ad.mu.Unlock()
	assert.Equal(t, []string{"status", "help"}, names)

	updates := start(t, r)
	updates <- msg(5, "/help")
	require.Eventually(t, func() bool { return strings.Contains(ad.last(), "/status - show state") }, time.Second, 5*time.Millisecond)

	updates <- msg(5, "/nope")
	require.Eventually(t, func() bool { return strings.HasPrefix(ad.last(), "unknown command") }, time.Second, 5*time.Millisecond)
}

func TestRouterHandlerErrorsAndPanics(t *testing.T) {
	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, nil)
	r.SetCommands(context.Background(), []Command{
		{Name: "fail", Handle: func(context.Context, *Request) error { return errors.New("no <service>") }},
		{Name: "boom", Handle: func(context.Context, *Request) error { panic("boom") }},
	})
	updates := start(t, r)

	updates <- msg(1, "/fail")
	require.Eventually(t, func() bool { return ad.last() == "error: no &lt;service&gt;" }, time.Second, 5*time.Millisecond)

	updates <- msg(1, "/boom")
	require.Eventually(t, func() bool { return strings.Contains(ad.last(), "panic in /boom") }, time.Second, 5*time.Millisecond)
}

func TestRouterFallbacks(t *testing.T) {
	r := New(logx.Nop(), &fakeAdapter{}, nil)
	var mu sync.Mutex
	var seen []string
	r.AddFallback(func(_ context.Context, up kit.Update) bool {
		mu.Lock()
		defer mu.Unlock()
		if up.Callback != nil {
			seen = append(seen, "cb:"+up.Callback.Data)
			return true
		}
		return false
	})
	r.AddFallback(func(_ context.Context, up kit.Update) bool {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, "plain")
		return true
	})

	r.Route(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{Data: "x"}})
	r.Route(context.Background(), msg(1, "just text"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"cb:x", "plain"}, seen)
}
