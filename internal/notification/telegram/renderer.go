// Package telegram renders notifications as Telegram messages that are
// edited in place and optionally pinned.
package telegram

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"

	"fgsvc/internal/eventbus"
	"fgsvc/internal/notification"
	"fgsvc/internal/svcerr"
	kit "fgsvc/internal/transport"
	logx "fgsvc/pkg/logx"
)

// CallbackPrefix marks callback data produced by this renderer.
const CallbackPrefix = "fgs:"

type Options struct {
	Adapter kit.Adapter
	// Targets maps a notification channel to a chat. Default is used for
	// channels without an entry; a zero Default means unmapped channels fail.
	Targets map[string]kit.ChatTarget
	Default kit.ChatTarget
	Bus     eventbus.Bus
	Log     logx.Logger
}

type shown struct {
	ref     kit.MessageRef
	pinned  bool
	buttons []notification.Button
}

type Renderer struct {
	ad      kit.Adapter
	targets map[string]kit.ChatTarget
	def     kit.ChatTarget
	bus     eventbus.Bus
	log     logx.Logger

	mu    sync.Mutex
	shown map[int]*shown
}

func New(opts Options) *Renderer {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	targets := make(map[string]kit.ChatTarget, len(opts.Targets))
	for k, v := range opts.Targets {
		targets[k] = v
	}
	return &Renderer{
		ad:      opts.Adapter,
		targets: targets,
		def:     opts.Default,
		bus:     opts.Bus,
		log:     log.With(logx.String("comp", "notify.telegram")),
		shown:   map[int]*shown{},
	}
}

func (r *Renderer) target(channel string) (kit.ChatTarget, error) {
	if t, ok := r.targets[channel]; ok && t.ChatID != 0 {
		return t, nil
	}
	if r.def.ChatID != 0 {
		return r.def, nil
	}
	return kit.ChatTarget{}, fmt.Errorf("%w %q", notification.ErrNoTarget, channel)
}

// EnsureChannel only checks that the channel resolves to a chat; Telegram
// has no channel objects to create.
func (r *Renderer) EnsureChannel(_ context.Context, channel string) error {
	_, err := r.target(channel)
	return err
}

func (r *Renderer) Render(ctx context.Context, cfg notification.Config) (notification.Handle, error) {
	to, err := r.target(cfg.Channel)
	if err != nil {
		return notification.Handle{}, svcerr.Wrap(svcerr.RenderFailure, err, "resolve chat")
	}
	text := Format(cfg)
	opt := &kit.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		Silent:         cfg.Priority.Silent(),
		Buttons:        buttonRows(cfg),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.shown[cfg.ID]
	cur := &shown{buttons: append([]notification.Button(nil), cfg.Buttons...)}
	if prev != nil && prev.ref.ChatID == to.ChatID {
		err := r.ad.EditText(ctx, prev.ref, text, opt)
		switch {
		case err == nil || isNotModified(err):
			cur.ref = prev.ref
			cur.pinned = prev.pinned
		default:
			r.log.Debug("edit failed, sending new message", logx.Int("id", cfg.ID), logx.Err(err))
			r.drop(ctx, prev)
			prev = nil
		}
	} else if prev != nil {
		r.drop(ctx, prev)
		prev = nil
	}

	if cur.ref.IsZero() {
		ref, err := r.ad.SendText(ctx, to, text, opt)
		if err != nil {
			delete(r.shown, cfg.ID)
			return notification.Handle{}, svcerr.Wrap(svcerr.RenderFailure, err, "send notification")
		}
		cur.ref = ref
	}

	switch {
	case cfg.Ongoing && !cur.pinned:
		if err := r.ad.PinMessage(ctx, cur.ref, opt.Silent); err != nil {
			r.log.Warn("pin failed", logx.Int("id", cfg.ID), logx.Err(err))
		} else {
			cur.pinned = true
		}
	case !cfg.Ongoing && cur.pinned:
		if err := r.ad.UnpinMessage(ctx, cur.ref); err != nil {
			r.log.Warn("unpin failed", logx.Int("id", cfg.ID), logx.Err(err))
		}
		cur.pinned = false
	}

	r.shown[cfg.ID] = cur
	return notification.Handle{ID: cfg.ID, Ref: refString(cur.ref)}, nil
}

// Cancel removes the message shown for id. Unknown ids are a no-op.
func (r *Renderer) Cancel(ctx context.Context, id int) error {
	r.mu.Lock()
	s := r.shown[id]
	delete(r.shown, id)
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	if s.pinned {
		if err := r.ad.UnpinMessage(ctx, s.ref); err != nil {
			r.log.Debug("unpin failed", logx.Int("id", id), logx.Err(err))
		}
	}
	if err := r.ad.DeleteMessage(ctx, s.ref); err != nil && !isGone(err) {
		return fmt.Errorf("delete notification %d: %w", id, err)
	}
	return nil
}

// drop best-effort removes a message that is being replaced. Caller holds mu.
func (r *Renderer) drop(ctx context.Context, s *shown) {
	if s.pinned {
		_ = r.ad.UnpinMessage(ctx, s.ref)
	}
	if err := r.ad.DeleteMessage(ctx, s.ref); err != nil && !isGone(err) {
		r.log.Debug("stale notification not deleted", logx.Err(err))
	}
}

// HandleUpdate consumes button presses on rendered notifications and
// publishes them as notification.clicked. It reports whether up was consumed.
func (r *Renderer) HandleUpdate(ctx context.Context, up kit.Update) bool {
	cb := up.Callback
	if up.Kind != kit.UpdateCallback || cb == nil || !strings.HasPrefix(cb.Data, CallbackPrefix) {
		return false
	}
	id, slot, ok := parseCallback(cb.Data)
	if !ok {
		return false
	}

	r.mu.Lock()
	s := r.shown[id]
	var payload string
	known := s != nil && s.ref.MessageID == cb.MessageID && slot >= 1 && slot <= len(s.buttons)
	if known {
		payload = s.buttons[slot-1].Payload
	}
	r.mu.Unlock()

	answer := ""
	if !known {
		answer = "This notification is no longer active."
	}
	if err := r.ad.AnswerCallback(ctx, cb.ID, answer); err != nil {
		r.log.Debug("answer callback failed", logx.Err(err))
	}
	if !known {
		return true
	}

	eventbus.Emit(r.bus, r.log, eventbus.Event{
		Type: eventbus.TypeNotificationClicked,
		Data: eventbus.NotificationClicked{ID: id, Source: "button" + strconv.Itoa(slot), Payload: payload},
	})
	return true
}

// Format renders cfg as Telegram HTML.
func Format(cfg notification.Config) string {
	lines := notification.Lines(cfg)
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(lines[0]))
	b.WriteString("</b>")
	for _, l := range lines[1:] {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(l))
	}
	return b.String()
}

func buttonRows(cfg notification.Config) [][]kit.Button {
	if len(cfg.Buttons) == 0 {
		return nil
	}
	row := make([]kit.Button, 0, len(cfg.Buttons))
	for i, b := range cfg.Buttons {
		row = append(row, kit.Button{Text: b.Label, Data: callbackData(cfg.ID, i+1)})
	}
	return [][]kit.Button{row}
}

func callbackData(id, slot int) string {
	return CallbackPrefix + strconv.Itoa(id) + ":" + strconv.Itoa(slot)
}

func parseCallback(data string) (id, slot int, ok bool) {
	rest, found := strings.CutPrefix(data, CallbackPrefix)
	if !found {
		return 0, 0, false
	}
	a, b, found := strings.Cut(rest, ":")
	if !found {
		return 0, 0, false
	}
	id, err1 := strconv.Atoi(a)
	slot, err2 := strconv.Atoi(b)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return id, slot, true
}

func refString(ref kit.MessageRef) string {
	return strconv.FormatInt(ref.ChatID, 10) + ":" + strconv.Itoa(ref.MessageID)
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

func isGone(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "message to delete not found") || strings.Contains(msg, "message can't be deleted")
}

var _ notification.Renderer = (*Renderer)(nil)
