// Package sdnotify mirrors the notification into the systemd unit status
// line via sd_notify.
package sdnotify

import (
	"context"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"

	"fgsvc/internal/notification"
)

// NotifyFunc matches daemon.SdNotify.
type NotifyFunc func(unsetEnv bool, state string) (bool, error)

type Renderer struct {
	notify NotifyFunc

	mu     sync.Mutex
	active map[int]string
	order  []int
}

// New returns a renderer that writes to $NOTIFY_SOCKET. Without a socket
// every call is a silent no-op.
func New() *Renderer { return NewWith(daemon.SdNotify) }

func NewWith(fn NotifyFunc) *Renderer {
	return &Renderer{notify: fn, active: map[int]string{}}
}

func (r *Renderer) EnsureChannel(context.Context, string) error { return nil }

func (r *Renderer) Render(_ context.Context, cfg notification.Config) (notification.Handle, error) {
	line := Status(cfg)
	r.mu.Lock()
	if _, ok := r.active[cfg.ID]; !ok {
		r.order = append(r.order, cfg.ID)
	}
	r.active[cfg.ID] = line
	r.mu.Unlock()

	if _, err := r.notify(false, "STATUS="+line); err != nil {
		return notification.Handle{}, err
	}
	return notification.Handle{ID: cfg.ID, Ref: "status"}, nil
}

// Cancel falls back to the most recent remaining notification, or clears
// the status line when none is left.
func (r *Renderer) Cancel(_ context.Context, id int) error {
	r.mu.Lock()
	if _, ok := r.active[id]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.active, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	line := ""
	if n := len(r.order); n > 0 {
		line = r.active[r.order[n-1]]
	}
	r.mu.Unlock()

	_, err := r.notify(false, "STATUS="+line)
	return err
}

// Ready reports READY=1; used once the control loop is up.
func (r *Renderer) Ready() error {
	_, err := r.notify(false, daemon.SdNotifyReady)
	return err
}

// Stopping reports STOPPING=1.
func (r *Renderer) Stopping() error {
	_, err := r.notify(false, daemon.SdNotifyStopping)
	return err
}

// Status flattens cfg into a single status line.
func Status(cfg notification.Config) string {
	line := strings.Join(notification.Lines(cfg), " | ")
	return strings.ReplaceAll(line, "\n", " ")
}

var _ notification.Renderer = (*Renderer)(nil)
