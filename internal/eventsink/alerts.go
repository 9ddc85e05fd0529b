package eventsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"golang.org/x/time/rate"

	"fgsvc/internal/eventbus"
)

type AlertOptions struct {
	URLs []string
	// Types defaults to service.error and service.recovery.
	Types      []string
	RatePerMin int // default 6
	Timeout    time.Duration
}

type sendFunc func(message string, params *stypes.Params) []error

// Alerts sends human-readable alerts for selected events through shoutrrr
// service URLs. Excess alerts beyond the rate limit are dropped.
type Alerts struct {
	send    sendFunc
	types   map[string]bool
	limiter *rate.Limiter
}

func NewAlerts(o AlertOptions) (*Alerts, error) {
	if len(o.URLs) == 0 {
		return nil, errors.New("at least one URL is required")
	}
	sender, err := shoutrrr.CreateSender(o.URLs...)
	if err != nil {
		// The URL may embed credentials; do not echo it.
		return nil, fmt.Errorf("invalid alert URL: %s", redact(err.Error(), o.URLs))
	}
	if o.Timeout > 0 {
		sender.Timeout = o.Timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return newAlerts(sender.Send, o), nil
}

func newAlerts(send sendFunc, o AlertOptions) *Alerts {
	types := o.Types
	if len(types) == 0 {
		types = []string{eventbus.TypeServiceError, eventbus.TypeServiceRecovery}
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	perMin := o.RatePerMin
	if perMin <= 0 {
		perMin = 6
	}
	return &Alerts{
		send:    send,
		types:   set,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin),
	}
}

func (a *Alerts) Name() string { return "alerts" }

func (a *Alerts) Publish(_ context.Context, e eventbus.Event) error {
	if !a.types[e.Type] {
		return nil
	}
	title, body, ok := describe(e)
	if !ok {
		return nil
	}
	if !a.limiter.Allow() {
		return nil
	}
	params := stypes.Params{}
	params.SetTitle(title)
	for _, err := range a.send(body, &params) {
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Alerts) Close() error { return nil }

// describe renders e as an alert. Recovery events that only report a
// healthy state are skipped.
func describe(e eventbus.Event) (title, body string, ok bool) {
	switch d := e.Data.(type) {
	case eventbus.ServiceError:
		return "fgsvc: " + d.Op + " failed", fmt.Sprintf("%s: %s", d.Code, d.Message), true
	case eventbus.ServiceRecovery:
		switch d.Kind {
		case eventbus.RecoveryFailed:
			return "fgsvc: recovery failed", firstNonEmpty(d.Reason, "restart did not succeed"), true
		case eventbus.RecoveryRestarted:
			return "fgsvc: service restarted", "the foreground service was restarted", true
		case eventbus.RecoveryInconsistency:
			if d.Snapshot == nil {
				return "", "", false
			}
			return "fgsvc: state drift", fmt.Sprintf("declared running=%t, observed running=%t (%s)",
				d.Snapshot.DeclaredRunning, d.Snapshot.ObservedRunning, d.Snapshot.Inconsistency), true
		}
	case eventbus.TaskEvent:
		if d.Error == "" {
			return "", "", false
		}
		return "fgsvc: task " + d.Task + " failed", d.Error, true
	}
	return "", "", false
}

func redact(msg string, urls []string) string {
	for _, u := range urls {
		if u != "" {
			msg = strings.ReplaceAll(msg, u, "<redacted>")
		}
	}
	return msg
}
