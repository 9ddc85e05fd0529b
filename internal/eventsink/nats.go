package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"fgsvc/internal/eventbus"
	logx "fgsvc/pkg/logx"
)

type NATSOptions struct {
	URL     string
	Subject string // default "fgsvc.events"
	Name    string
	Token   string
}

type natsConn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATS publishes each event as JSON to <subject>.<event type>.
type NATS struct {
	conn    natsConn
	subject string
}

// NewNATS connects in the background; publishes are buffered by the client
// while the server is unreachable.
func NewNATS(o NATSOptions, log logx.Logger) (*NATS, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := []nats.Option{
		nats.Name(firstNonEmpty(o.Name, "fgsvcd")),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrlRedacted()))
		}),
	}
	if o.Token != "" {
		opts = append(opts, nats.Token(o.Token))
	}
	conn, err := nats.Connect(o.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATS(conn, o.Subject), nil
}

func newNATS(conn natsConn, subject string) *NATS {
	return &NATS{conn: conn, subject: strings.TrimSuffix(firstNonEmpty(subject, "fgsvc.events"), ".")}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Publish(ctx context.Context, e eventbus.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := n.conn.Publish(n.subject+"."+e.Type, b); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if e.Type == eventbus.TypeServiceRecovery || e.Type == eventbus.TypeServiceError {
		return n.conn.FlushWithContext(ctx)
	}
	return nil
}

func (n *NATS) Close() error { return n.conn.Drain() }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
