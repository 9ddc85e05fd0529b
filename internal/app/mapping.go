package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"fgsvc/internal/config"
	"fgsvc/internal/eventbus"
	"fgsvc/internal/eventsink"
	"fgsvc/internal/host"
	"fgsvc/internal/lifecycle"
	"fgsvc/internal/notification"
	"fgsvc/internal/notification/sdnotify"
	tgrender "fgsvc/internal/notification/telegram"
	"fgsvc/internal/observability/httpserver"
	"fgsvc/internal/recovery"
	"fgsvc/internal/storage"
	"fgsvc/internal/task/engine"
	"fgsvc/internal/task/handlers"
	kit "fgsvc/internal/transport"
	logx "fgsvc/pkg/logx"
	"fgsvc/pkg/systemdmanager"
)

const defaultObserveTTL = time.Second

func logConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if tg := cfg.Telegram; tg != nil {
		lc.Chat.ChatID = tg.LogChat
		if lc.Chat.ChatID == 0 {
			lc.Chat.ChatID = tg.ChatID
		}
	}
	if lc.Chat.ChatID == 0 {
		lc.Chat.Enabled = false
	}
	return lc
}

// chatSink forwards log records through the chat adapter, silently.
func chatSink(ad kit.Adapter) logx.Sink {
	return logx.SinkFunc(func(ctx context.Context, chatID int64, threadID int, text string) error {
		_, err := ad.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{Silent: true, DisablePreview: true})
		return err
	})
}

func storageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: config.MustDuration(sc.BusyTimeout, time.Second),
		JournalMax:  sc.JournalMax,
	}
}

// recoveryOptions maps the restart tuning of rc. An explicit zero throttle
// turns throttling off.
func recoveryOptions(rc config.RecoveryConfig) recovery.Options {
	opts := recovery.Options{
		SettleDelay: config.MustDuration(rc.SettleDelay, recovery.DefaultSettleDelay),
		MaxSettle:   config.MustDuration(rc.MaxSettle, recovery.DefaultMaxSettle),
		Throttle:    config.MustDuration(rc.Throttle, recovery.DefaultThrottle),
		MaxAttempts: rc.MaxAttempts,
	}
	if raw := strings.TrimSpace(rc.Throttle); raw != "" {
		if d, err := config.ParseDurationField("", raw); err == nil && d == 0 {
			opts.Throttle = -1
		}
	}
	return opts
}

func engineConfig(cfg *config.Config) engine.Config {
	te := cfg.TaskEngine
	return engine.Config{
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		DefaultTimeout:      config.MustDuration(te.DefaultTimeout, engine.DefaultTimeout),
		MaxQueueDelay:       config.MustDuration(te.MaxQueueDelay, 0),
		HistorySize:         te.HistorySize,
		RetryMax:            te.RetryMax,
		CircuitTripFailures: te.CircuitTripFailures,
		CircuitBaseDelay:    config.MustDuration(te.CircuitBaseDelay, 0),
		CircuitMaxDelay:     config.MustDuration(te.CircuitMaxDelay, 0),
	}
}

func httpConfig(cfg *config.Config) httpserver.Config {
	hc := cfg.Observability.HTTP
	return httpserver.Config{
		Enabled:              hc.Enabled,
		Addr:                 hc.Addr,
		Token:                hc.Token,
		AllowInsecure:        hc.AllowInsecure,
		Metrics:              hc.Metrics,
		Pprof:                hc.Pprof,
		ReadTimeout:          config.MustDuration(hc.ReadTimeout, 0),
		WriteTimeout:         config.MustDuration(hc.WriteTimeout, 0),
		IdleTimeout:          config.MustDuration(hc.IdleTimeout, 0),
		MutexProfileFraction: hc.MutexProfileFraction,
		BlockProfileRate:     hc.BlockProfileRate,
	}
}

// buildHost returns the configured host and a closer for its OS resources.
func buildHost(ctx context.Context, hc config.HostConfig, log logx.Logger) (host.Host, io.Closer, error) {
	var (
		h      host.Host
		closer io.Closer = nopCloser{}
	)
	switch hc.Driver {
	case "", "process":
		p, err := host.NewProcess(host.ProcessConfig{
			Command:   hc.Command,
			Env:       hc.Env,
			StopGrace: config.MustDuration(hc.StopGrace, 0),
			Match:     hc.Match,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		h = p
	case "systemd":
		mgr, err := systemdmanager.New(ctx, hc.UserBus)
		if err != nil {
			return nil, nil, fmt.Errorf("systemd host: %w", err)
		}
		s, err := host.NewSystemd(hc.Unit, mgr, log)
		if err != nil {
			_ = mgr.Close()
			return nil, nil, err
		}
		h, closer = s, mgr
	default:
		return nil, nil, fmt.Errorf("unknown host driver %q", hc.Driver)
	}
	if ttl := config.MustDuration(hc.ObserveTTL, defaultObserveTTL); ttl > 0 {
		h = host.NewCached(h, ttl)
	}
	return h, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func stopStrategies(hc config.HostConfig) []lifecycle.StopStrategy {
	soft, hard := lifecycle.SoftStop, lifecycle.HardStop
	if d := config.MustDuration(hc.SoftStopTimeout, 0); d > 0 {
		soft.Timeout = d
	}
	if d := config.MustDuration(hc.HardStopTimeout, 0); d > 0 {
		hard.Timeout = d
	}
	return []lifecycle.StopStrategy{soft, hard}
}

type renderers struct {
	renderer notification.Renderer
	telegram *tgrender.Renderer
	sd       *sdnotify.Renderer
}

// buildRenderers maps notification.renderers onto concrete renderers. The
// first listed is primary; without any the notification is not shown.
func buildRenderers(cfg *config.Config, ad kit.Adapter, bus eventbus.Bus, log logx.Logger) renderers {
	var (
		out  renderers
		list []notification.Renderer
	)
	for _, name := range cfg.Notification.Renderers {
		switch name {
		case "telegram":
			if ad == nil || cfg.Telegram == nil {
				log.Warn("telegram renderer configured without telegram transport")
				continue
			}
			targets := make(map[string]kit.ChatTarget, len(cfg.Telegram.Channels))
			for ch, t := range cfg.Telegram.Channels {
				targets[ch] = kit.ChatTarget{ChatID: t.ChatID, ThreadID: t.ThreadID}
			}
			out.telegram = tgrender.New(tgrender.Options{
				Adapter: ad,
				Targets: targets,
				Default: kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
				Bus:     bus,
				Log:     log.With(logx.String("comp", "render.telegram")),
			})
			list = append(list, out.telegram)
		case "sdnotify":
			out.sd = sdnotify.New()
			list = append(list, out.sd)
		}
	}
	switch len(list) {
	case 0:
		out.renderer = notification.Nop{}
	case 1:
		out.renderer = list[0]
	default:
		out.renderer = &notification.Multi{Primary: list[0], Mirrors: list[1:], Log: log.With(logx.String("comp", "render"))}
	}
	return out
}

// buildSinks returns the event publishers for cfg.events plus the storage
// journal. A sink that fails to connect is logged and skipped.
func buildSinks(cfg *config.Config, store storage.Store, log logx.Logger) []eventsink.Publisher {
	var pubs []eventsink.Publisher
	if store != nil {
		pubs = append(pubs, eventsink.NewJournal(store))
	}
	ev := cfg.Events
	if n := ev.NATS; n != nil {
		p, err := eventsink.NewNATS(eventsink.NATSOptions{URL: n.URL, Subject: n.Subject, Name: n.Name, Token: n.Token}, log)
		if err != nil {
			log.Warn("nats sink disabled", logx.Err(err))
		} else {
			pubs = append(pubs, p)
		}
	}
	if m := ev.MQTT; m != nil {
		p, err := eventsink.NewMQTT(eventsink.MQTTOptions{
			Broker:   m.Broker,
			ClientID: m.ClientID,
			Username: m.Username,
			Password: m.Password,
			Topic:    m.Topic,
			QoS:      m.QoS,
		}, log)
		if err != nil {
			log.Warn("mqtt sink disabled", logx.Err(err))
		} else {
			pubs = append(pubs, p)
		}
	}
	if a := ev.Alerts; a != nil {
		p, err := eventsink.NewAlerts(eventsink.AlertOptions{URLs: a.URLs, Types: a.Types, RatePerMin: a.RatePerMin})
		if err != nil {
			log.Warn("alerts sink disabled", logx.Err(err))
		} else {
			pubs = append(pubs, p)
		}
	}
	return pubs
}

// buildHandler turns one tasks entry into an engine handler.
func buildHandler(name string, tc config.TaskConfig, upd handlers.Updater, log logx.Logger) (engine.Handler, engine.TaskOptions, error) {
	opt := engine.TaskOptions{Timeout: config.MustDuration(tc.Timeout, 0)}
	if tc.RetryMax != nil {
		opt.RetryMax = *tc.RetryMax
		if opt.RetryMax == 0 {
			opt.RetryMax = -1
		}
	}
	switch tc.Type {
	case "exec":
		h, err := handlers.Exec(name, handlers.ExecSpec{Command: tc.Command, Dir: tc.Dir, Env: tc.Env}, log)
		return h, opt, err
	case "log":
		return handlers.Log(name, log), opt, nil
	case "notify":
		return handlers.Notify(upd), opt, nil
	default:
		return nil, opt, fmt.Errorf("task %s: unknown type %q", name, tc.Type)
	}
}
