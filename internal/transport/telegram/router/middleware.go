package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"fgsvc/internal/svcerr"
	logx "fgsvc/pkg/logx"
)

type Middleware func(HandlerFunc) HandlerFunc

// Chain applies mws so that the first one is outermost.
func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// MWTimeout bounds a handler; d <= 0 uses 30s.
func MWTimeout(d time.Duration) Middleware {
	if d <= 0 {
		d = 30 * time.Second
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("command panic",
						logx.String("cmd", req.Command),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
					err = svcerr.New(svcerr.ServiceError, fmt.Sprintf("panic in /%s", req.Command))
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			l := req.Logger
			if l.IsZero() {
				l = log
			}
			if err != nil {
				l.Warn("command failed", logx.Duration("took", time.Since(start)), logx.Err(err))
				return err
			}
			l.Info("command handled", logx.Duration("took", time.Since(start)))
			return nil
		}
	}
}
