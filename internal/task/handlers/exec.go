// Package handlers provides the built-in headless task handlers.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"fgsvc/internal/task/engine"
	logx "fgsvc/pkg/logx"
)

const maxOutput = 4 << 10

// ExecSpec describes a command run for each dispatch.
type ExecSpec struct {
	Command []string
	Dir     string
	Env     []string
}

// Exec runs spec.Command with the payload exposed as environment:
// FGSVC_TASK, FGSVC_PAYLOAD (JSON) and one FGSVC_P_<KEY> per entry.
func Exec(name string, spec ExecSpec, log logx.Logger) (engine.Handler, error) {
	if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
		return nil, fmt.Errorf("task %s: command is required", name)
	}
	log = log.With(logx.String("task", name))
	return func(ctx context.Context, payload map[string]any) error {
		env, err := payloadEnv(name, payload)
		if err != nil {
			return engine.NoRetry(err)
		}
		cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
		cmd.Dir = spec.Dir
		cmd.Env = append(append(os.Environ(), spec.Env...), env...)
		var out bytes.Buffer
		cmd.Stdout = &limitedWriter{buf: &out, n: maxOutput}
		cmd.Stderr = cmd.Stdout

		err = cmd.Run()
		if out.Len() > 0 {
			log.Debug("task output", logx.String("output", strings.TrimSpace(out.String())))
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return engine.NoRetry(fmt.Errorf("run %s: %w", spec.Command[0], err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with %d: %s", spec.Command[0], exitErr.ExitCode(), lastLine(out.String()))
		}
		return err
	}, nil
}

func payloadEnv(name string, payload map[string]any) ([]string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	env := []string{"FGSVC_TASK=" + name, "FGSVC_PAYLOAD=" + string(raw)}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := payload[k]
		if v == nil {
			continue
		}
		env = append(env, "FGSVC_P_"+envKey(k)+"="+fmt.Sprint(v))
	}
	return env, nil
}

func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, k)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

type limitedWriter struct {
	buf *bytes.Buffer
	n   int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.n - w.buf.Len(); room > 0 {
		w.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}
