package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"fgsvc/internal/notification"
	"fgsvc/internal/svcerr"
	"fgsvc/pkg/logx"
)

const defaultStopGrace = 3 * time.Second

// ProcessConfig describes the keepalive child.
type ProcessConfig struct {
	Command   []string
	Env       []string
	StopGrace time.Duration
	// Match finds a leftover keepalive (e.g. from a previous daemon run) by
	// command line substring when no child is tracked.
	Match string
}

// Process runs a keepalive child and observes it through the process table.
type Process struct {
	cfg ProcessConfig
	log logx.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	pid  int32
	done chan struct{}
}

func NewProcess(cfg ProcessConfig, log logx.Logger) (*Process, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, svcerr.New(svcerr.InvalidConfig, "host.process.command is required")
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Process{cfg: cfg, log: log.With(logx.String("comp", "host.process"))}, nil
}

func (p *Process) Name() string { return "process" }

func (p *Process) Start(ctx context.Context, kind notification.ServiceType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return nil
		}
	}

	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	if kind != "" {
		cmd.Env = append(cmd.Env, "FGSVC_SERVICE_TYPE="+string(kind))
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return svcerr.Permission("exec:"+p.cfg.Command[0], err)
		}
		return fmt.Errorf("start keepalive: %w", err)
	}

	done := make(chan struct{})
	p.cmd, p.pid, p.done = cmd, int32(cmd.Process.Pid), done
	go func() {
		err := cmd.Wait()
		close(done)
		if err != nil {
			p.log.Debug("keepalive exited", logx.Int("pid", cmd.Process.Pid), logx.Err(err))
		}
	}()
	p.log.Info("keepalive started", logx.Int("pid", cmd.Process.Pid), logx.String("type", string(kind)))
	return nil
}

func (p *Process) Stop(ctx context.Context) error {
	return p.signal(ctx, syscall.SIGTERM, p.cfg.StopGrace)
}

func (p *Process) Kill(ctx context.Context) error {
	return p.signal(ctx, syscall.SIGKILL, p.cfg.StopGrace)
}

func (p *Process) signal(ctx context.Context, sig syscall.Signal, grace time.Duration) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	if cmd == nil || done == nil {
		return p.signalStray(ctx, sig)
	}
	select {
	case <-done:
		p.clear(cmd)
		return nil
	default:
	}

	if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		if errors.Is(err, os.ErrPermission) {
			return svcerr.Permission("signal:"+sig.String(), err)
		}
		return fmt.Errorf("signal keepalive: %w", err)
	}

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		p.clear(cmd)
		return nil
	case <-t.C:
		return fmt.Errorf("keepalive pid %d still alive %s after %s", cmd.Process.Pid, grace, sig)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signalStray handles a keepalive this process did not spawn.
func (p *Process) signalStray(ctx context.Context, sig syscall.Signal) error {
	proc, err := p.findStray(ctx)
	if err != nil || proc == nil {
		return err
	}
	if sig == syscall.SIGKILL {
		err = proc.KillWithContext(ctx)
	} else {
		err = proc.TerminateWithContext(ctx)
	}
	if err != nil {
		return fmt.Errorf("signal stray keepalive pid %d: %w", proc.Pid, err)
	}
	p.log.Warn("signalled stray keepalive", logx.Int64("pid", int64(proc.Pid)), logx.String("signal", sig.String()))
	return nil
}

func (p *Process) clear(cmd *exec.Cmd) {
	p.mu.Lock()
	if p.cmd == cmd {
		p.cmd, p.pid, p.done = nil, 0, nil
	}
	p.mu.Unlock()
}

func (p *Process) Running(ctx context.Context) (bool, error) {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()

	if pid > 0 {
		return pidAlive(ctx, pid)
	}
	proc, err := p.findStray(ctx)
	return proc != nil, err
}

func (p *Process) findStray(ctx context.Context) (*process.Process, error) {
	if p.cfg.Match == "" {
		return nil, nil
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())
	for _, proc := range procs {
		if proc.Pid == self {
			continue
		}
		cmdline, err := proc.CmdlineWithContext(ctx)
		if err != nil || !strings.Contains(cmdline, p.cfg.Match) {
			continue
		}
		if alive, _ := pidAlive(ctx, proc.Pid); alive {
			return proc, nil
		}
	}
	return nil, nil
}

// pidAlive treats zombies as dead.
func pidAlive(ctx context.Context, pid int32) (bool, error) {
	exists, err := process.PidExistsWithContext(ctx, pid)
	if err != nil || !exists {
		return false, err
	}
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, err
	}
	status, err := proc.StatusWithContext(ctx)
	if err != nil {
		// status is best effort; existence already confirmed
		return true, nil
	}
	for _, s := range status {
		if s == process.Zombie {
			return false, nil
		}
	}
	return true, nil
}
