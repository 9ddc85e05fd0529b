package host

import (
	"context"
	"errors"
	"syscall"

	"fgsvc/internal/notification"
	"fgsvc/internal/svcerr"
	"fgsvc/pkg/logx"
	"fgsvc/pkg/systemdmanager"
)

const manageUnitsPermission = "org.freedesktop.systemd1.manage-units"

// UnitManager is the slice of systemdmanager.Manager the host needs.
type UnitManager interface {
	StartContext(ctx context.Context, unit string) error
	StopContext(ctx context.Context, unit string) error
	KillContext(ctx context.Context, unit string, sig syscall.Signal) error
	ResetFailedContext(ctx context.Context, unit string) error
	StatusContext(ctx context.Context, unit string) (*systemdmanager.Status, error)
}

// Systemd keeps a unit active for as long as the service runs.
type Systemd struct {
	unit string
	mgr  UnitManager
	log  logx.Logger
}

func NewSystemd(unit string, mgr UnitManager, log logx.Logger) (*Systemd, error) {
	unit = systemdmanager.UnitName(unit)
	if unit == "" {
		return nil, svcerr.New(svcerr.InvalidConfig, "host.unit is required for the systemd driver")
	}
	if mgr == nil {
		return nil, svcerr.New(svcerr.ServiceError, "systemd manager is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Systemd{unit: unit, mgr: mgr, log: log.With(logx.String("comp", "host.systemd"), logx.String("unit", unit))}, nil
}

func (s *Systemd) Name() string { return "systemd" }

func (s *Systemd) Start(ctx context.Context, kind notification.ServiceType) error {
	st, err := s.mgr.StatusContext(ctx, s.unit)
	if err != nil {
		return classify(err)
	}
	if st.Running() {
		return nil
	}
	if !st.Found() {
		return svcerr.Newf(svcerr.ServiceError, "unit %s not found", s.unit)
	}
	if st.Active == "failed" {
		if err := s.mgr.ResetFailedContext(ctx, s.unit); err != nil {
			s.log.Warn("reset-failed failed", logx.Err(err))
		}
	}
	if err := s.mgr.StartContext(ctx, s.unit); err != nil {
		return classify(err)
	}
	s.log.Info("unit started", logx.String("type", string(kind)))
	return nil
}

// Stop and Kill treat a unit that is gone as stopped.
func (s *Systemd) Stop(ctx context.Context) error {
	if err := s.mgr.StopContext(ctx, s.unit); err != nil && !systemdmanager.IsNoSuchUnit(err) {
		return classify(err)
	}
	return nil
}

func (s *Systemd) Kill(ctx context.Context) error {
	if err := s.mgr.KillContext(ctx, s.unit, syscall.SIGKILL); err != nil && !systemdmanager.IsNoSuchUnit(err) {
		return classify(err)
	}
	return nil
}

func (s *Systemd) Running(ctx context.Context) (bool, error) {
	st, err := s.mgr.StatusContext(ctx, s.unit)
	if err != nil {
		return false, classify(err)
	}
	return st.Running(), nil
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, systemdmanager.ErrUnsupported):
		return svcerr.Wrap(svcerr.UnsupportedPlatform, err, "systemd host requires linux")
	case systemdmanager.IsAccessDenied(err):
		return svcerr.Permission(manageUnitsPermission, err)
	default:
		return err
	}
}
