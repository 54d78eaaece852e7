// Package restart boots the device into a freshly selected image.
package restart

import (
	"context"
	"os/exec"
	"strings"

	systemd "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/login1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/papyrix-ota/internal/logging"
	"github.com/bigbag/papyrix-ota/internal/service"
)

// Methods accepted by New.
const (
	MethodLogin1  = "login1"
	MethodSystemd = "systemd"
	MethodCommand = "command"
	MethodNone    = "none"
)

// rebootTarget is started by the systemd method.
const rebootTarget = "reboot.target"

// New returns the Restarter for method. argv is used by MethodCommand.
func New(method string, argv []string, log logrus.FieldLogger) (service.Restarter, error) {
	if log == nil {
		log = logging.Discard()
	}
	switch method {
	case MethodLogin1:
		return &Login1{Log: log}, nil
	case MethodSystemd:
		return &Systemd{Target: rebootTarget, Log: log}, nil
	case MethodCommand:
		if len(argv) == 0 {
			return nil, errors.New("restart command is empty")
		}
		return &Command{Argv: argv, Log: log}, nil
	case MethodNone, "":
		return &Noop{Log: log}, nil
	default:
		return nil, errors.Errorf("unknown restart method %q", method)
	}
}

// Login1 asks systemd-logind to reboot the host.
type Login1 struct {
	Log logrus.FieldLogger
}

func (r *Login1) Restart(ctx context.Context) error {
	conn, err := login1.New()
	if err != nil {
		return errors.Wrap(err, "unable to connect to logind")
	}
	defer conn.Close()

	r.Log.Info("requesting reboot from logind")
	conn.Reboot(false)
	return nil
}

// Systemd starts a reboot target through the systemd manager.
type Systemd struct {
	Target string
	Log    logrus.FieldLogger
}

func (r *Systemd) Restart(ctx context.Context) error {
	conn, err := systemd.NewWithContext(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to connect to systemd")
	}
	defer conn.Close()

	r.Log.WithField("unit", r.Target).Info("starting reboot target")
	if _, err := conn.StartUnitContext(ctx, r.Target, "replace-irreversibly", nil); err != nil {
		return errors.Wrapf(err, "unable to start %s", r.Target)
	}
	return nil
}

// Command runs an external program, e.g. a board specific reset helper.
type Command struct {
	Argv []string
	Log  logrus.FieldLogger
}

func (r *Command) Restart(ctx context.Context) error {
	r.Log.WithField("command", strings.Join(r.Argv, " ")).Info("running restart command")
	out, err := exec.CommandContext(ctx, r.Argv[0], r.Argv[1:]...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "restart command failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// Noop only logs. The new image boots on the next manual restart.
type Noop struct {
	Log logrus.FieldLogger
}

func (r *Noop) Restart(ctx context.Context) error {
	r.Log.Warn("restart disabled, new image boots on next restart")
	return nil
}
