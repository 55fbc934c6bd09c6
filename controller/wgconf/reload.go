package wgconf

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/licht8/pyWGgen-sub000/controller/execx"
)

// Reloader live-syncs the running daemon with the on-disk configuration.
// Implementations must be idempotent and must not restart the interface,
// so unaffected peers keep their sessions.
type Reloader interface {
	Reload(ctx context.Context) error
}

// SyncReloader is the default: strip comments with wg-quick and feed the
// result to wg syncconf, the in-place equivalent of
// `wg syncconf <iface> <(wg-quick strip <iface>)`.
type SyncReloader struct {
	Interface string
	Runner    execx.Runner
	Logger    *slog.Logger
}

// Reload strips and syncs the configured interface.
func (r *SyncReloader) Reload(ctx context.Context) error {
	strip := r.Runner.Run(ctx, "wg-quick", "strip", r.Interface)
	if !strip.OK() {
		return fmt.Errorf("wg-quick strip %s: %s: %s", r.Interface, strip.Kind, strings.TrimSpace(strip.Stderr))
	}
	sync := r.Runner.RunInput(ctx, strip.Stdout, "wg", "syncconf", r.Interface, "/dev/stdin")
	if !sync.OK() {
		return fmt.Errorf("wg syncconf %s: %s: %s", r.Interface, sync.Kind, strings.TrimSpace(sync.Stderr))
	}
	r.Logger.Debug("daemon configuration synced", "interface", r.Interface)
	return nil
}

// ShellReloader runs an operator-supplied reload command template with
// {{iface}} substituted.
type ShellReloader struct {
	Command string
	Runner  execx.Runner
	Logger  *slog.Logger
}

// Reload runs the command through the shell.
func (r *ShellReloader) Reload(ctx context.Context) error {
	res := r.Runner.Run(ctx, "sh", "-c", r.Command)
	if !res.OK() {
		return fmt.Errorf("reload command: %s: %s", res.Kind, strings.TrimSpace(res.Stderr))
	}
	r.Logger.Debug("daemon configuration reloaded", "command", r.Command)
	return nil
}

// NewReloader picks the reload procedure: the operator template when one
// is configured, wg syncconf otherwise.
func NewReloader(template, iface string, runner execx.Runner, logger *slog.Logger) Reloader {
	if template != "" {
		return &ShellReloader{
			Command: strings.ReplaceAll(template, "{{iface}}", iface),
			Runner:  runner,
			Logger:  logger,
		}
	}
	return &SyncReloader{Interface: iface, Runner: runner, Logger: logger}
}
