// Package cli implements the administrative command surface. Every
// command wires the same component graph the HTTP binding uses, runs one
// operation, and exits with a code that scripts can branch on.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.zx2c4.com/wireguard/wgctrl"

	"github.com/licht8/pyWGgen-sub000/controller/alloc"
	"github.com/licht8/pyWGgen-sub000/controller/analyzer"
	"github.com/licht8/pyWGgen-sub000/controller/config"
	"github.com/licht8/pyWGgen-sub000/controller/diag"
	"github.com/licht8/pyWGgen-sub000/controller/execx"
	"github.com/licht8/pyWGgen-sub000/controller/lifecycle"
	"github.com/licht8/pyWGgen-sub000/controller/probe"
	"github.com/licht8/pyWGgen-sub000/controller/render"
	"github.com/licht8/pyWGgen-sub000/controller/store"
	"github.com/licht8/pyWGgen-sub000/controller/wgconf"
)

// Exit codes for scripting. Zero is success; one is an unclassified
// failure (cobra's default).
const (
	ExitInput       = 2 // malformed request, unknown user, or user not in the required state
	ExitResource    = 3 // a shared resource is exhausted or unavailable
	ExitConsistency = 4 // persistent state disagrees with itself and needs operator attention
)

var timeNow = time.Now

var (
	configPath string
	jsonOut    bool

	rootCmd = &cobra.Command{
		Use:           "wgadmin",
		Short:         "Administrative controller for a WireGuard VPN server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/wireguard/wgadmin.yaml", "path to the controller configuration")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	var inv *invalidInputError
	switch {
	case errors.As(err, &inv),
		errors.Is(err, store.ErrUnknownUser),
		errors.Is(err, lifecycle.ErrUserExists),
		errors.Is(err, lifecycle.ErrUserDeleted),
		errors.Is(err, lifecycle.ErrNotActive),
		errors.Is(err, lifecycle.ErrNotBlocked):
		return ExitInput
	case errors.Is(err, alloc.ErrNoFreeAddress):
		return ExitResource
	case errors.Is(err, store.ErrStoreCorrupt),
		errors.Is(err, store.ErrDuplicateKey),
		errors.Is(err, store.ErrDuplicateAddress),
		errors.Is(err, wgconf.ErrNotPresent),
		errors.Is(err, wgconf.ErrAlreadyPresent):
		return ExitConsistency
	default:
		return 1
	}
}

type invalidInputError struct{ msg string }

func (e *invalidInputError) Error() string { return e.msg }

func invalidInput(format string, args ...interface{}) error {
	return &invalidInputError{msg: fmt.Sprintf(format, args...)}
}

// app is the wired component graph. Commands build it once in RunE.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *store.Store
	journal     *store.Journal
	editor      *wgconf.Editor
	reloader    wgconf.Reloader
	renderer    *render.Renderer
	coordinator *lifecycle.Coordinator
	prober      *probe.Prober
	aggregator  *diag.Aggregator
	analyzer    *analyzer.Client
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	st, err := store.Open(cfg.StorePath, cfg.SubnetNet(), logger)
	if err != nil {
		return nil, err
	}

	var journal *store.Journal
	if cfg.JournalPath != "" {
		journal, err = store.OpenJournal(cfg.JournalPath)
		if err != nil {
			logger.Warn("audit journal unavailable", "path", cfg.JournalPath, "error", err)
		}
	}

	runner := &execx.SystemRunner{Timeout: cfg.CommandTimeout}
	editor := wgconf.NewEditor(cfg.ServerConfigPath, logger)
	reloader := wgconf.NewReloader(cfg.ReloadCommand, cfg.Interface, runner, logger)
	renderer := render.NewRenderer(cfg, logger)

	// A missing wgctrl socket is fine; the prober falls back to wg show.
	var devices probe.DeviceSource
	if client, cerr := wgctrl.New(); cerr == nil {
		devices = client
	} else {
		logger.Debug("wgctrl client unavailable", "error", cerr)
	}
	prober := &probe.Prober{
		Interface: cfg.Interface,
		VPNPort:   cfg.ListenPort(),
		Subnet:    cfg.Subnet,
		Devices:   devices,
		Runner:    runner,
		Logger:    logger,
	}

	a := &app{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		journal:     journal,
		editor:      editor,
		reloader:    reloader,
		renderer:    renderer,
		coordinator: lifecycle.New(cfg, st, editor, reloader, renderer, journal, logger),
		prober:      prober,
	}
	a.aggregator = &diag.Aggregator{
		Store:           st,
		Editor:          editor,
		Prober:          prober,
		ListenPort:      cfg.ListenPort(),
		PersistCounters: true,
		Now:             timeNow,
		Logger:          logger,
	}
	a.analyzer = analyzer.NewClient(cfg.AnalyzerURL, cfg.AnalyzerModel, cfg.AnalyzerTimeout, logger)
	return a, nil
}

func (a *app) close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("closing journal failed", "error", err)
		}
	}
}
