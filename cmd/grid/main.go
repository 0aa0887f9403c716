package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridlink/gridlink/internal/analytics"
	"github.com/gridlink/gridlink/internal/auth"
	"github.com/gridlink/gridlink/internal/config"
	"github.com/gridlink/gridlink/internal/control"
	"github.com/gridlink/gridlink/internal/coordinator"
	"github.com/gridlink/gridlink/internal/logger"
	"github.com/gridlink/gridlink/internal/store"
)

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "grid",
		Short:         "Share terminals and local services with your grids",
		Long:          "Discovers local services, shares processes and terminals with grid members, and tunnels them peer-to-peer or over a relay. Most commands talk to the gridd daemon.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print JSON instead of text")

	root.AddCommand(
		loginCmd(a),
		logoutCmd(a),
		whoamiCmd(a),
		statusCmd(a),
		scanCmd(a),
		shareCmd(a),
		runCmd(a),
		psCmd(a),
		stopCmd(a),
		termCmd(a),
		connectCmd(a),
		natCmd(a),
		relayCmd(a),
		codeCmd(a),
		subdomainCmd(a),
		tabsCmd(a),
	)

	err := root.Execute()
	flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	analytics.Flush(flushCtx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app carries the state every command shares: the state dir, the loaded
// config and lazily opened handles.
type app struct {
	logLevel string
	jsonOut  bool

	dir string
	cfg *config.Config
	db  *store.Store
}

func (a *app) load() error {
	dir, err := config.Dir()
	if err != nil {
		return err
	}
	if err := config.EnsureDir(dir); err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	level := a.logLevel
	if level == "" {
		level = cfg.Logging.Level
		// The CLI is quiet unless asked.
		if level == "info" {
			level = "warn"
		}
	}
	logger.Log = logger.New(os.Stderr, level)
	slog.SetDefault(logger.Log)
	a.dir, a.cfg = dir, cfg
	return nil
}

func (a *app) store() (*store.Store, error) {
	if a.db != nil {
		return a.db, nil
	}
	s, err := store.Open(a.cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	a.db = s
	return s, nil
}

// coordinator returns a client with the persisted token restored.
func (a *app) coordinator() (*coordinator.Client, *auth.TokenStore, error) {
	s, err := a.store()
	if err != nil {
		return nil, nil, err
	}
	parser, err := auth.NewParser(a.cfg.Coordinator.VerifyKey)
	if err != nil {
		return nil, nil, err
	}
	tokens := auth.NewTokenStore(parser, s, logger.Log)
	if err := tokens.Restore(); err != nil {
		return nil, nil, fmt.Errorf("restore token: %w", err)
	}
	return coordinator.New(a.cfg.Coordinator.URL, tokens, coordinator.WithLogger(logger.Log)), tokens, nil
}

func (a *app) daemon() *control.Client {
	return control.NewClient(filepath.Join(a.dir, control.SocketName))
}
