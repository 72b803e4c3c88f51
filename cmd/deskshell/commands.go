package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loykin/deskshell"
	"github.com/loykin/deskshell/internal/logger"
	"github.com/loykin/deskshell/pkg/client"
)

const closeTimeout = 10 * time.Second

func loadConfig(g GlobalFlags) (*deskshell.Config, error) {
	cfg, err := deskshell.LoadConfig(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if g.ResourceDir != "" {
		cfg.ResourceDir = g.ResourceDir
	}
	if g.Binary != "" {
		cfg.Backend.Binary = g.Binary
	}
	return cfg, cfg.Validate()
}

// runBackend starts the backend and blocks until SIGINT/SIGTERM, a control
// API event or the cancellation of ctx ends it.
func runBackend(ctx context.Context, g GlobalFlags, f RunFlags, out io.Writer) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	if f.Port >= 0 {
		cfg.Backend.Port = f.Port
	}
	if f.Listen != "" {
		cfg.Server.Enabled = true
		cfg.Server.Listen = f.Listen
	}
	if f.LogLevel != "" {
		cfg.Log.Slog.Level = logger.Level(f.LogLevel)
	}
	slog.SetDefault(cfg.Log.NewSlogger())

	var opts []deskshell.Option
	if f.NoLock {
		opts = append(opts, deskshell.WithoutInstanceLock())
	}
	app, err := deskshell.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		_ = app.Close(context.Background())
		return fmt.Errorf("startup failed: %w", err)
	}
	snap := app.Snapshot()
	_, _ = fmt.Fprintf(out, "backend %s running (pid %d)\n", snap.Path, snap.PID)
	if addr := app.ControlAddr(); addr != "" {
		_, _ = fmt.Fprintf(out, "control API on http://%s%s\n", addr, cfg.Server.BasePath)
	}

	sigCtx, stopSignals := context.WithCancel(ctx)
	defer stopSignals()
	go func() {
		if err := app.RunSignals(sigCtx); err != nil {
			slog.Error("Signal handling failed", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Application exit requested")
	case <-app.Done():
	}
	stopSignals()
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err = app.Close(closeCtx)
	snap = app.Snapshot()
	_, _ = fmt.Fprintf(out, "backend stopped (trigger %s)\n", snap.Trigger)
	return err
}

func printPaths(g GlobalFlags, out io.Writer) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	// resolution only: nothing to record or export
	cfg.History.Enabled = false
	cfg.Metrics.Enabled = false
	app, err := deskshell.New(cfg, deskshell.WithoutInstanceLock())
	if err != nil {
		return err
	}
	backend, err := app.BackendPath()
	if err != nil {
		return err
	}
	exists := "present"
	if _, err := os.Stat(backend); errors.Is(err, os.ErrNotExist) {
		exists = "missing"
	}
	_, _ = fmt.Fprintf(out, "config:   %s\n", valueOr(cfg.Path, "(defaults)"))
	_, _ = fmt.Fprintf(out, "backend:  %s (%s)\n", backend, exists)
	_, _ = fmt.Fprintf(out, "lock:     %s\n", cfg.LockFile)
	_, _ = fmt.Fprintf(out, "pidfile:  %s\n", cfg.Backend.PIDFile)
	if addr := cfg.Backend.Addr(); addr != "" {
		_, _ = fmt.Fprintf(out, "port:     %s\n", addr)
	}
	return nil
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func newClient(g GlobalFlags, f ClientFlags) (*client.Client, error) {
	url := f.APIUrl
	if url == "" {
		cfg, err := loadConfig(g)
		if err != nil {
			return nil, err
		}
		url = "http://" + cfg.Server.Listen + cfg.Server.BasePath
	}
	return client.New(client.Config{BaseURL: strings.TrimRight(url, "/"), Timeout: f.APITimeout}), nil
}

func showStatus(ctx context.Context, g GlobalFlags, f ClientFlags, out io.Writer) error {
	c, err := newClient(g, f)
	if err != nil {
		return err
	}
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "state:    %s\n", st.State)
	if st.PID > 0 {
		_, _ = fmt.Fprintf(out, "pid:      %d\n", st.PID)
	}
	if st.Path != "" {
		_, _ = fmt.Fprintf(out, "backend:  %s\n", st.Path)
	}
	if !st.StartedAt.IsZero() {
		_, _ = fmt.Fprintf(out, "started:  %s\n", st.StartedAt.Format(time.RFC3339))
	}
	if st.Trigger != "" {
		_, _ = fmt.Fprintf(out, "trigger:  %s\n", st.Trigger)
	}
	if st.LastError != "" {
		_, _ = fmt.Fprintf(out, "error:    %s\n", st.LastError)
	}
	return nil
}

func requestExit(ctx context.Context, g GlobalFlags, f ClientFlags, out io.Writer) error {
	c, err := newClient(g, f)
	if err != nil {
		return err
	}
	r, err := c.AppExit(ctx)
	if err != nil {
		return err
	}
	if r.Noop {
		_, _ = fmt.Fprintln(out, "backend was already stopped")
		return nil
	}
	_, _ = fmt.Fprintf(out, "backend %d exited after %dms\n", r.PID, r.DurationMS)
	return nil
}
