package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/3cpo-dev/tagfarm/internal/config"
	"github.com/3cpo-dev/tagfarm/internal/ssh"
	"github.com/3cpo-dev/tagfarm/internal/store"
	"github.com/3cpo-dev/tagfarm/internal/telemetry"
	"github.com/3cpo-dev/tagfarm/internal/tool"
	"github.com/3cpo-dev/tagfarm/internal/workspace"
)

// session is everything a bake or farm command needs, built from config.
type session struct {
	cfg       config.Config
	runner    tool.Starter
	fs        workspace.FS
	collector *telemetry.Collector
	history   *store.Store

	closers []func() error
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.LoadConfig(path, envFile)
	if err != nil {
		return cfg, err
	}
	if lvl, _ := cmd.Flags().GetString("log"); lvl == "" {
		setLogLevel(cfg.Log.Level)
	}
	return cfg, nil
}

// openSession loads and validates config, then connects the runner, the
// workspace, metrics and run history. Close releases them in reverse order.
func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rt := &session{cfg: cfg, collector: telemetry.NewCollector()}
	if cfg.Log.File != "" {
		rt.closers = append(rt.closers, attachLogFile(cfg.Log))
	}
	if cfg.Remote.Enabled {
		if err := rt.connectRemote(cmd.Context()); err != nil {
			_ = rt.Close()
			return nil, err
		}
	} else {
		rt.runner = &tool.ExecRunner{Executable: cfg.Tool.Executable, Prefix: cfg.Tool.Args, Root: cfg.ProjectRoot}
		rt.fs = workspace.NewLocal(cfg.ProjectRoot)
	}

	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		ms := telemetry.NewMonitoringServer(addr, rt.collector)
		if !cfg.Remote.Enabled {
			for name, check := range telemetry.DefaultHealthChecks(cfg.ProjectRoot) {
				ms.RegisterHealthCheck(name, check)
			}
		}
		if cfg.Telemetry.Profiling {
			ms.EnableProfiling(telemetry.BuildInfo{Version: version, Commit: commit, BuildDate: buildDate})
		}
		go func() {
			if err := ms.Start(); err != nil {
				log.Error().Err(err).Str("addr", addr).Msg("monitoring server stopped")
			}
		}()
		rt.closers = append(rt.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ms.Shutdown(ctx)
		})
		log.Info().Str("addr", addr).Msg("serving /metrics and /health")
	}

	if path := cfg.StorePath(); path != "" {
		st, err := store.NewStore(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("run history disabled")
		} else {
			rt.history = st
			rt.closers = append(rt.closers, st.Close)
		}
	}
	return rt, nil
}

// attachLogFile tees the global logger into a rotated file. The returned
// func restores the previous logger and closes the file.
func attachLogFile(lc config.LogConfig) func() error {
	file := &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
	}
	prev := log.Logger
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, file)).With().Timestamp().Logger()
	return func() error {
		log.Logger = prev
		return file.Close()
	}
}

func (rt *session) connectRemote(ctx context.Context) error {
	rc := rt.cfg.Remote
	signer, err := ssh.LoadPrivateKeySigner(rc.KeyPath)
	if err != nil {
		return err
	}
	callback, err := ssh.KnownHostsCallback(knownHostsPath(rt.cfg))
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	host := &ssh.Host{
		Addr:       rc.Addr,
		User:       rc.User,
		Signer:     signer,
		KnownHosts: callback,
		Timeout:    time.Duration(rc.TimeoutSeconds) * time.Second,
		Retries:    rc.Retries,
		Backoff:    time.Second,
	}
	client, err := host.Connect(ctx)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, client.Close)

	ws, err := ssh.NewWorkspace(client, rt.cfg.ProjectRoot)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, ws.Close)

	rt.runner = &ssh.Runner{Client: client, Root: rt.cfg.ProjectRoot, Executable: rt.cfg.Tool.Executable, Prefix: rt.cfg.Tool.Args}
	rt.fs = ws
	log.Info().Str("host", rc.Addr).Str("user", rc.User).Msg("connected to build host")
	return nil
}

func (rt *session) Close() error {
	var result *multierror.Error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
