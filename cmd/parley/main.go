// Copyright 2026 Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command parley runs the Parley agent runtime server.
//
// Usage:
//
//	parley serve --config parley.yaml
//	parley validate --config parley.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/embedder"
	"github.com/parleyhq/parley/pkg/knowledge"
	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/mcp"
	"github.com/parleyhq/parley/pkg/metrics"
	"github.com/parleyhq/parley/pkg/server"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/vector"
)

const shutdownTimeout = 15 * time.Second

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the agent runtime server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"parley.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("parley version %s\n", version)
	return nil
}

// ValidateCmd parses and validates the config file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("Config OK: %d LLM(s), default %q, store %s, vector %s\n",
		len(cfg.LLMs), cfg.DefaultLLM(), cfg.Store.Driver, cfg.Vector.Type)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if err := initLogger(cli, cfg); err != nil {
		return err
	}

	st, err := store.Open(&cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	vectors, err := vector.New(&cfg.Vector)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}

	emb, err := embedder.New(&cfg.Embedder)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	defer emb.Close()

	m := metrics.New()

	ks, err := knowledge.NewService(st, vectors, emb, &cfg.Runtime)
	if err != nil {
		return fmt.Errorf("failed to create knowledge service: %w", err)
	}

	pool := mcp.NewPool(&cfg.Runtime, m)
	ms := mcp.NewService(st, pool)

	rt := agent.NewRuntime(cfg, st, ks, ms, m)

	srv := server.New(cfg, rt, ks, ms, st, m)

	slog.Info("parley server starting",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"llms", len(cfg.LLMs),
		"default_llm", cfg.DefaultLLM(),
		"store", cfg.Store.Driver,
		"vector", cfg.Vector.Type)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		pool.Close()
		return err
	case <-ctx.Done():
	}

	// Drain the HTTP side first so streaming turns see their contexts
	// cancelled, then tear down MCP sessions.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	pool.Close()
	return nil
}

// initLogger installs the process logger. CLI flags override config.
func initLogger(cli *CLI, cfg *config.Config) error {
	opts := logger.Options{
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
		Format: cfg.Log.Format,
	}
	if cli.LogLevel != "" {
		opts.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		opts.File = cli.LogFile
	}
	if cli.LogFormat != "" {
		opts.Format = cli.LogFormat
	}
	_, err := logger.Init(opts)
	return err
}

func main() {
	config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("parley"),
		kong.Description("Parley - multi-user agent runtime"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
