package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ohler55/ojg/oj"

	"github.com/driftlab/driftd"
	"github.com/driftlab/driftd/config"
	"github.com/driftlab/driftd/measure"
	"github.com/driftlab/driftd/script"
	"github.com/driftlab/driftd/server"
	"github.com/driftlab/driftd/store"
	"github.com/driftlab/driftd/yaml"
)

// runtime is the assembled daemon: everything a command needs after the
// manifests are loaded and validated.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	graph    *driftd.Graph
	store    driftd.Store
	resolver *driftd.Resolver
}

func (rt *runtime) close() {
	if c, ok := rt.store.(io.Closer); ok {
		_ = c.Close()
	}
}

// buildRuntime loads configuration, discovers scripts, loads manifests
// through the measurement registry, validates the graph, and opens the
// store.
func buildRuntime(args []string) (*runtime, error) {
	cfg, err := config.Load(args)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	hooks := driftd.NewHookRegistry()
	manager := script.NewManager(cfg.ScriptsDir)
	if err := manager.Discover(); err != nil {
		return nil, fmt.Errorf("discover scripts: %w", err)
	}
	manager.RegisterHooks(hooks)
	for _, s := range manager.Scripts() {
		logger.Debug("discovered script", "name", s.Name, "path", s.Path)
	}

	registry := measure.Builtin()
	registry.Register(&script.Builder{Manager: manager})

	decls, err := yaml.NewLoader(registry).LoadFiles(cfg.Manifests)
	if err != nil {
		return nil, err
	}
	graph, err := driftd.Build(decls, hooks)
	if err != nil {
		return nil, err
	}
	logger.Info("graph loaded", "features", graph.Len(), "manifests", len(cfg.Manifests))

	st, err := store.Open(cfg.StorePath, cfg.StoreDSN)
	if err != nil {
		return nil, err
	}

	resolver := driftd.NewResolver(graph, st,
		driftd.WithLogger(driftd.NewSlogLogger(logger)))

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		graph:    graph,
		store:    st,
		resolver: resolver,
	}, nil
}

func runServe(args []string) error {
	rt, err := buildRuntime(args)
	if err != nil {
		return err
	}
	defer rt.close()

	if len(rt.cfg.Tokens) == 0 {
		rt.logger.Warn("no bearer tokens configured, authentication disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(rt.resolver, rt.cfg.Tokens, rt.logger)
	return srv.ListenAndServe(ctx, rt.cfg.Addr)
}

func runResolve(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("resolve requires a feature identity")
	}
	id := args[0]

	rt, err := buildRuntime(args[1:])
	if err != nil {
		return err
	}
	defer rt.close()

	rec, err := rt.resolver.Resolve(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Println(oj.JSON(map[string]any{
		"id":        rec.ID,
		"payload":   rec.Payload,
		"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"seq":       rec.Seq,
		"meta":      rec.Meta,
	}, &oj.Options{Sort: true, Indent: 2}))
	return nil
}

func runValidate(args []string) error {
	rt, err := buildRuntime(args)
	if err != nil {
		return err
	}
	defer rt.close()

	for _, id := range rt.graph.IDs() {
		f, _ := rt.graph.Feature(id)
		fmt.Printf("  %-20s parents=%d\n", f.ID(), len(f.Parents()))
	}
	fmt.Printf("OK: %d features, no cycles, all parents and hooks bound\n", rt.graph.Len())
	return nil
}

func runMeasures() error {
	registry := measure.Builtin()
	registry.Register(&script.Builder{Manager: nil})

	fmt.Printf("%-12s %-10s %s\n", "TYPE", "CATEGORY", "DESCRIPTION")
	for _, t := range registry.Types() {
		b, _ := registry.Get(t)
		meta := b.Metadata()
		fmt.Printf("%-12s %-10s %s\n", meta.Type, meta.Category, meta.Description)
	}
	return nil
}
