package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/flownet-io/go-flownet/caselog"
	"github.com/flownet-io/go-flownet/coordinator"
	"github.com/flownet-io/go-flownet/engine"
	"github.com/flownet-io/go-flownet/events"
	"github.com/flownet-io/go-flownet/parser"
	"github.com/flownet-io/go-flownet/server"
)

type serveOptions struct {
	addr   string
	dbPath string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve <spec.yaml>",
		Short: "Serve a specification as a JSON HTTP API",
		Long: `Serve loads a specification, recovers cases from the transaction
log, and exposes the coordinator under /api: launch cases, fire and
complete work items, and inspect snapshots and per-case logs over HTTP.
Prometheus metrics are served on the same address at /metrics.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveSpec(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "transaction log database (default: in-memory)")
	return cmd
}

func serveSpec(cmd *cobra.Command, specPath string, opts *serveOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	spec, err := parser.ParseFile(specPath)
	if err != nil {
		return err
	}

	var store caselog.Store
	if opts.dbPath != "" {
		store, err = caselog.NewSQLiteStore(opts.dbPath)
		if err != nil {
			return err
		}
	} else {
		store = caselog.NewMemoryStore()
	}

	bus := events.NewBus(1024)
	events.LogSink(bus, slog.Default())
	bus.Start()
	defer bus.Stop()

	co := coordinator.New(engine.New(spec), store,
		coordinator.WithBus(bus), coordinator.WithLogger(slog.Default()))
	defer co.Close()

	report, err := co.Recover(ctx)
	if err != nil {
		return err
	}
	if report.Restored > 0 || len(report.Corrupt) > 0 {
		slog.Info("recovered existing cases", "restored", report.Restored, "corrupt", len(report.Corrupt))
	}

	api := server.NewServer(co, server.WithStore(store), server.WithLogger(slog.Default()))
	mux := api.Mux()
	mux.Handle("/metrics", promhttp.Handler())

	slog.Info("serving", "spec", spec.ID, "addr", opts.addr)
	return http.ListenAndServe(opts.addr, mux)
}
