package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/flownet-io/go-flownet/caselog"
	"github.com/flownet-io/go-flownet/coordinator"
	"github.com/flownet-io/go-flownet/engine"
	"github.com/flownet-io/go-flownet/events"
	"github.com/flownet-io/go-flownet/parser"
)

type runOptions struct {
	dbPath      string
	dataJSON    string
	metricsAddr string
	maxSteps    int
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <spec.yaml>",
		Short: "Launch a case and execute it to completion",
		Long: `Run loads a specification, recovers any cases already in the
transaction log, launches a new case, and drives it by firing every
offered task and completing every executing instance until the case
reaches a terminal status. The final case snapshot is printed as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCase(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "transaction log database (default: in-memory)")
	cmd.Flags().StringVar(&opts.dataJSON, "data", "", "initial case data as JSON")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&opts.maxSteps, "max-steps", 10000, "abort after this many execution steps")
	return cmd
}

func runCase(cmd *cobra.Command, specPath string, opts *runOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	spec, err := parser.ParseFile(specPath)
	if err != nil {
		return err
	}

	var data map[string]any
	if opts.dataJSON != "" {
		if err := json.Unmarshal([]byte(opts.dataJSON), &data); err != nil {
			return fmt.Errorf("parse --data: %w", err)
		}
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

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(opts.metricsAddr, mux); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	co := coordinator.New(engine.New(spec), store,
		coordinator.WithBus(bus), coordinator.WithLogger(slog.Default()))
	defer co.Close()

	if report, err := co.Recover(ctx); err != nil {
		return err
	} else if report.Restored > 0 || len(report.Corrupt) > 0 {
		slog.Info("recovered existing cases", "restored", report.Restored, "corrupt", len(report.Corrupt))
	}

	caseID, err := co.Launch(ctx, data)
	if err != nil {
		return err
	}

	if err := drive(ctx, co, caseID, opts.maxSteps); err != nil {
		return err
	}

	raw, err := co.ExportJSON(caseID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(raw))

	status, err := co.Status(caseID)
	if err != nil {
		return err
	}
	if status != engine.StatusCompleted {
		return fmt.Errorf("case %s finished %s", caseID, status)
	}
	return nil
}

// drive pushes every case forward until nothing is left to do: offered
// tasks are fired, executing instances completed. Composite tasks spawn
// child cases, which get the same treatment; child completion propagates
// back to the parent, so the loop converges.
func drive(ctx context.Context, co *coordinator.Coordinator, rootID string, maxSteps int) error {
	for step := 0; step < maxSteps; step++ {
		progressed := false
		for _, caseID := range co.Cases() {
			status, err := co.Status(caseID)
			if err != nil || status != engine.StatusRunning {
				continue
			}
			items, err := co.WorkItems(caseID)
			if err != nil {
				return err
			}
			for _, item := range items {
				switch item.State {
				case coordinator.WorkItemOffered:
					_, err := co.FireTask(ctx, caseID, item.TaskID)
					// Firing an earlier item can consume the tokens
					// this one needed, or finish the case.
					if stale(err) {
						continue
					}
					if err != nil {
						return err
					}
					progressed = true
				case coordinator.WorkItemExecuting:
					// Composite instances finish through their child case.
					if item.ChildCaseID != "" {
						continue
					}
					err := co.CompleteTask(ctx, caseID, item.InstanceID, "", nil)
					if stale(err) {
						continue
					}
					if err != nil {
						return err
					}
					progressed = true
				}
			}
		}
		if !progressed {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("no terminal state after %d steps", maxSteps)
}

// stale reports errors caused by the work-item snapshot lagging behind the
// case: the item was consumed, cancelled, or the case finished.
func stale(err error) bool {
	if err == nil {
		return false
	}
	var notFireable *engine.NotFireableError
	var instState *engine.InstanceStateError
	var caseStatus *engine.CaseStatusError
	return errors.As(err, &notFireable) || errors.As(err, &instState) || errors.As(err, &caseStatus)
}
