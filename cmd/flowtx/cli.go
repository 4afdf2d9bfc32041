package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/flowtx"
	"github.com/petrijr/flowtx/internal/config"
	"github.com/petrijr/flowtx/internal/logging"
	"github.com/petrijr/flowtx/pkg/api"
	"github.com/petrijr/flowtx/pkg/planfile"
)

const usage = `Usage:
  flowtx run [-actor name] <plan.yaml> [key=value...]
  flowtx runs [-status STATUS] [workflow]
  flowtx events <run-id>
  flowtx version
`

// run executes one CLI invocation and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	if args[0] == "version" {
		fmt.Fprintf(stdout, "flowtx %s\n", version)
		return 0
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		slog.New(slog.NewTextHandler(stderr, nil)).Error("config error", "err", err)
		return 1
	}
	logger := logging.NewWithWriter(cfg.Log.Level, cfg.Log.Format, stderr)

	var cmd func(context.Context, *app, []string, io.Writer) error
	switch args[0] {
	case "run":
		cmd = runPlan
	case "runs":
		cmd = listRuns
	case "events":
		cmd = listEvents
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		return 1
	}
	defer a.Close()

	if err := cmd(ctx, a, args[1:], stdout); err != nil {
		var ee *api.ExecutionError
		if errors.As(err, &ee) {
			// The result has already been printed.
			return 1
		}
		if errors.Is(err, errUsage) {
			fmt.Fprint(stderr, usage)
			return 2
		}
		logger.Error(args[0]+" failed", "err", err)
		return 1
	}
	return 0
}

var errUsage = errors.New("usage")

func runPlan(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	actor := fs.String("actor", "", "actor invoking the run")
	if err := fs.Parse(args); err != nil || fs.NArg() < 1 {
		return errUsage
	}

	params, err := parseParams(fs.Args()[1:])
	if err != nil {
		return err
	}
	def, err := planfile.LoadDefinition(fs.Arg(0), a.services)
	if err != nil {
		return err
	}

	var who any
	if *actor != "" {
		who = *actor
	}
	res, runErr := flowtx.Execute(ctx, a.engine, def, who, params)
	if res == nil {
		return runErr
	}

	a.logger.Info("run finished",
		slog.String("workflow", res.Workflow),
		slog.String("run_id", res.RunID),
		slog.Bool("success", res.Success),
	)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	return runErr
}

// parseParams turns key=value pairs into params. Values are decoded as YAML
// scalars, so "total=150" yields a number and "vip=true" a bool.
func parseParams(pairs []string) (api.Params, error) {
	params := api.Params{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, want key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}

func listRuns(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	status := fs.String("status", "", "filter by status (COMPLETED, FAILED)")
	if err := fs.Parse(args); err != nil || fs.NArg() > 1 {
		return errUsage
	}

	runs, err := flowtx.ListRuns(ctx, a.engine, flowtx.RunListOptions{
		Workflow: fs.Arg(0),
		Status:   api.Status(strings.ToUpper(*status)),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKFLOW\tSTATUS\tSTARTED\tDURATION\tFAILING STEP")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Workflow, r.Status,
			r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Microsecond), r.FailingStep)
	}
	return w.Flush()
}

func listEvents(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	evs, err := flowtx.ListEvents(ctx, a.engine, args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tTYPE\tSTEP\tDETAIL")
	for _, ev := range evs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.At.Format(time.RFC3339Nano), ev.Type, ev.Step, ev.Detail)
	}
	return w.Flush()
}
