package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/precious195/airbrain-sub000/internal/config"
	"github.com/precious195/airbrain-sub000/internal/planner"
	"github.com/precious195/airbrain-sub000/internal/session"
	"github.com/precious195/airbrain-sub000/internal/workflow"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
)

func newRootCommand() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:           "airbraind",
		Short:         "Workflow automation daemon for business systems",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $"+config.EnvConfigPath+" or "+config.DefaultPath+")")

	load := func() (*config.Config, error) {
		return config.Load(config.ResolvePath(cfgFile))
	}
	root.AddCommand(
		newServeCommand(load),
		newRunCommand(load),
		newValidateCommand(load),
		newVersionCommand(),
	)
	return root
}

func newServeCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and task workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(a.sessions.Start(ctx)) })
	g.Go(func() error { return ignoreCanceled(a.coordinator.Start(ctx)) })
	g.Go(func() error { return ignoreCanceled(a.processor.Start(ctx)) })
	if a.metrics != nil && cfg.Metrics.Address != "" {
		g.Go(func() error { return ignoreCanceled(a.metrics.StartServer(ctx, cfg.Metrics.Address)) })
	}
	g.Go(func() error { return ignoreCanceled(a.server.Start(ctx)) })

	logger.L().Info("airbraind 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("workflow_store", cfg.Storage.Workflows.Driver),
		slog.String("session_store", cfg.Session.Store),
		slog.String("version", version),
	)
	return g.Wait()
}

func newRunCommand(load func() (*config.Config, error)) *cobra.Command {
	var (
		target     string
		tenant     string
		systemType string
		vars       []string
	)
	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Execute a plan file once against a target and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			variables, err := parseVariables(vars)
			if err != nil {
				return err
			}
			return runPlan(cmd.Context(), cfg, runInput{
				PlanFile:   args[0],
				Target:     target,
				Tenant:     tenant,
				SystemType: session.SystemType(systemType),
				Variables:  variables,
			}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target system base URL")
	cmd.Flags().StringVar(&tenant, "tenant", "default", "tenant owning the session")
	cmd.Flags().StringVar(&systemType, "system", "", "system type: api, browser or hybrid")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "initial variable as name=value, repeatable")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

type runInput struct {
	PlanFile   string
	Target     string
	Tenant     string
	SystemType session.SystemType
	Variables  map[string]any
}

// runPlan 在本进程内执行计划文件，结果以 JSON 写入 out。
func runPlan(ctx context.Context, cfg *config.Config, in runInput, out io.Writer) error {
	plan, err := planner.LoadPlanFile(in.PlanFile)
	if err != nil {
		return err
	}
	if in.SystemType == "" {
		in.SystemType = session.SystemType(plan.SystemType)
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = a.coordinator.Start(runCtx) }()

	sess, err := a.sessions.GetOrCreate(ctx, in.Tenant, in.Target, in.SystemType)
	if err != nil {
		return err
	}
	release, err := a.sessions.Acquire(ctx, sess)
	if err != nil {
		return err
	}
	defer release()
	actions, err := a.executors.ExecutorFor(ctx, sess, in.SystemType)
	if err != nil {
		return err
	}
	wf := workflow.New(*plan, workflow.WithSession(sess.ID, in.Tenant), workflow.WithVariables(in.Variables))
	res, runErr := a.engine.Execute(ctx, wf, actions)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if res != nil {
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return runErr
}

func parseVariables(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("变量格式应为 name=value: %q", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			vars[name] = decoded
		} else {
			vars[name] = value
		}
	}
	return vars, nil
}

func newValidateCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [plan-file...]",
		Short: "Validate the configuration and optional plan files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := load(); err != nil {
				return err
			}
			var errs []error
			for _, path := range args {
				plan, err := planner.LoadPlanFile(path)
				if err == nil {
					err = workflow.Validate(plan.Steps)
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d steps ok\n", path, len(plan.Steps))
			}
			if len(errs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			}
			return errors.Join(errs...)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "airbraind %s (%s)\n", version, commit)
		},
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
