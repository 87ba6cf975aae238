package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"

	"ex-kagami/internal/source"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		slog.Error("kagami exited with error", "error", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:  "kagami",
		Usage: "event-sourced entity cache hub",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML or JSON config file",
				EnvVars: []string{envConfigFile},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the cache hub until interrupted",
				Action: runCommand,
			},
			{
				Name:   "validate",
				Usage:  "check the config file and the component graph",
				Action: validateCommand,
			},
		},
		Action: runCommand,
	}
}

func prepare(c *cli.Context) (appConfig, *source.Registry, error) {
	registry, err := source.NewBuiltinRegistry()
	if err != nil {
		return appConfig{}, nil, fmt.Errorf("new builtin source registry: %w", err)
	}

	cfg, err := loadConfig(c.String("config"), registry)
	if err != nil {
		return appConfig{}, nil, fmt.Errorf("load config: %w", err)
	}

	return cfg, registry, nil
}

func runCommand(c *cli.Context) error {
	cfg, registry, err := prepare(c)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.logLevel)
	app := fx.New(appOptions(cfg, registry, logger))
	if err := app.Err(); err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	startCtx, cancelStart := context.WithTimeout(c.Context, app.StartTimeout())
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}

	shutdown := <-app.Wait()
	logger.Info("shutting down", "signal", fmt.Sprint(shutdown.Signal), "exit_code", shutdown.ExitCode)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop app: %w", err)
	}
	if shutdown.ExitCode != 0 {
		return fmt.Errorf("app exited with code %d", shutdown.ExitCode)
	}

	return nil
}

func validateCommand(c *cli.Context) error {
	cfg, registry, err := prepare(c)
	if err != nil {
		return err
	}

	if err := fx.ValidateApp(appOptions(cfg, registry, newLogger(cfg.logLevel))); err != nil {
		return fmt.Errorf("validate app graph: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "config ok: %d source(s), diag enabled: %t\n", len(cfg.sources), cfg.diagEnabled)

	return nil
}
