package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/app"
	"github.com/legal-doc-processor/backend/internal/pipeline"
	"github.com/legal-doc-processor/backend/pkg/config"
	appLogger "github.com/legal-doc-processor/backend/pkg/logger"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:  "docpipe-worker",
		Usage: "Run document pipeline stages and operate on documents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a config file; the default search path is used when empty",
			},
		},
		Action: runCommand,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Consume work items from the shared queue until interrupted",
				Action: runCommand,
			},
			{
				Name:      "status",
				Usage:     "Print the stage report of a document",
				ArgsUsage: "<document-id>",
				Action:    statusCommand,
			},
			{
				Name:      "reset",
				Usage:     "Clear a stage and everything downstream of it under a new generation",
				ArgsUsage: "<document-id>",
				Action:    resetCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "stage",
						Aliases:  []string{"s"},
						Usage:    "First stage to clear",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "redrive",
						Usage: "Enqueue the first runnable stage after the reset",
					},
				},
			},
			{
				Name:      "redrive",
				Usage:     "Enqueue the first stage of a document that has not completed",
				ArgsUsage: "<document-id>",
				Action:    redriveCommand,
			},
		},
	}
}

// open loads configuration, initializes logging and connects every backend.
func open(c *cli.Context) (*app.App, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return app.New(c.Context, cfg)
}

func runCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := open(c)
	if err != nil {
		return err
	}
	defer appLogger.Sync()
	defer application.Close(context.Background())

	if application.Config.Queue.Backend == "memory" {
		return errors.New("a standalone worker needs a shared queue; set queue.backend to redis")
	}

	w, err := application.Worker()
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	appLogger.Info("Starting document pipeline worker", zap.String("queue", application.Config.Queue.Name))
	return w.Run(ctx)
}

func statusCommand(c *cli.Context) error {
	id, err := documentArg(c)
	if err != nil {
		return err
	}

	application, err := open(c)
	if err != nil {
		return err
	}
	defer application.Close(context.Background())

	report, err := application.Orchestrator.Status(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(c, report)
}

func resetCommand(c *cli.Context) error {
	id, err := documentArg(c)
	if err != nil {
		return err
	}
	stage, err := pipeline.ParseStage(c.String("stage"))
	if err != nil {
		return err
	}

	application, err := open(c)
	if err != nil {
		return err
	}
	defer application.Close(context.Background())

	doc, err := application.Orchestrator.Reset(c.Context, id, stage)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "document %s reset from %s, generation %d\n", doc.ID, stage, doc.Generation)

	if !c.Bool("redrive") {
		return nil
	}
	next, err := application.Orchestrator.Redrive(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "enqueued %s\n", next)
	return nil
}

func redriveCommand(c *cli.Context) error {
	id, err := documentArg(c)
	if err != nil {
		return err
	}

	application, err := open(c)
	if err != nil {
		return err
	}
	defer application.Close(context.Background())

	if application.Config.Queue.Backend == "memory" {
		return errors.New("redrive needs the shared queue; set queue.backend to redis")
	}

	next, err := application.Orchestrator.Redrive(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "enqueued %s\n", next)
	return nil
}

func documentArg(c *cli.Context) (uuid.UUID, error) {
	if c.NArg() != 1 {
		return uuid.Nil, fmt.Errorf("expected exactly one document id, got %d arguments", c.NArg())
	}
	id, err := uuid.Parse(c.Args().First())
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid document id %q: %w", c.Args().First(), err)
	}
	return id, nil
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
