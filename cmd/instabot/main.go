package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"

	"instabot/internal/app"
)

var version = "dev"

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	a := cli.App{
		Name:    "instabot",
		Usage:   "paced engagement scheduler with daily quotas and block detection",
		Version: version,
	}
	a.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to config file (json or yaml)",
			Value:   "./config.yaml",
			EnvVars: []string{"INSTABOT_CONFIG"},
		},
	}
	a.Commands = []*cli.Command{
		runCmd,
		checkConfigCmd,
		statsCmd,
	}
	// Bare invocation runs the bot.
	a.Action = runCmd.Action
	return a.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "start the scheduler and block until SIGINT/SIGTERM",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "upper bound for graceful shutdown",
			Value:   15 * time.Second,
			EnvVars: []string{"INSTABOT_SHUTDOWN_TIMEOUT"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		bot, err := app.New(cctx.String("config"))
		if err != nil {
			return err
		}
		if err := bot.Start(ctx); err != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = bot.Stop(sctx, app.StopFatalError)
			return fmt.Errorf("start: %w", err)
		}

		reason := app.StopSIGTERM
		select {
		case <-ctx.Done():
		case <-bot.Done():
			reason = app.StopFatalError
		}

		timeout := cctx.Duration("shutdown-timeout")
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := bot.Stop(sctx, reason); err != nil {
			return err
		}
		if reason == app.StopFatalError {
			return bot.Err()
		}
		return nil
	},
}

var checkConfigCmd = &cli.Command{
	Name:  "check-config",
	Usage: "load and validate the config, then exit",
	Action: func(cctx *cli.Context) error {
		path := cctx.String("config")
		cfg, err := app.CheckConfig(cctx.Context, path)
		if err != nil {
			return err
		}
		fmt.Printf("%s: ok (driver=%s, daily total=%d)\n", path, cfg.Driver.Mode, cfg.Limits.Counts().Total())
		return nil
	},
}

var statsCmd = &cli.Command{
	Name:  "stats",
	Usage: "print persisted counters and the latest actions",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "recent",
			Usage: "number of journal records to show",
			Value: 20,
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "print JSON instead of tables",
		},
	},
	Action: func(cctx *cli.Context) error {
		rep, err := app.ReadStats(cctx.Context, cctx.String("config"), cctx.Int("recent"))
		if errors.Is(err, app.ErrNoStorage) {
			return cli.Exit("storage is disabled; nothing to show", 2)
		}
		if err != nil {
			return err
		}
		if cctx.Bool("json") {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}
		return rep.WriteText(os.Stdout)
	},
}
