package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"rekkord/agent"
	"rekkord/keyring"
	"rekkord/repository"
	"rekkord/saveengine"
)

func main() {
	app := &cli.App{
		Name:  "rekkord-agent",
		Usage: "background scheduler driving rekkord saves from a plan server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "repo",
				Aliases:  []string{"r"},
				Usage:    "repository URL",
				EnvVars:  []string{"REKKORD_REPOSITORY"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "key-file",
				Aliases: []string{"k"},
				Usage:   "portable key file (a write key is enough)",
				EnvVars: []string{"REKKORD_KEY_FILE"},
			},
			&cli.StringFlag{
				Name:  "role",
				Value: "write",
				Usage: "stored role copy to unseal when no key file is given",
			},
			&cli.StringFlag{
				Name:    "passphrase",
				EnvVars: []string{"REKKORD_PASSPHRASE"},
			},
			&cli.StringFlag{
				Name:     "plan-url",
				Usage:    "plan server base URL",
				EnvVars:  []string{"REKKORD_PLAN_URL"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "api-key",
				EnvVars: []string{"REKKORD_API_KEY"},
			},
			&cli.StringFlag{
				Name:  "control-socket",
				Value: "/run/rekkord/agent.sock",
				Usage: "Unix-domain socket served for UI clients",
			},
			&cli.DurationFlag{
				Name:  "period",
				Value: time.Minute,
				Usage: "how often to re-fetch the plan and re-check schedules",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "rekkord-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo *repository.Repository
	var err error
	if keyPath := c.String("key-file"); keyPath != "" {
		repo, err = repository.OpenWithKeyFile(ctx, c.String("repo"), keyPath, c.String("passphrase"))
	} else {
		role, rerr := keyring.ParseRole(c.String("role"))
		if rerr != nil {
			return rerr
		}
		repo, err = repository.OpenWithStoredRole(ctx, c.String("repo"), role, c.String("passphrase"))
	}
	if err != nil {
		return err
	}
	defer repo.Close()

	runner := func(ctx context.Context, channelName string, paths []string) (saveengine.Result, error) {
		return repo.Save(ctx, channelName, paths, saveengine.Settings{SkipUnchanged: true})
	}

	client := agent.NewClient(c.String("plan-url"), c.String("api-key"))
	a := agent.New(client, c.String("repo"), runner, agent.WithPeriod(c.Duration("period")))

	return a.Run(ctx, c.String("control-socket"))
}
