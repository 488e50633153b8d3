package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/gitadr/internal"
	pkgconfig "github.com/starford/gitadr/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadIfExists(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if repo := cmd.String("repo"); repo != "" {
		cfg.Git.RepoPath = repo
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port := cmd.Int("port"); port != 0 {
		cfg.App.HTTP.Port = int(port)
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}
	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx, internal.WithConfig(cfg), internal.WithVersion(version))
}

func main() {
	cmd := &cli.Command{
		Name:    "gitadr",
		Usage:   "Architecture Decision Records stored in git notes",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file (optional)",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "repo",
				Aliases: []string{"C"},
				Usage:   "Path to the git repository (overrides git.repo_path)",
				Sources: cli.EnvVars("GITADR_REPO"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API with server-sent events",
				Action: serve,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "HTTP port (overrides app.http.port)"},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve the Model Context Protocol on stdio",
				Action: serveMCP,
			},
			listCommand(),
			showCommand(),
			newCommand(),
			searchCommand(),
			supersedeCommand(),
			linkCommand(),
			attachCommand(),
			statsCommand(),
			checkCommand(),
			pushCommand(),
			pullCommand(),
			syncCommand(),
			strategyCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
