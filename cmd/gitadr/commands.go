package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/starford/gitadr/internal"
	"github.com/starford/gitadr/internal/index"
	"github.com/starford/gitadr/internal/models"
	"github.com/starford/gitadr/internal/parser"
	"github.com/starford/gitadr/internal/storage"
)

// withEngine opens the repository for a one-shot command. Logs go to stderr
// so stdout carries only command output.
func withEngine(fn func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := internal.NewLogger(os.Stderr, cfg.App.LogLevel)
		eng, err := internal.OpenEngine(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer eng.Close()
		return fn(ctx, cmd, eng)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dateFlag(cmd *cli.Command, name string) (time.Time, error) {
	v := cmd.String(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(models.DateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD", name)
	}
	return t, nil
}

func statusFlag(cmd *cli.Command) (models.Status, error) {
	v := cmd.String("status")
	if v == "" {
		return "", nil
	}
	return models.ParseStatus(v)
}

func requireArgs(cmd *cli.Command, n int) error {
	if cmd.Args().Len() != n {
		return fmt.Errorf("%s: expected %d argument(s), got %d", cmd.Name, n, cmd.Args().Len())
	}
	return nil
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List ADRs as JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Usage: "Filter by status"},
			&cli.StringFlag{Name: "tag", Usage: "Filter by tag"},
			&cli.StringFlag{Name: "since", Usage: "Earliest date (YYYY-MM-DD)"},
			&cli.StringFlag{Name: "until", Usage: "Latest date (YYYY-MM-DD)"},
			&cli.BoolFlag{Name: "linked", Usage: "Only ADRs with linked commits"},
			&cli.BoolFlag{Name: "unlinked", Usage: "Only ADRs without linked commits"},
			&cli.BoolFlag{Name: "reverse", Aliases: []string{"r"}, Usage: "Newest first"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Max entries"},
			&cli.IntFlag{Name: "offset", Usage: "Skip entries"},
		},
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error {
			opts := index.QueryOptions{
				Tag:     cmd.String("tag"),
				Reverse: cmd.Bool("reverse"),
				Limit:   int(cmd.Int("limit")),
				Offset:  int(cmd.Int("offset")),
			}
			var err error
			if opts.Status, err = statusFlag(cmd); err != nil {
				return err
			}
			if opts.Since, err = dateFlag(cmd, "since"); err != nil {
				return err
			}
			if opts.Until, err = dateFlag(cmd, "until"); err != nil {
				return err
			}
			switch {
			case cmd.Bool("linked") && cmd.Bool("unlinked"):
				return fmt.Errorf("--linked and --unlinked are mutually exclusive")
			case cmd.Bool("linked"):
				yes := true
				opts.HasLinkedCommits = &yes
			case cmd.Bool("unlinked"):
				no := false
				opts.HasLinkedCommits = &no
			}
			res, err := eng.Service.Query(ctx, opts)
			if err != nil {
				return err
			}
			return printJSON(res)
		}),
	}
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Print one ADR in note form",
		ArgsUsage: "<id>",
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error {
			if err := requireArgs(cmd, 1); err != nil {
				return err
			}
			d, err := eng.Service.Get(ctx, cmd.Args().First())
			if err != nil {
				return err
			}
			text, err := parser.Serialize(d.ADR)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(text)
			return err
		}),
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "new",
		Usage: "Record a new ADR",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "Decision title", Required: true},
			&cli.StringFlag{Name: "status", Usage: "Initial status (default: draft)"},
			&cli.StringFlag{Name: "date", Usage: "Decision date (default: today)"},
			&cli.StringSliceFlag{Name: "tag", Usage: "Tag (repeatable)"},
			&cli.StringSliceFlag{Name: "decider", Usage: "Decider (repeatable)"},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Read the Markdown body from a file, - for stdin"},
		},
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error {
			a := &models.ADR{
				Title:    cmd.String("title"),
				Tags:     cmd.StringSlice("tag"),
				Deciders: cmd.StringSlice("decider"),
			}
			var err error
			if a.Status, err = statusFlag(cmd); err != nil {
				return err
			}
			if a.Date, err = dateFlag(cmd, "date"); err != nil {
				return err
			}
			switch f := cmd.String("file"); f {
			case "":
			case "-":
				body, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				a.Content = string(body)
			default:
				body, err := os.ReadFile(f)
				if err != nil {
					return err
				}
				a.Content = string(body)
			}
			d, err := eng.Service.Create(ctx, a)
			if err != nil {
				return err
			}
			fmt.Println(d.ID)
			return nil
		}),
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Ranked full-text search, printed as JSON",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Usage: "Filter by status"},
			&cli.StringFlag{Name: "tag", Usage: "Filter by tag"},
			&cli.BoolFlag{Name: "regex", Aliases: []string{"E"}, Usage: "Treat query as a regular expression"},
			&cli.BoolFlag{Name: "case-sensitive", Aliases: []string{"s"}, Usage: "Match case exactly"},
			&cli.IntFlag{Name: "context", Usage: "Lines of context around matches"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: index.DefaultSearchLimit, Usage: "Max results"},
		},
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error {
			if err := requireArgs(cmd, 1); err != nil {
				return err
			}
			status, err := statusFlag(cmd)
			if err != nil {
				return err
			}
			hits, err := eng.Service.Search(ctx, index.SearchOptions{
				Query:         cmd.Args().First(),
				Status:        status,
				Tag:           cmd.String("tag"),
				Regex:         cmd.Bool("regex"),
				CaseSensitive: cmd.Bool("case-sensitive"),
				ContextLines:  int(cmd.Int("context")),
				Limit:         int(cmd.Int("limit")),
			})
			if err != nil {
				return err
			}
			if hits == nil {
				hits = []index.SearchMatch{}
			}
			return printJSON(hits)
		}),
	}
}

func supersedeCommand() *cli.Command {
	return &cli.Command{
		Name:      "supersede",
		Usage:     "Mark an ADR as superseded by another",
		ArgsUsage: "<old-id> <new-id>",
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error {
			if err := requireArgs(cmd, 2); err != nil {
				return err
			}
			return eng.Service.Supersede(ctx, cmd.Args().Get(0), cmd.Args().Get(1))
		}),
	}
}

func linkCommand() *cli.Command {
	return &cli.Command{
		Name:      "link",
		Usage:     "Link a commit to an ADR",
		ArgsUsage: "<id> <commit>",
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error {
			if err := requireArgs(cmd, 2); err != nil {
				return err
			}
			_, err := eng.Service.LinkCommit(ctx, cmd.Args().Get(0), cmd.Args().Get(1))
			return err
		}),
	}
}

func attachCommand() *cli.Command {
	return &cli.Command{
		Name:      "attach",
		Usage:     "Attach a file to an ADR",
		ArgsUsage: "<id> <file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "alt", Usage: "Alt text for the reference"},
			&cli.StringFlag{Name: "name", Usage: "Stored file name (default: base name of <file>)"},
		},
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error {
			if err := requireArgs(cmd, 2); err != nil {
				return err
			}
			path := cmd.Args().Get(1)
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			name := cmd.String("name")
			if name == "" {
				name = filepath.Base(path)
			}
			info, err := eng.Service.AttachArtifact(ctx, cmd.Args().Get(0), data, name, cmd.String("alt"))
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s, %s) %s\n", info.Name, humanize.IBytes(uint64(info.Size)), info.MimeType, parser.ArtifactMarker(info))
			return nil
		}),
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print counts by status and tag as JSON",
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error {
			st, err := eng.Service.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		}),
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Report ADRs with inconsistent metadata; fails when any are found",
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error {
			problems, err := eng.Service.Problems(ctx)
			if err != nil {
				return err
			}
			for _, p := range problems {
				fmt.Printf("%s: %s\n", p.ID, p.Message)
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d problem(s) found", len(problems))
			}
			return nil
		}),
	}
}

func remoteFlag() cli.Flag {
	return &cli.StringFlag{Name: "remote", Usage: "Remote name (default: sync.remote)"}
}

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:  "push",
		Usage: "Push the notes refs",
		Flags: []cli.Flag{
			remoteFlag(),
			&cli.BoolFlag{Name: "force", Usage: "Overwrite the remote refs"},
		},
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error {
			res, err := eng.Service.Push(ctx, eng.PushOptions(cmd.String("remote"), cmd.Bool("force")))
			if err != nil {
				return err
			}
			return printJSON(res)
		}),
	}
}

func pullCommand() *cli.Command {
	return &cli.Command{
		Name:  "pull",
		Usage: "Fetch and merge the notes refs",
		Flags: []cli.Flag{
			remoteFlag(),
			&cli.StringFlag{Name: "strategy", Usage: "Merge strategy: union, ours, theirs, cat_sort_uniq"},
		},
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error {
			res, err := eng.Service.Pull(ctx, eng.PullOptions(cmd.String("remote"), cmd.String("strategy")))
			if err != nil {
				return err
			}
			return printJSON(res)
		}),
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Pull, then push",
		Flags: []cli.Flag{
			remoteFlag(),
			&cli.StringFlag{Name: "strategy", Usage: "Merge strategy for the pull"},
		},
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error {
			pull := eng.PullOptions(cmd.String("remote"), cmd.String("strategy"))
			pulled, pushed, err := eng.Sync.Sync(ctx, pull.Remote, pull.Strategy, pull.Timeout)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"pulled": pulled, "pushed": pushed})
		}),
	}
}

func strategyCommand() *cli.Command {
	return &cli.Command{
		Name:      "strategy",
		Usage:     "Persist the default notes merge strategy in git config",
		ArgsUsage: "<union|ours|theirs|cat_sort_uniq>",
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *internal.Engine) error {
			if err := requireArgs(cmd, 1); err != nil {
				return err
			}
			return eng.Sync.SetDefaultStrategy(ctx, storage.MergeStrategy(cmd.Args().First()))
		}),
	}
}
