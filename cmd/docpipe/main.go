package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/jorge-barreto/docpipe/internal/config"
	"github.com/jorge-barreto/docpipe/internal/docs"
	"github.com/jorge-barreto/docpipe/internal/doctor"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/logging"
	"github.com/jorge-barreto/docpipe/internal/runner"
	"github.com/jorge-barreto/docpipe/internal/scaffold"
	"github.com/jorge-barreto/docpipe/internal/state"
	"github.com/jorge-barreto/docpipe/internal/ux"
	"github.com/jorge-barreto/docpipe/internal/verify"
)

func main() {
	app := &cli.Command{
		Name:        "docpipe",
		Usage:       "Deterministic documentation pipeline",
		Description: "Run 'docpipe docs' for documentation on configuration, profiles, gates and error codes.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: config.FileName, Usage: "Path to the run configuration"},
			&cli.BoolFlag{Name: "no-color", Usage: "Disable colored output"},
		},
		Commands: []*cli.Command{
			initCmd(),
			runCmd(),
			statusCmd(),
			listCmd(),
			validateCmd(),
			cancelCmd(),
			verifyCmd(),
			goldenCmd(),
			doctorCmd(),
			docsCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	err := app.Run(ctx, os.Args)
	stop()
	if err != nil {
		printError(err, useColor(app))
		os.Exit(errs.ExitCode(err))
	}
}

func printError(err error, color bool) {
	red, yellow, reset := "", "", ""
	if color {
		red, yellow, reset = ux.Red, ux.Yellow, ux.Reset
	}
	fmt.Fprintf(os.Stderr, "%serror:%s %v\n", red, reset, err)
	e, ok := errs.As(err)
	if !ok {
		return
	}
	for _, f := range e.Files {
		fmt.Fprintf(os.Stderr, "  %s\n", f)
	}
	if e.SuggestedFix != "" {
		fmt.Fprintf(os.Stderr, "  %sfix:%s %s\n", yellow, reset, e.SuggestedFix)
	}
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run or resume the pipeline for the configured product and source ref",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			r, err := runner.New(cfg,
				runner.WithLogger(log),
				runner.WithPrinter(ux.NewPrinter(os.Stdout, useColor(cmd))))
			if err != nil {
				return err
			}
			out, err := r.Run(ctx)
			if err != nil {
				if !errs.Is(err, errs.CodeRunLocked) {
					r.Out.ResumeHint(cmd.String("config"))
				}
				return err
			}
			return out.Err()
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the state, work items, issues and artifacts of a run",
		ArgsUsage: "[run-id]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			runDir, err := resolveRunDir(cfg, cmd.Args().First())
			if err != nil {
				return err
			}
			snap, err := state.LoadSnapshot(runDir)
			if err != nil {
				return err
			}
			ux.RenderStatus(os.Stdout, snap, cfg.Budget, useColor(cmd))
			return nil
		},
	}
}

func listCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List the runs under runs_root",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			runs, err := state.ListRuns(cfg.RunsRoot)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Printf("No runs under %s\n", cfg.RunsRoot)
				return nil
			}
			for _, run := range runs {
				if run.Err != nil {
					fmt.Printf("  %-40s %-18s %v\n", run.RunID, "UNREADABLE", run.Err)
					continue
				}
				lock := ""
				if run.Locked {
					lock = " (running)"
				}
				fmt.Printf("  %-40s %-18s %s %s%s\n", run.RunID, run.State, run.Product, run.SourceRef, lock)
			}
			return nil
		},
	}
}

func validateCmd() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Re-run the gates against an existing run without executing workers",
		ArgsUsage: "[run-id]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			runDir, err := resolveRunDir(cfg, cmd.Args().First())
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			r, err := runner.New(cfg,
				runner.WithLogger(log),
				runner.WithPrinter(ux.NewPrinter(os.Stdout, useColor(cmd))))
			if err != nil {
				return err
			}
			report, err := r.Revalidate(ctx, runDir)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", filepath.Join(runDir, report.Entry.Path))
			if !report.OK {
				return errs.New(errs.KindWorker, errs.CodeGateBlocked, "%d blocking issues", len(report.Blocking()))
			}
			return nil
		},
	}
}

func cancelCmd() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a run",
		ArgsUsage: "[run-id]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Usage: "Reason recorded with the cancellation"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			runDir, err := resolveRunDir(cfg, cmd.Args().First())
			if err != nil {
				return err
			}
			res, err := runner.Cancel(ctx, runDir, cmd.String("reason"), nil)
			if err != nil {
				return err
			}
			switch {
			case res.Pending:
				fmt.Println("Cancel requested; the running orchestrator stops at its next checkpoint.")
			default:
				fmt.Printf("Run is %s\n", res.State)
			}
			return nil
		},
	}
}

func verifyCmd() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Run the pipeline twice and compare the canonical artifact hashes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "Directory for both runs and the determinism report (default .docpipe/verify/<run-id>)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			root := cmd.String("out")
			if root == "" {
				root = filepath.Join(cfg.Dir, ".docpipe", "verify", cfg.RunID())
			}
			if _, err := os.Stat(root); err == nil {
				return errs.New(errs.KindConfig, errs.CodeConfigInvalid, "%s already exists", root).
					WithFix("remove it or pass a fresh --out directory")
			}
			report, err := verify.TwoRun(ctx, cfg, root, func(ctx context.Context, c *config.Config) (string, error) {
				r, err := runner.New(c, runner.WithLogger(log))
				if err != nil {
					return "", err
				}
				out, err := r.Run(ctx)
				if err != nil {
					return "", err
				}
				return out.RunDir, out.Err()
			})
			if err != nil {
				return err
			}
			printReport(report, useColor(cmd))
			fmt.Printf("Report: %s\n", filepath.Join(root, verify.ReportFile))
			return report.Err()
		},
	}
}

func goldenCmd() *cli.Command {
	return &cli.Command{
		Name:  "golden",
		Usage: "Capture or compare against the golden baseline",
		Commands: []*cli.Command{
			{
				Name:      "capture",
				Usage:     "Record a finished run as the baseline for its product and source ref",
				ArgsUsage: "[run-id]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					runDir, err := resolveRunDir(cfg, cmd.Args().First())
					if err != nil {
						return err
					}
					meta, path, err := verify.CaptureGolden(cfg.GoldenRoot, runDir)
					if err != nil {
						return err
					}
					fmt.Printf("Captured %d artifacts of %s to %s\n", len(meta.Artifacts), meta.RunID, path)
					return nil
				},
			},
			{
				Name:      "diff",
				Usage:     "Compare a run against its golden baseline",
				ArgsUsage: "[run-id]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Usage: "Directory for mismatch evidence (default <run-dir>/golden_diff)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					runDir, err := resolveRunDir(cfg, cmd.Args().First())
					if err != nil {
						return err
					}
					out := cmd.String("out")
					if out == "" {
						out = filepath.Join(runDir, "golden_diff")
					}
					report, err := verify.DiffGolden(cfg.GoldenRoot, runDir, out)
					if err != nil {
						return err
					}
					printReport(report, useColor(cmd))
					return report.Err()
				},
			},
		},
	}
}

func doctorCmd() *cli.Command {
	return &cli.Command{
		Name:      "doctor",
		Usage:     "Explain why a run failed and what to do next",
		ArgsUsage: "[run-id]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			runDir, err := resolveRunDir(cfg, cmd.Args().First())
			if err != nil {
				return err
			}
			scrub, err := runner.NewScrubber(cfg)
			if err != nil {
				return err
			}
			return doctor.Run(os.Stdout, runDir, scrub, useColor(cmd))
		},
	}
}

func initCmd() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Create docpipe.yaml and an example authorization record",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "source", Usage: "Source repository to document (default: current directory)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}
			return scaffold.Init(dir, cmd.String("source"), os.Stdout)
		},
	}
}

func docsCmd() *cli.Command {
	return &cli.Command{
		Name:      "docs",
		Usage:     "Show documentation",
		ArgsUsage: "[topic]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if name == "" {
				docs.WriteIndex(os.Stdout)
				return nil
			}
			t, err := docs.Get(name)
			if err != nil {
				return err
			}
			fmt.Print(t.Content)
			return nil
		},
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	return config.Load(cmd.String("config"))
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.New(cfg.Log, os.Stderr)
}

// useColor reports whether stdout is a terminal and --no-color is unset.
func useColor(cmd *cli.Command) bool {
	if cmd.Bool("no-color") || os.Getenv("NO_COLOR") != "" {
		return false
	}
	fi, err := os.Stdout.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func printReport(r *verify.Report, color bool) {
	green, red, reset := "", "", ""
	if color {
		green, red, reset = ux.Green, ux.Red, ux.Reset
	}
	if r.Equal {
		fmt.Printf("%sDeterministic:%s %d artifacts match (%s vs %s)\n", green, reset, r.Compared, r.RunA, r.RunB)
	} else {
		fmt.Printf("%sNot deterministic:%s %s vs %s\n", red, reset, r.RunA, r.RunB)
		for _, m := range r.Mismatches {
			fmt.Printf("  differs   %s\n", m.Path)
		}
		for _, p := range r.MissingInA {
			fmt.Printf("  missing a %s\n", p)
		}
		for _, p := range r.MissingInB {
			fmt.Printf("  missing b %s\n", p)
		}
	}
	for _, n := range r.Notes {
		fmt.Printf("  note: %s\n", n)
	}
}
