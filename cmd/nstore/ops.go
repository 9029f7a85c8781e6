package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/kk-code-lab/nstore/internal/ops"
	"github.com/kk-code-lab/nstore/internal/storage/fs"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Count objects, version files and open transactions",
		Action: withEnv(func(c *cli.Context, e *env) error {
			root, err := e.userRoot()
			if err != nil {
				return err
			}
			report, err := ops.Status(fs.NewLayout(root))
			if err != nil {
				return err
			}
			return printReport(c.App.Writer, report, e.jsonOut)
		}),
	}
}

func fsckCommand() *cli.Command {
	return &cli.Command{
		Name:  "fsck",
		Usage: "Check statuses against version files and diff bases",
		Action: withEnv(func(c *cli.Context, e *env) error {
			root, err := e.userRoot()
			if err != nil {
				return err
			}
			report, err := ops.Fsck(fs.NewLayout(root))
			if err != nil {
				return err
			}
			if err := printReport(c.App.Writer, report, e.jsonOut); err != nil {
				return err
			}
			if report.Errors > 0 {
				return &exitCodeError{code: 2, msg: fmt.Sprintf("fsck found %d problems", report.Errors), quiet: e.jsonOut}
			}
			return nil
		}),
	}
}

func reapCommand() *cli.Command {
	return &cli.Command{
		Name:  "reap",
		Usage: "Find or cancel stale transactions",
		Subcommands: []*cli.Command{
			{
				Name:  "plan",
				Usage: "List transactions idle for longer than --max-age",
				Flags: []cli.Flag{maxAgeFlag()},
				Action: withEnv(func(c *cli.Context, e *env) error {
					root, err := e.userRoot()
					if err != nil {
						return err
					}
					report, _, err := ops.ReapPlan(root, reapAge(c, e))
					if err != nil {
						return err
					}
					return printReport(c.App.Writer, report, e.jsonOut)
				}),
			},
			{
				Name:  "run",
				Usage: "Cancel transactions idle for longer than --max-age",
				Flags: []cli.Flag{
					maxAgeFlag(),
					&cli.BoolFlag{Name: "force", Usage: "Required to cancel transactions"},
				},
				Action: withEnv(func(c *cli.Context, e *env) error {
					root, err := e.userRoot()
					if err != nil {
						return err
					}
					if err := e.lockStore("reap run"); err != nil {
						return err
					}
					report, err := ops.ReapRun(c.Context, root, reapAge(c, e), c.Bool("force"))
					if err != nil {
						return err
					}
					return printReport(c.App.Writer, report, e.jsonOut)
				}),
			},
		},
	}
}

func maxAgeFlag() cli.Flag {
	return &cli.DurationFlag{Name: "max-age", Usage: "Idle time after which a transaction is stale (default from config)"}
}

func reapAge(c *cli.Context, e *env) time.Duration {
	if c.IsSet("max-age") {
		return c.Duration("max-age")
	}
	return e.storage.TxnMaxAge
}

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "Copy meta.db and write a status report of the user store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "Output directory (default under <data-dir>/snapshots)"},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			root, err := e.userRoot()
			if err != nil {
				return err
			}
			out := c.String("out")
			if out == "" {
				out = filepath.Join(e.cfg.DataDir, "snapshots", "snapshot-"+fmtTime())
			}
			report, err := ops.Snapshot(fs.NewLayout(root), e.metaPath(), out)
			if err != nil {
				return err
			}
			return printReport(c.App.Writer, report, e.jsonOut)
		}),
	}
}

func fmtTime() string {
	return fmt.Sprintf("%d", time.Now().UTC().Unix())
}

func formatReport(report *ops.Report) string {
	if report == nil {
		return ""
	}
	s := fmt.Sprintf("mode=%s objects=%d version_files=%d transactions=%d errors=%d",
		report.Mode, report.Objects, report.VersionFiles, report.Transactions, report.Errors)
	if report.UsedBytes > 0 {
		s += " used=" + humanize.IBytes(uint64(report.UsedBytes))
	}
	if report.Candidates > 0 {
		s += fmt.Sprintf(" candidates=%d", report.Candidates)
	}
	if report.Reaped > 0 {
		s += fmt.Sprintf(" reaped=%d reclaimed=%s", report.Reaped, humanize.IBytes(uint64(report.Reclaimed)))
	}
	return s
}

func printReport(w io.Writer, report *ops.Report, jsonOut bool) error {
	if report == nil {
		return nil
	}
	if jsonOut {
		return writeJSON(w, report)
	}
	if _, err := fmt.Fprintln(w, formatReport(report)); err != nil {
		return err
	}
	for _, id := range report.CandidateIDs {
		fmt.Fprintf(w, "  %s\n", id)
	}
	for _, msg := range report.ErrorSample {
		fmt.Fprintf(w, "  error: %s\n", msg)
	}
	return nil
}
