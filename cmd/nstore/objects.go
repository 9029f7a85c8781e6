package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/kk-code-lab/nstore/internal/clock"
	"github.com/kk-code-lab/nstore/internal/storage/chunk"
	"github.com/kk-code-lab/nstore/internal/store"
)

// objArg returns the object id argument. A missing argument selects the
// root object.
func objArg(c *cli.Context) string {
	return c.Args().First()
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:  "ls",
		Usage: "List objects with their current and archived versions",
		Action: withEnv(func(c *cli.Context, e *env) error {
			s, err := e.openStore()
			if err != nil {
				return err
			}
			ids, err := s.ListObjs(c.Context)
			if err != nil {
				return err
			}
			type entry struct {
				ObjID  string           `json:"obj_id"`
				Status *store.ObjStatus `json:"status"`
			}
			var out []entry
			if st, err := s.ObjStatus(c.Context, ""); err == nil {
				out = append(out, entry{ObjID: "", Status: st})
			}
			for _, id := range ids {
				st, err := s.ObjStatus(c.Context, id)
				if err != nil {
					continue
				}
				out = append(out, entry{ObjID: id, Status: st})
			}
			if e.jsonOut {
				return writeJSON(c.App.Writer, out)
			}
			for _, en := range out {
				id := en.ObjID
				if id == "" {
					id = "<root>"
				}
				fmt.Fprintf(c.App.Writer, "%s\t%s\tcurrent=%d\tarchived=%v\n", id, en.Status.State, en.Status.CurrentVersion, en.Status.ArchivedVersions)
			}
			return nil
		}),
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show the layout of a stored version file",
		ArgsUsage: "[OBJ_ID [VERSION]]",
		Action: withEnv(func(c *cli.Context, e *env) error {
			s, err := e.openStore()
			if err != nil {
				return err
			}
			objID := objArg(c)
			var version uint64
			if c.NArg() > 1 {
				if version, err = parseVersion(c.Args().Get(1)); err != nil {
					return err
				}
			} else {
				st, err := s.ObjStatus(c.Context, objID)
				if err != nil {
					return err
				}
				if st.State != store.StateCurrent {
					return errors.Wrapf(store.ErrObjectUnknown, "object %q has no current version", objID)
				}
				version = st.CurrentVersion
			}
			info, err := s.VersionInfo(objID, version)
			if err != nil {
				return err
			}
			if e.jsonOut {
				return writeJSON(c.App.Writer, info)
			}
			w := c.App.Writer
			fmt.Fprintf(w, "path:     %s\n", info.Path)
			fmt.Fprintf(w, "size:     %s\n", humanize.IBytes(uint64(info.Size)))
			fmt.Fprintf(w, "header:   %d\n", info.HeaderLen)
			fmt.Fprintf(w, "segments: %d\n", info.SegsLen)
			fmt.Fprintf(w, "base:     %d\n", info.BaseVersion)
			fmt.Fprintf(w, "complete: %t\n", info.Complete)
			for _, ch := range info.Chunks {
				fmt.Fprintf(w, "  %-14s ofs=%d len=%d file_ofs=%d base_ofs=%d\n", ch.Type, ch.ThisVerOfs, ch.Len, ch.FileOfs, ch.BaseVerOfs)
			}
			return nil
		}),
	}
}

func catCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "Write object bytes to stdout",
		ArgsUsage: "[OBJ_ID]",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "version", Usage: "Read an archived version instead of the current one"},
			&cli.BoolFlag{Name: "header", Usage: "Include the version header"},
			&cli.Uint64Flag{Name: "offset", Usage: "Segment offset to start at"},
			&cli.Int64Flag{Name: "limit", Value: -1, Usage: "Maximum segment bytes, negative reads to the end"},
			&cli.BoolFlag{Name: "digest", Usage: "Print the BLAKE3 digest instead of the bytes"},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			s, err := e.openStore()
			if err != nil {
				return err
			}
			objID := objArg(c)
			var r *store.ObjReader
			if c.IsSet("version") {
				r, err = s.GetArchivedObjVersion(c.Context, objID, c.Uint64("version"), c.Bool("header"), c.Uint64("offset"), c.Int64("limit"))
			} else {
				r, err = s.GetCurrentObj(c.Context, objID, c.Bool("header"), c.Uint64("offset"), c.Int64("limit"))
			}
			if err != nil {
				return err
			}
			rc := r.Open(c.Context)
			defer rc.Close()
			if c.Bool("digest") {
				sum, n, err := chunk.Digest(rc)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%x  v%d  %s\n", sum, r.Version, humanize.IBytes(uint64(n)))
				return nil
			}
			_, err = io.Copy(c.App.Writer, rc)
			return err
		}),
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "Save a file as the next version of an object",
		ArgsUsage: "OBJ_ID FILE|-",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "version", Usage: "Version to write (default: one past the newest)"},
			&cli.Uint64Flag{Name: "header-len", Usage: "Length of the version header at the start of the file"},
			&cli.StringFlag{Name: "chunk", Usage: "Upload in requests of this size, e.g. 4MiB"},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			if c.NArg() != 2 {
				return errors.New("put: expected OBJ_ID and FILE")
			}
			data, err := readInput(c.Args().Get(1))
			if err != nil {
				return err
			}
			var step uint64
			if v := c.String("chunk"); v != "" {
				if step, err = humanize.ParseBytes(v); err != nil {
					return errors.Wrapf(err, "put: chunk %q", v)
				}
			}
			if err := e.lockStore("put"); err != nil {
				return err
			}
			s, err := e.openStore()
			if err != nil {
				return err
			}
			objID := c.Args().First()
			isNew := false
			var version uint64
			st, err := s.ObjStatus(c.Context, objID)
			switch {
			case errors.Is(err, store.ErrObjectUnknown):
				isNew, version = true, 1
			case err != nil:
				return err
			default:
				version = nextVersion(st)
			}
			if c.IsSet("version") {
				version = c.Uint64("version")
			}
			if err := upload(c, s, objID, data, c.Uint64("header-len"), step, store.SaveOpts{IsNewObj: isNew, Version: version}); err != nil {
				if cur, ok := store.CurrentVersionOf(err); ok {
					return errors.Wrapf(err, "put: current version is %d", cur)
				}
				return err
			}
			fmt.Fprintf(c.App.Writer, "%s v%d %s\n", displayID(objID), version, humanize.IBytes(uint64(len(data))))
			return nil
		}),
	}
}

// upload sends data in requests of at most step bytes. The first request
// always carries the whole header.
func upload(c *cli.Context, s *store.Store, objID string, data []byte, hdr, step uint64, o store.SaveOpts) error {
	total := uint64(len(data))
	if hdr > total {
		return errors.Errorf("put: header length %d exceeds %d byte file", hdr, total)
	}
	if step == 0 {
		step = total
	}
	first := max(min(step, total), hdr)
	o.Header = hdr
	o.Last = first == total
	txnID, err := s.StartSaving(c.Context, objID, nil, bytes.NewReader(data[:first]), first, o)
	if err != nil {
		return err
	}
	for pos := first; pos < total; {
		n := min(step, total-pos)
		txnID, err = s.ContinueSaving(c.Context, objID, bytes.NewReader(data[pos:pos+n]), n, store.ContinueOpts{
			TxnID:  txnID,
			Offset: pos - hdr,
			Last:   pos+n == total,
		})
		if err != nil {
			return err
		}
		pos += n
	}
	return nil
}

func nextVersion(st *store.ObjStatus) uint64 {
	v := st.CurrentVersion
	for _, a := range st.ArchivedVersions {
		v = max(v, a)
	}
	return v + 1
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:      "archive",
		Usage:     "Add the current version of an object to its archive",
		ArgsUsage: "[OBJ_ID]",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "version", Usage: "Expected current version, 0 matches any"},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			if err := e.lockStore("archive"); err != nil {
				return err
			}
			s, err := e.openStore()
			if err != nil {
				return err
			}
			v, err := s.ArchiveCurrentObjVersion(c.Context, objArg(c), c.Uint64("version"))
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%s v%d archived\n", displayID(objArg(c)), v)
			return nil
		}),
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "Remove the current version or one archived version of an object",
		ArgsUsage: "[OBJ_ID]",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "version", Usage: "Expected current version, 0 matches any"},
			&cli.Uint64Flag{Name: "archived", Usage: "Remove this archived version instead of the current one"},
			&cli.BoolFlag{Name: "cancel", Usage: "Cancel the open transaction of the object instead"},
			&cli.StringFlag{Name: "txn", Usage: "Transaction id to cancel, empty cancels any"},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			if err := e.lockStore("rm"); err != nil {
				return err
			}
			s, err := e.openStore()
			if err != nil {
				return err
			}
			objID := objArg(c)
			switch {
			case c.Bool("cancel"):
				err = s.CancelTransaction(c.Context, objID, c.String("txn"))
			case c.IsSet("archived"):
				err = s.DeleteArchivedObjVersion(c.Context, objID, c.Uint64("archived"))
			default:
				err = s.DeleteCurrentObjVersion(c.Context, objID, c.Uint64("version"))
			}
			return err
		}),
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "List recorded object events of a user",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "since", Usage: "Only events after this HLC timestamp"},
			&cli.IntFlag{Name: "limit", Value: 1000, Usage: "Maximum number of events"},
		},
		Action: withEnv(func(c *cli.Context, e *env) error {
			if e.userID == "" {
				return ErrUserRequired
			}
			m, err := e.openMeta()
			if err != nil {
				return err
			}
			since := c.String("since")
			if since != "" {
				if _, err := clock.ParseTimestamp(since); err != nil {
					return err
				}
			}
			events, err := m.EventsSince(c.Context, e.userID, since, c.Int("limit"))
			if err != nil {
				return err
			}
			if e.jsonOut {
				return writeJSON(c.App.Writer, events)
			}
			for _, ev := range events {
				when := ev.CreatedAt
				if ts, err := clock.ParseTimestamp(ev.HLC); err == nil {
					when = ts.Time().Format(time.RFC3339Nano)
				}
				fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\t%s\tv%d\n", ev.HLC, when, ev.Kind, displayID(ev.ObjID), ev.Version)
			}
			return nil
		}),
	}
}

func usageCommand() *cli.Command {
	return &cli.Command{
		Name:  "usage",
		Usage: "Show the last recorded space usage of users",
		Action: withEnv(func(c *cli.Context, e *env) error {
			m, err := e.openMeta()
			if err != nil {
				return err
			}
			usage, err := m.ListUsage(c.Context)
			if err != nil {
				return err
			}
			if e.userID != "" {
				u, err := m.GetUsage(c.Context, e.userID)
				if err != nil {
					return errors.Wrapf(err, "usage of %q", e.userID)
				}
				usage = usage[:0]
				usage = append(usage, *u)
			}
			if e.jsonOut {
				return writeJSON(c.App.Writer, usage)
			}
			for _, u := range usage {
				quota := "unlimited"
				if u.QuotaBytes > 0 {
					quota = humanize.IBytes(uint64(u.QuotaBytes))
				}
				fmt.Fprintf(c.App.Writer, "%s\tused=%s\tquota=%s\tobjects=%d\t%s\n", u.UserID, humanize.IBytes(uint64(u.UsedBytes)), quota, u.Objects, u.UpdatedAt)
			}
			return nil
		}),
	}
}

func parseVersion(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, errors.Wrapf(ErrBadVersion, "%q", s)
	}
	return v, nil
}

func displayID(objID string) string {
	if objID == "" {
		return "<root>"
	}
	return objID
}
