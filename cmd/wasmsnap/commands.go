package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/gowebpki/jcs"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/wasmsnap/compactor"
	"github.com/INLOpen/wasmsnap/config"
	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/effector"
	"github.com/INLOpen/wasmsnap/hooks"
	"github.com/INLOpen/wasmsnap/ipc"
	"github.com/INLOpen/wasmsnap/journal"
	"github.com/INLOpen/wasmsnap/logfile"
	"github.com/INLOpen/wasmsnap/replay"
	"github.com/INLOpen/wasmsnap/vproc"
)

// bridgeBuffer is how many records send and recv keep in flight.
const bridgeBuffer = 256

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	hooks  hooks.HookManager
	tp     trace.TracerProvider
	stdout io.Writer
	stderr io.Writer
}

// usageError is a malformed command line.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

// opError ties a failure to the command and path it happened on.
type opError struct {
	op   string
	path string
	err  error
}

func (e *opError) Error() string { return fmt.Sprintf("%s %s: %v", e.op, e.path, e.err) }

func (e *opError) Unwrap() error { return e.err }

func fail(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &opError{op: op, path: path, err: err}
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func parseArgs(fs *flag.FlagSet, args []string, want int, form string) error {
	if err := fs.Parse(args); err != nil {
		return &usageError{msg: err.Error()}
	}
	if fs.NArg() != want {
		return &usageError{msg: "usage: " + form}
	}
	return nil
}

// logOptions maps the journal section of the configuration onto a log file.
func (a *app) logOptions() (logfile.Options, error) {
	ct, err := core.ParseCompressionType(a.cfg.Journal.Compression)
	if err != nil {
		return logfile.Options{}, err
	}
	sm, err := logfile.ParseSyncMode(a.cfg.Journal.SyncMode)
	if err != nil {
		return logfile.Options{}, err
	}
	return logfile.Options{
		Compression: ct,
		SyncMode:    sm,
		MaxSize:     a.cfg.Journal.MaxSizeBytes,
		LockTimeout: config.ParseDuration(a.cfg.Journal.LockTimeout, 0, a.logger),
		Logger:      a.logger,
		HookManager: a.hooks,
	}, nil
}

func (a *app) compactOptions(lo logfile.Options) compactor.Options {
	return compactor.Options{
		LockTimeout:    lo.LockTimeout,
		Compression:    lo.Compression,
		Logger:         a.logger,
		HookManager:    a.hooks,
		TracerProvider: a.tp,
	}
}

func (a *app) openReader(path string) (*logfile.Reader, error) {
	return logfile.OpenReader(path, logfile.Options{Logger: a.logger})
}

func (a *app) compact(ctx context.Context, args []string) error {
	fs := a.flags("compact")
	onDrop := fs.Bool("on-drop", a.cfg.Journal.CompactOnDrop, "open a compacting journal and compact it when it is closed")
	if err := parseArgs(fs, args, 1, "compact [-on-drop] <path>"); err != nil {
		return err
	}
	path := fs.Arg(0)
	lo, err := a.logOptions()
	if err != nil {
		return fail("compact", path, err)
	}

	if *onDrop {
		j, err := compactor.NewCompactingJournal(ctx, path, compactor.JournalOptions{
			Log:            lo,
			Compact:        a.compactOptions(lo),
			CompactOnOpen:  a.cfg.Journal.CompactOnOpen,
			CompactOnClose: true,
		})
		if err != nil {
			return fail("compact", path, err)
		}
		return fail("compact", path, j.Close())
	}

	stats, err := compactor.CompactFile(ctx, path, a.compactOptions(lo))
	if err != nil {
		return fail("compact", path, err)
	}
	fmt.Fprintf(a.stdout, "%s: %d entries in, %d out, %d bytes reclaimed in %s\n",
		path, stats.EntriesIn, stats.EntriesOut, stats.BytesIn-stats.BytesOut, stats.Duration)
	return nil
}

// exportRecord is one line of export output.
type exportRecord struct {
	Seq   int        `json:"seq"`
	Start int64      `json:"start"`
	End   int64      `json:"end"`
	Type  string     `json:"type"`
	Entry core.Entry `json:"entry"`
}

func exportLine(seq int, rec *core.LogReadResult, canonical bool) ([]byte, error) {
	b, err := json.Marshal(exportRecord{
		Seq:   seq,
		Start: rec.RecordStart,
		End:   rec.RecordEnd,
		Type:  rec.Entry.RecordType().String(),
		Entry: rec.Entry,
	})
	if err != nil {
		return nil, err
	}
	if canonical {
		return jcs.Transform(b)
	}
	return b, nil
}

func (a *app) export(ctx context.Context, args []string) error {
	fs := a.flags("export")
	canonical := fs.Bool("canonical", false, "emit RFC 8785 canonical JSON")
	if err := parseArgs(fs, args, 1, "export [-canonical] <path>"); err != nil {
		return err
	}
	path := fs.Arg(0)
	r, err := a.openReader(path)
	if err != nil {
		return fail("export", path, err)
	}
	defer r.Close()

	out := bufio.NewWriter(a.stdout)
	for seq := 0; ; seq++ {
		rec, err := r.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out.Flush()
			return fail("export", path, err)
		}
		line, err := exportLine(seq, rec, *canonical)
		if err != nil {
			out.Flush()
			return fail("export", path, fmt.Errorf("entry %d (%s): %w", seq, rec.Entry.RecordType(), err))
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	return fail("export", path, out.Flush())
}

func (a *app) inspect(ctx context.Context, args []string) error {
	fs := a.flags("inspect")
	if err := parseArgs(fs, args, 1, "inspect <path>"); err != nil {
		return err
	}
	path := fs.Arg(0)
	r, err := a.openReader(path)
	if err != nil {
		return fail("inspect", path, err)
	}
	printer := journal.NewPrinting(journal.ReadOnly(r), a.stdout)
	defer printer.Close()

	counting := journal.NewCounting(journal.CountingOptions{})
	if _, err := journal.Copy(ctx, counting, printer); err != nil {
		return fail("inspect", path, err)
	}

	fmt.Fprintf(a.stdout, "\n%s: compression=%s concatenated=%t\n", path, r.Header().CompressorType, r.Concatenated())
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "TYPE\tCOUNT\tBYTES\t")
	for _, st := range counting.ByType() {
		fmt.Fprintf(tw, "%s\t%d\t%d\t\n", st.Type, st.Count, st.Bytes)
	}
	fmt.Fprintf(tw, "total\t%d\t%d\t\n", counting.Count(), counting.Bytes())
	if err := tw.Flush(); err != nil {
		return fail("inspect", path, err)
	}
	if counting.Count() > 0 {
		fmt.Fprintf(a.stdout, "record size p50=%.0f p90=%.0f p99=%.0f max=%.0f\n",
			counting.SizeQuantile(0.5), counting.SizeQuantile(0.9), counting.SizeQuantile(0.99), counting.SizeQuantile(1))
	}
	return nil
}

func (a *app) extract(ctx context.Context, args []string) error {
	const form = "extract memory <path> <out-file>"
	if len(args) == 0 || args[0] != "memory" {
		return &usageError{msg: "usage: " + form}
	}
	fs := a.flags("extract memory")
	if err := parseArgs(fs, args[1:], 2, form); err != nil {
		return err
	}
	path, outPath := fs.Arg(0), fs.Arg(1)
	r, err := a.openReader(path)
	if err != nil {
		return fail("extract", path, err)
	}
	defer r.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return fail("extract", outPath, err)
	}
	stats, err := replay.ExtractMemory(ctx, r, out)
	if err != nil {
		out.Close()
		return fail("extract", path, err)
	}
	if err := out.Close(); err != nil {
		return fail("extract", outPath, err)
	}
	a.logger.Info("Extracted memory image", "path", path, "out", outPath,
		"regions", stats.Regions, "bytes", stats.Bytes, "skipped", stats.Skipped, "size", stats.Size)
	fmt.Fprintf(a.stdout, "%s: %d regions, %d bytes, image size %d\n", outPath, stats.Regions, stats.Bytes, stats.Size)
	return nil
}

func (a *app) mount(ctx context.Context, args []string) error {
	fs := a.flags("mount")
	if err := parseArgs(fs, args, 2, "mount <path> <dir>"); err != nil {
		return err
	}
	path, dir := fs.Arg(0), fs.Arg(1)
	r, err := a.openReader(path)
	if err != nil {
		return fail("mount", path, err)
	}
	defer r.Close()

	p := vproc.New(vproc.Options{Logger: a.logger})
	x := effector.New(effector.Options{Target: p, Logger: a.logger})
	player := replay.NewPlayer(r, x, replay.Options{
		Logger:         a.logger,
		HookManager:    a.hooks,
		TracerProvider: a.tp,
	})
	res, err := player.Run(ctx)
	if err != nil {
		return fail("mount", path, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fail("mount", dir, err)
	}
	if err := p.Materialize(dir); err != nil {
		return fail("mount", dir, err)
	}
	fmt.Fprintf(a.stdout, "%s: %d entries applied, %d files written to %s (state %s)\n",
		path, res.EntriesApplied, len(p.Files()), dir, res.State)
	return nil
}

func (a *app) send(ctx context.Context, args []string) error {
	fs := a.flags("send")
	if err := parseArgs(fs, args, 2, "send <path> <addr>"); err != nil {
		return err
	}
	path, addr := fs.Arg(0), fs.Arg(1)
	r, err := a.openReader(path)
	if err != nil {
		return fail("send", path, err)
	}
	defer r.Close()

	s, err := ipc.Dial(addr, ipc.Options{Logger: a.logger})
	if err != nil {
		return fail("send", addr, err)
	}
	stats, err := ipc.Bridge(ctx, r, s, bridgeBuffer)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fail("send", path, err)
	}
	a.logger.Info("Sent journal", "path", path, "addr", addr, "entries", stats.Entries, "bytes", stats.Bytes)
	return nil
}

func (a *app) recv(ctx context.Context, args []string) error {
	fs := a.flags("recv")
	if err := parseArgs(fs, args, 2, "recv <addr> <path>"); err != nil {
		return err
	}
	addr, path := fs.Arg(0), fs.Arg(1)
	lo, err := a.logOptions()
	if err != nil {
		return fail("recv", path, err)
	}

	rcv, err := ipc.Listen(addr, ipc.Options{Logger: a.logger})
	if err != nil {
		return fail("recv", addr, err)
	}
	defer rcv.Close()

	log, err := logfile.Create(path, lo)
	if err != nil {
		return fail("recv", path, err)
	}
	var w journal.Writable = log
	if async := a.cfg.Journal.Async; async.Enabled {
		w = journal.NewAsyncWriter(log, journal.AsyncOptions{
			QueueSize:      async.QueueSize,
			MaxBatch:       async.MaxBatch,
			Detached:       async.Detached,
			FlushEachBatch: async.FlushEachBatch,
			Logger:         a.logger,
		})
	}

	stats, err := ipc.Bridge(ctx, rcv, w, bridgeBuffer)
	if cerr := journal.Close(w); err == nil {
		err = cerr
	}
	if err != nil {
		return fail("recv", path, err)
	}
	a.logger.Info("Received journal", "addr", addr, "path", path, "entries", stats.Entries, "bytes", stats.Bytes)
	return nil
}
