package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// slogLogger is the Logger behind New. Loggers derived with With share the
// handler chain and the file sink.
type slogLogger struct {
	h     slog.Handler
	attrs []slog.Attr
	errs  errorFields
	sink  io.Closer
}

func newSlog(opts Options) (Logger, error) {
	out := opts.Writer
	if out == nil {
		out = os.Stdout
	}
	var sink io.Closer
	if opts.File != "" {
		f := newFileSink(opts)
		out = io.MultiWriter(out, f)
		sink = f
	}

	if opts.StacktraceLevel == 0 {
		opts.StacktraceLevel = slog.LevelError
	}
	if opts.MaxErrorLinks <= 0 {
		opts.MaxErrorLinks = 8
	}

	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	var h slog.Handler
	if opts.JsonFormat {
		h = slog.NewJSONHandler(out, ho)
	} else {
		h = slog.NewTextHandler(out, ho)
	}
	// outermost first: stack capture, then trace ids, then the encoder
	h = stackHandler{next: traceHandler{next: h}, level: opts.StacktraceLevel}

	attrs := []slog.Attr{slog.String("app", opts.App)}
	if opts.RunID != "" {
		attrs = append(attrs, slog.String("run_id", opts.RunID))
	}

	return &slogLogger{
		h:     h,
		attrs: attrs,
		errs:  errorFields{links: opts.IncludeErrorLinks, maxLinks: opts.MaxErrorLinks},
		sink:  sink,
	}, nil
}

func newFileSink(opts Options) *lumberjack.Logger {
	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	if lj.MaxSize <= 0 {
		lj.MaxSize = 100
	}
	if lj.MaxBackups <= 0 {
		lj.MaxBackups = 10
	}
	return lj
}

func (s *slogLogger) With(kv ...any) Logger {
	next := *s
	// fresh backing array; siblings must not see each other's fields
	next.attrs = appendKV(append([]slog.Attr(nil), s.attrs...), kv)
	return &next
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, s.errs.of(err)...)
	}
	s.emit(ctx, slog.LevelError, msg, kv)
}

// Sync closes the rotating log file if one is configured. Later writes reopen it.
func (s *slogLogger) Sync() error {
	if s.sink == nil {
		return nil
	}
	return s.sink.Close()
}

func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// skip runtime.Callers, emit and the level method
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(appendKV(nil, kv)...)
	_ = s.h.Handle(ctx, r)
}

// appendKV turns alternating key/value pairs into attrs. Pairs with a
// non-string key and a trailing lone key are dropped.
func appendKV(dst []slog.Attr, kv []any) []slog.Attr {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			dst = append(dst, slog.Any(k, kv[i+1]))
		}
	}
	return dst
}

// errorFields builds the attrs Error attaches for a non-nil error.
type errorFields struct {
	links    bool
	maxLinks int
}

func (f errorFields) of(err error) []any {
	surface, root := classifyTypes(err)
	kv := []any{"err", err, "error_type", surface, "cause_type", root}
	if k := xerrors.KindOf(err); k != xerrors.KindUnknown {
		kv = append(kv, "error_kind", k.String())
	}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if f.links {
		kv = append(kv, "error_links", chainLinks(err, f.maxLinks))
	}
	return kv
}
