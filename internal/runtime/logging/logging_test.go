package logging

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logLine is one call observed by a recorder.
type logLine struct {
	level  string
	msg    string
	fields map[string]any
	err    error
}

// journal collects lines from a recorder and all of its children.
type journal struct{ lines []logLine }

func (j *journal) levels() []string {
	out := make([]string, 0, len(j.lines))
	for _, l := range j.lines {
		out = append(out, l.level)
	}
	return out
}

func merged(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := maps.Clone(base)
	if out == nil {
		out = map[string]any{}
	}
	maps.Copy(out, extra)
	return out
}

// wmRecorder implements watermill.LoggerAdapter.
type wmRecorder struct {
	j    *journal
	base watermill.LogFields
}

func (r *wmRecorder) log(level, msg string, err error, fields watermill.LogFields) {
	r.j.lines = append(r.j.lines, logLine{level: level, msg: msg, err: err, fields: merged(r.base, fields)})
}

func (r *wmRecorder) Error(msg string, err error, fields watermill.LogFields) {
	r.log("error", msg, err, fields)
}
func (r *wmRecorder) Info(msg string, fields watermill.LogFields)  { r.log("info", msg, nil, fields) }
func (r *wmRecorder) Debug(msg string, fields watermill.LogFields) { r.log("debug", msg, nil, fields) }
func (r *wmRecorder) Trace(msg string, fields watermill.LogFields) { r.log("trace", msg, nil, fields) }
func (r *wmRecorder) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &wmRecorder{j: r.j, base: merged(r.base, fields)}
}

// svcRecorder implements ServiceLogger.
type svcRecorder struct {
	j    *journal
	base LogFields
}

func (r *svcRecorder) log(level, msg string, err error, fields LogFields) {
	r.j.lines = append(r.j.lines, logLine{level: level, msg: msg, err: err, fields: merged(r.base, fields)})
}

func (r *svcRecorder) With(fields LogFields) ServiceLogger {
	return &svcRecorder{j: r.j, base: merged(r.base, fields)}
}
func (r *svcRecorder) Debug(msg string, fields LogFields) { r.log("debug", msg, nil, fields) }
func (r *svcRecorder) Info(msg string, fields LogFields)  { r.log("info", msg, nil, fields) }
func (r *svcRecorder) Trace(msg string, fields LogFields) { r.log("trace", msg, nil, fields) }
func (r *svcRecorder) Error(msg string, err error, fields LogFields) {
	r.log("error", msg, err, fields)
}

// entryRecorder is a logrus.Entry look-alike; WithField and WithError
// return copies.
type entryRecorder struct {
	j      *journal
	fields map[string]any
	err    error
}

func (e *entryRecorder) WithField(key string, value any) *entryRecorder {
	return &entryRecorder{j: e.j, fields: merged(e.fields, map[string]any{key: value}), err: e.err}
}

func (e *entryRecorder) WithError(err error) *entryRecorder {
	return &entryRecorder{j: e.j, fields: e.fields, err: err}
}

func (e *entryRecorder) emit(level string, args ...any) {
	e.j.lines = append(e.j.lines, logLine{level: level, msg: fmt.Sprint(args...), err: e.err, fields: e.fields})
}

func (e *entryRecorder) Error(args ...any) { e.emit("error", args...) }
func (e *entryRecorder) Info(args ...any)  { e.emit("info", args...) }
func (e *entryRecorder) Debug(args ...any) { e.emit("debug", args...) }
func (e *entryRecorder) Trace(args ...any) { e.emit("trace", args...) }

// exercise drives a ServiceLogger the way the enrichment stage does.
func exercise(logger ServiceLogger, lookupErr error) {
	logger.Info("Starting enrichment stage", LogFields{"stage": "NORTHEAST"})
	child := logger.With(LogFields{"uuid": "bird-1"})
	child.Debug("Fetched air quality", LogFields{"city": "Boston"})
	child.Error("Air quality lookup failed", lookupErr, LogFields{"attempt": 2})
	child.Trace("Record forwarded", nil)
}

func TestServiceLoggerAdapters(t *testing.T) {
	lookupErr := errors.New("provider returned 503")

	adapters := map[string]func(*journal) ServiceLogger{
		"watermill": func(j *journal) ServiceLogger { return NewWatermillServiceLogger(&wmRecorder{j: j}) },
		"entry":     func(j *journal) ServiceLogger { return NewEntryServiceLogger(&entryRecorder{j: j}) },
	}

	for name, build := range adapters {
		t.Run(name, func(t *testing.T) {
			j := &journal{}
			exercise(build(j), lookupErr)

			require.Equal(t, []string{"info", "debug", "error", "trace"}, j.levels())
			assert.Equal(t, "Starting enrichment stage", j.lines[0].msg)
			assert.Equal(t, map[string]any{"stage": "NORTHEAST"}, j.lines[0].fields)
			assert.Equal(t, map[string]any{"uuid": "bird-1", "city": "Boston"}, j.lines[1].fields)
			assert.Equal(t, lookupErr, j.lines[2].err)
			assert.Equal(t, 2, j.lines[2].fields["attempt"])
			assert.Equal(t, map[string]any{"uuid": "bird-1"}, j.lines[3].fields)
		})
	}
}

func TestEntryServiceLoggerWithoutFieldsKeepsLogger(t *testing.T) {
	logger := NewEntryServiceLogger(&entryRecorder{j: &journal{}})
	assert.Same(t, logger, logger.With(nil))
	assert.Same(t, logger, logger.With(LogFields{}))
}

func TestWatermillAdapterRoundTrip(t *testing.T) {
	j := &journal{}
	adapter := NewWatermillAdapter(&svcRecorder{j: j})

	adapter.Info("Starting handler", watermill.LogFields{"handler_name": "enrich"})
	child := adapter.With(watermill.LogFields{"topic": "start_migration"})
	child.Debug("Message received", nil)
	child.Error("Handler returned error", errors.New("boom"), watermill.LogFields{"message_uuid": "m-1"})
	child.Trace("Message acked", nil)

	require.Equal(t, []string{"info", "debug", "error", "trace"}, j.levels())
	assert.Equal(t, map[string]any{"handler_name": "enrich"}, j.lines[0].fields)
	assert.Equal(t, map[string]any{"topic": "start_migration"}, j.lines[1].fields)
	assert.Equal(t, map[string]any{"topic": "start_migration", "message_uuid": "m-1"}, j.lines[2].fields)
	assert.EqualError(t, j.lines[2].err, "boom")
}

func TestConstructorsRejectNil(t *testing.T) {
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
	assert.Panics(t, func() { NewEntryServiceLogger[EntryLogger](nil) })
}

func TestSlogServiceLoggerWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(NewSlogLogger(&buf, "json", slog.LevelInfo))

	logger.With(LogFields{"stage": "NORTHEAST"}).Info("record enriched", LogFields{"uuid": "abc-1"})
	logger.Debug("suppressed", nil)

	out := buf.String()
	assert.Contains(t, out, `"msg":"record enriched"`)
	assert.Contains(t, out, `"stage":"NORTHEAST"`)
	assert.Contains(t, out, `"uuid":"abc-1"`)
	assert.NotContains(t, out, "suppressed")
}

func TestNewSlogLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewSlogLogger(&buf, "TEXT", slog.LevelDebug).Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "k=v")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "debug", want: slog.LevelDebug},
		{in: "trace", want: slog.LevelDebug},
		{in: " INFO ", want: slog.LevelInfo},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", want: slog.LevelInfo, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.ErrorContains(t, err, `unknown log level "loud"`)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
