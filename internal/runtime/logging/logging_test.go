package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("queued", LogFields{"route": "ingest->store/doc"})
	logger.Info("delivered", nil)
	logger.Trace("hashed", LogFields{"envelope_id": "01J"})
	logger.Error("handler failed", errors.New("boom"), LogFields{"attempt": 2})

	scoped := logger.With(LogFields{"component": "conduit"})
	require.IsType(t, &watermillServiceLogger{}, scoped)
	scoped.Info("drained", nil)

	require.Len(t, base.entries, 6)
	assert.Equal(t, "debug", base.entries[0].level)
	assert.Equal(t, "ingest->store/doc", base.entries[0].fields["route"])
	assert.Equal(t, "error", base.entries[3].level)
	assert.EqualError(t, base.entries[3].err, "boom")
	assert.Equal(t, "with", base.entries[4].level)
	assert.Equal(t, "conduit", base.entries[4].fields["component"])
	assert.Equal(t, "info", base.entries[5].level)
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(base)

	adapter.Debug("open", watermill.LogFields{"backend": "badger"})
	adapter.Info("ready", nil)
	adapter.Trace("gc", nil)
	adapter.Error("close", errors.New("boom"), nil)

	scoped := adapter.With(watermill.LogFields{"backend": "sqlite"})
	typed, ok := scoped.(*serviceLoggerAdapter)
	require.True(t, ok)
	scopedBase, ok := typed.base.(*recordingServiceLogger)
	require.True(t, ok)
	scoped.Info("migrated", nil)

	require.Len(t, base.entries, 4)
	assert.Equal(t, "badger", base.entries[0].fields["backend"])
	require.Len(t, scopedBase.entries, 2)
	assert.Equal(t, "sqlite", scopedBase.entries[0].fields["backend"])
	assert.Equal(t, "migrated", scopedBase.entries[1].msg)
}

func TestWatermillFieldConversions(t *testing.T) {
	assert.Nil(t, toWatermillFields(nil))
	assert.Nil(t, fromWatermillFields(nil))

	wm := toWatermillFields(LogFields{"depth": 3})
	assert.Equal(t, 3, wm["depth"])
	assert.Equal(t, 3, fromWatermillFields(wm)["depth"])
}

func TestTextServiceLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewTextServiceLogger(&buf, "info")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("hidden", nil)
	logger.Info("shown", LogFields{"route": "a->b"})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked at info level: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "a->b") {
		t.Fatalf("expected info line with fields, got %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace": LevelTrace,
		"DEBUG": slog.LevelDebug,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, want := range cases {
		got, err := ParseLevel(name)
		if err != nil {
			t.Fatalf("ParseLevel(%q) unexpected error: %v", name, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestComponentAndNop(t *testing.T) {
	Nop().Info("discarded", LogFields{"k": "v"})
	Component(nil, "locks").Error("discarded", errors.New("boom"), nil)

	base := newRecordingWatermillLogger()
	Component(NewWatermillServiceLogger(base), "conduit").Info("hello", nil)

	if len(base.entries) != 2 {
		t.Fatalf("expected with+info entries, got %d", len(base.entries))
	}
	if base.entries[0].fields["component"] != "conduit" {
		t.Fatalf("expected component field, got %#v", base.entries[0].fields)
	}
}

type recordingWatermillLogger struct {
	entries []watermillEntry
	sink    *[]watermillEntry
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	logger := &recordingWatermillLogger{}
	logger.sink = &logger.entries
	return logger
}

func (r *recordingWatermillLogger) record(entry watermillEntry) {
	if r.sink == nil {
		r.sink = &r.entries
	}
	*r.sink = append(*r.sink, entry)
}

type watermillEntry struct {
	level  string
	fields watermill.LogFields
	err    error
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record(watermillEntry{level: "error", fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "info", fields: fields})
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "debug", fields: fields})
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "trace", fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := newRecordingWatermillLogger()
	child.sink = r.sink
	child.record(watermillEntry{level: "with", fields: fields})
	return child
}

type recordingServiceLogger struct {
	entries []loggedEntry
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	cloned := &recordingServiceLogger{}
	cloned.entries = append(cloned.entries, loggedEntry{level: "with", fields: fields})
	return cloned
}

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "debug", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Info(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "info", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "error", msg: msg, fields: fields, err: err})
}

func (r *recordingServiceLogger) Trace(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "trace", msg: msg, fields: fields})
}
