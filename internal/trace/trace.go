// Package trace provides the audit trail capability used by the valuation
// engines. Engines only ever talk to the Logger interface; removing the trail
// (Nop) must not change any numeric result.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the minimal audit contract used by the engines.
type Logger interface {
	// Step records a named calculation step.
	Step(name string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	// Warn is used for legal-but-suspicious inputs and soft verification failures.
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

type nop struct{}

func (nop) Step(string, ...zap.Field)  {}
func (nop) Debug(string, ...zap.Field) {}
func (nop) Info(string, ...zap.Field)  {}
func (nop) Warn(string, ...zap.Field)  {}
func (nop) Error(string, ...zap.Field) {}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nop{}
}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return nop{}
	}
	return l
}

// Zap adapts a *zap.Logger to the Logger contract.
type Zap struct {
	logger    *zap.Logger
	requestID string
}

// NewZap wraps logger and stamps every entry with a fresh request id.
func NewZap(logger *zap.Logger) *Zap {
	return NewZapWithRequestID(logger, uuid.NewString())
}

// NewZapWithRequestID wraps logger using an existing request id.
func NewZapWithRequestID(logger *zap.Logger, requestID string) *Zap {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Zap{
		logger:    logger.With(zap.String("requestId", requestID)),
		requestID: requestID,
	}
}

// RequestID returns the id attached to every entry.
func (z *Zap) RequestID() string {
	return z.requestID
}

func (z *Zap) Step(name string, fields ...zap.Field) {
	z.logger.Debug("calculation step", append([]zap.Field{zap.String("step", name)}, fields...)...)
}

func (z *Zap) Debug(msg string, fields ...zap.Field) { z.logger.Debug(msg, fields...) }
func (z *Zap) Info(msg string, fields ...zap.Field)  { z.logger.Info(msg, fields...) }
func (z *Zap) Warn(msg string, fields ...zap.Field)  { z.logger.Warn(msg, fields...) }
func (z *Zap) Error(msg string, fields ...zap.Field) { z.logger.Error(msg, fields...) }

// Entry is one recorded audit line.
type Entry struct {
	Time    time.Time              `json:"time"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Recorder keeps entries in memory. It is safe for concurrent use, though a
// recorder is normally scoped to one request.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	next    Logger
}

// NewRecorder returns a Recorder that also forwards to next when it is non-nil.
func NewRecorder(next Logger) *Recorder {
	return &Recorder{next: next}
}

func (r *Recorder) Step(name string, fields ...zap.Field) {
	r.record("step", name, fields)
	if r.next != nil {
		r.next.Step(name, fields...)
	}
}

func (r *Recorder) Debug(msg string, fields ...zap.Field) {
	r.record("debug", msg, fields)
	if r.next != nil {
		r.next.Debug(msg, fields...)
	}
}

func (r *Recorder) Info(msg string, fields ...zap.Field) {
	r.record("info", msg, fields)
	if r.next != nil {
		r.next.Info(msg, fields...)
	}
}

func (r *Recorder) Warn(msg string, fields ...zap.Field) {
	r.record("warn", msg, fields)
	if r.next != nil {
		r.next.Warn(msg, fields...)
	}
}

func (r *Recorder) Error(msg string, fields ...zap.Field) {
	r.record("error", msg, fields)
	if r.next != nil {
		r.next.Error(msg, fields...)
	}
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns how many entries of the given level were recorded.
func (r *Recorder) Count(level string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

func (r *Recorder) record(level, msg string, fields []zap.Field) {
	entry := Entry{Time: time.Now(), Level: level, Message: msg}
	if len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range fields {
			f.AddTo(enc)
		}
		entry.Fields = enc.Fields
	}
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}
