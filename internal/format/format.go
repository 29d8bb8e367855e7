// Package format turns untyped notification payloads into message text.
//
// A Formatter is a named, stateless rendering capability. The Registry maps
// names to capabilities and is built once at startup (built-ins first, then
// config-defined templates); it is read-only while the server handles traffic,
// so lookups need no locking.
package format

import (
	"errors"
	"fmt"

	"tgrelay/pkg/logx"
)

// FormatError reports a payload that is malformed relative to a specific
// formatter. It is distinguishable from delivery failures via errors.As.
type FormatError struct {
	msg string
}

func (e *FormatError) Error() string { return e.msg }

// Errorf builds a FormatError.
func Errorf(format string, args ...any) error {
	return &FormatError{msg: fmt.Sprintf(format, args...)}
}

// IsFormatError reports whether err is (or wraps) a FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// Formatter renders a payload into message text.
//
// Implementations must be pure functions of their two inputs: no hidden
// state, safe for concurrent use. Unknown payload keys are ignored, and a
// missing optional key yields a best-effort rendering rather than an error.
// A formatter may return a FormatError when keys it requires are absent.
type Formatter interface {
	Format(payload map[string]any, cfg map[string]any) (string, error)
}

// Func adapts a plain function to the Formatter interface.
type Func func(payload map[string]any, cfg map[string]any) (string, error)

func (f Func) Format(payload map[string]any, cfg map[string]any) (string, error) {
	return f(payload, cfg)
}

// MarkupFunc adapts a function whose output already carries parse-mode
// markup (and escapes its interpolated content itself). Such output must
// not be escaped again before sending.
type MarkupFunc func(payload map[string]any, cfg map[string]any) (string, error)

func (f MarkupFunc) Format(payload map[string]any, cfg map[string]any) (string, error) {
	return f(payload, cfg)
}

func (f MarkupFunc) MarkupSafe() bool { return true }

// MarkupSafe reports whether f declares its output as pre-escaped markup.
// Plain content formatters return false and get parse-mode escaping applied
// by the caller before delivery.
func MarkupSafe(f Formatter) bool {
	m, ok := f.(interface{ MarkupSafe() bool })
	return ok && m.MarkupSafe()
}

// Registry maps formatter names to capabilities.
type Registry struct {
	log    logx.Logger
	order  []string
	byName map[string]Formatter
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log, byName: map[string]Formatter{}}
}

// Register stores f under name. A repeated name overwrites the earlier entry
// (last registration wins, so discovery order matters); the collision is
// logged because it usually indicates a config mistake.
func (r *Registry) Register(name string, f Formatter) {
	if name == "" || f == nil {
		return
	}
	if _, exists := r.byName[name]; exists {
		r.log.Warn("formatter name collision, last registration wins", logx.String("name", name))
	} else {
		r.order = append(r.order, name)
	}
	r.byName[name] = f
}

// Resolve looks up a formatter by exact name.
func (r *Registry) Resolve(name string) (Formatter, bool) {
	f, ok := r.byName[name]
	return f, ok
}

// Names returns registered names in registration order, for diagnostics.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
