// Package extproc runs user supplied scripts for the query layer.
//
// Scripts are tengo function bodies. A script is compiled once into an ID
// and may then be called any number of times with different arguments.
// Failures of any kind, including a script that runs past its deadline or
// a Go function that panics underneath it, are returned as errors from the
// call that hit them; the runner stays usable.
package extproc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	"go.uber.org/zap"
)

// ID refers to a compiled function.
type ID uint32

// InvalidID is never returned by a successful Compile.
const InvalidID ID = 0

var (
	// ErrUnknownFunction is returned by Call for an id that was never
	// compiled or has been released.
	ErrUnknownFunction = errors.New("extproc: unknown function id")
	// ErrTimeout is returned when a call runs past its timeout.
	ErrTimeout = errors.New("extproc: script timed out")
)

const resultVar = "__result"

// ReqConfig holds per-request options. A nil *ReqConfig means the runner's
// defaults.
type ReqConfig struct {
	Timeout time.Duration
}

// Config configures a Runner.
type Config struct {
	// Defaults apply to requests that pass no ReqConfig.
	Defaults ReqConfig
	// Modules lists the tengo standard library modules scripts may import.
	Modules []string
	// MaxAllocs bounds the objects a single call may allocate. Zero means
	// no bound.
	MaxAllocs int64
}

// DefaultConfig allows a few side-effect free stdlib modules and a five
// second timeout.
func DefaultConfig() Config {
	return Config{
		Defaults: ReqConfig{Timeout: 5 * time.Second},
		Modules:  []string{"math", "text", "times", "json", "base64", "hex", "enum"},
	}
}

// Runner compiles and calls scripts.
type Runner struct {
	cfg     Config
	modules *tengo.ModuleMap
	logger  *zap.Logger

	mu    sync.Mutex
	next  ID
	funcs map[ID]*tengo.Compiled
	arity map[ID]int
}

func NewRunner(cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Defaults.Timeout <= 0 {
		cfg.Defaults.Timeout = DefaultConfig().Defaults.Timeout
	}
	return &Runner{
		cfg:     cfg,
		modules: stdlib.GetModuleMap(cfg.Modules...),
		logger:  logger.Named("extproc"),
		funcs:   make(map[ID]*tengo.Compiled),
		arity:   make(map[ID]int),
	}
}

// Compile turns source, the body of a function taking args, into a callable
// function. On failure it returns InvalidID and the compiler's error.
//
// Example:
//
//	id, err := r.Compile([]string{"value"}, `return value + "!"`)
func (r *Runner) Compile(args []string, source string) (ID, error) {
	for _, a := range args {
		if !isIdent(a) {
			return InvalidID, fmt.Errorf("extproc: invalid argument name %q", a)
		}
	}
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = argVar(i)
	}
	code := fmt.Sprintf("%s := (func(%s) {\n%s\n})(%s)",
		resultVar, strings.Join(args, ", "), source, strings.Join(placeholders, ", "))

	script := tengo.NewScript([]byte(code))
	script.EnableFileImport(false)
	script.SetImports(r.modules)
	if r.cfg.MaxAllocs > 0 {
		script.SetMaxAllocs(r.cfg.MaxAllocs)
	}
	for _, p := range placeholders {
		if err := script.Add(p, nil); err != nil {
			return InvalidID, err
		}
	}
	compiled, err := script.Compile()
	if err != nil {
		return InvalidID, fmt.Errorf("extproc: compile: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	if r.next == InvalidID {
		r.next++
	}
	id := r.next
	r.funcs[id] = compiled
	r.arity[id] = len(args)
	return id, nil
}

// Call runs the function id with args and returns its result converted to
// plain Go values (nil for undefined).
func (r *Runner) Call(ctx context.Context, id ID, args []any, cfg *ReqConfig) (result any, err error) {
	r.mu.Lock()
	compiled, ok := r.funcs[id]
	arity := r.arity[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFunction, id)
	}
	if len(args) != arity {
		return nil, fmt.Errorf("extproc: function %d takes %d arguments, got %d", id, arity, len(args))
	}
	if cfg == nil {
		cfg = &r.cfg.Defaults
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("script panicked", zap.Uint32("id", uint32(id)), zap.Any("panic", p))
			result, err = nil, fmt.Errorf("extproc: script panicked: %v", p)
		}
	}()

	c := compiled.Clone()
	for i, a := range args {
		if err := c.Set(argVar(i), a); err != nil {
			return nil, fmt.Errorf("extproc: argument %d: %w", i, err)
		}
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := c.RunContext(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, cfg.Timeout)
		}
		return nil, fmt.Errorf("extproc: %w", err)
	}
	out := c.Get(resultVar)
	if out.IsUndefined() {
		return nil, nil
	}
	if e, ok := out.Object().(*tengo.Error); ok {
		return nil, fmt.Errorf("extproc: script error: %s", tengo.ToInterface(e.Value))
	}
	return tengo.ToInterface(out.Object()), nil
}

// Release forgets the function id. Releasing InvalidID or an unknown id
// does nothing.
func (r *Runner) Release(id ID) {
	r.mu.Lock()
	delete(r.funcs, id)
	delete(r.arity, id)
	r.mu.Unlock()
}

// Len returns the number of live function ids.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.funcs)
}

func argVar(i int) string { return fmt.Sprintf("__arg%d", i) }

func isIdent(s string) bool {
	if s == "" || strings.HasPrefix(s, "__") {
		return false
	}
	for i, c := range s {
		if c != '_' && !unicode.IsLetter(c) && (i == 0 || !unicode.IsDigit(c)) {
			return false
		}
	}
	return true
}
