package scaffold

import (
	"context"
	"fmt"
	"strings"
	"time"

	"deskmind/internal/logging"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// DefaultExecutionTimeout bounds a single capability invocation.
const DefaultExecutionTimeout = 5 * time.Second

// Executor compiles and runs capability sources with the yaegi
// interpreter. Interpreting avoids `go build` entirely: no compilation
// hangs, no binary version mismatches, no dependency resolution.
// Each Compile uses a fresh interpreter seeded only with stdlib
// symbols; the import allowlist is enforced by ValidateSource before
// any source reaches the interpreter.
type Executor struct {
	timeout time.Duration
}

// NewExecutor creates an executor with the given per-call timeout.
// Non-positive timeouts fall back to DefaultExecutionTimeout.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}
	return &Executor{timeout: timeout}
}

// Compile evaluates source in a fresh interpreter and returns the
// callable handle for the function named name. The handle is memory
// only; callers cache it and rebuild lazily after restart.
func (e *Executor) Compile(name, source string) (Handle, error) {
	timer := logging.StartTimer(logging.CategoryExecutor, "Compile "+name)
	defer timer.Stop()

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("%w: loading stdlib symbols: %v", ErrCompilation, err)
	}

	wrapped := wrapCode(source)
	if _, err := i.Eval(wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompilation, err)
	}

	symbol := packageName(wrapped) + "." + name
	v, err := i.Eval(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found after evaluation: %v", ErrCompilation, symbol, err)
	}

	fn, ok := v.Interface().(func(args ...string) (string, error))
	if !ok {
		return nil, fmt.Errorf("%w: %s does not have signature func(args ...string) (string, error)", ErrCompilation, symbol)
	}

	logging.ExecutorDebug("Compiled capability %s (%d bytes of source)", name, len(source))
	return Handle(fn), nil
}

// Execute invokes a compiled handle under the executor's timeout.
// A fault in the capability's own code (returned error or panic)
// surfaces as an error; the caller does bookkeeping and re-raises it
// unchanged. A deadline overrun is reported as a timeout error; the
// interpreter goroutine is abandoned.
func (e *Executor) Execute(ctx context.Context, name string, handle Handle, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resultChan := make(chan string, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("capability %s panicked: %v", name, r)
			}
		}()
		result, err := handle(args...)
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- result
	}()

	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errChan:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("capability %s timed out after %v: %w", name, e.timeout, ctx.Err())
	}
}

// packageName extracts the package clause from wrapped source.
func packageName(wrapped string) string {
	for _, line := range strings.Split(wrapped, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "package "))
		}
	}
	return "capability"
}
