// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package procenv holds per-process state shared between threads: the
// environment and the command-line arguments. A Context is created once
// at startup and passed to whatever needs it.
package procenv

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"kernelnet.dev/kernel"
	"kernelnet.dev/lock"
)

// ErrInvalidKey is returned by Setenv for keys that cannot appear in
// an environment.
var ErrInvalidKey = errors.New("procenv: invalid environment key")

// Context is the process context.
type Context struct {
	Env  *Env
	args []string
}

// New returns a Context with an empty environment and a copy of args.
// The environment lock is allocated from a.
func New(a kernel.SemAllocator, args []string) (*Context, error) {
	env, err := NewEnv(a)
	if err != nil {
		return nil, err
	}
	return &Context{Env: env, args: slices.Clone(args)}, nil
}

// Args returns a copy of the process arguments.
func (c *Context) Args() []string { return slices.Clone(c.args) }

// Env is a process environment guarded by a kernel-backed mutex. It is
// safe for concurrent use.
type Env struct {
	mu   *lock.Mutex
	vars map[string]string
}

// NewEnv returns an empty environment.
func NewEnv(a kernel.SemAllocator) (*Env, error) {
	mu, err := lock.NewMutex(a)
	if err != nil {
		return nil, fmt.Errorf("procenv: %w", err)
	}
	return &Env{mu: mu, vars: make(map[string]string)}, nil
}

// Getenv returns the value of key, or "" if it is unset.
func (e *Env) Getenv(key string) string {
	v, _ := e.LookupEnv(key)
	return v
}

// LookupEnv returns the value of key and whether it is set.
func (e *Env) LookupEnv(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vars[key]
	return v, ok
}

// Setenv sets key to value.
func (e *Env) Setenv(key, value string) error {
	if key == "" || strings.ContainsAny(key, "=\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("procenv: value of %q contains NUL", key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[key] = value
	return nil
}

// Unsetenv removes key.
func (e *Env) Unsetenv(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.vars, key)
}

// Environ returns the environment as sorted "key=value" strings.
func (e *Env) Environ() []string {
	e.mu.Lock()
	keys := slices.Sorted(maps.Keys(e.vars))
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + e.vars[k]
	}
	e.mu.Unlock()
	return out
}

// Clear removes every variable.
func (e *Env) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.vars)
}
