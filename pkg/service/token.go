// Package service carries the job's shared services (logger, job report,
// activity registry, ...) through a context so user code can reach them
// from any goroutine the processor starts.
package service

import (
	"context"
	"sync"
)

type tokenKey struct{}

// Token is a named set of services
type Token struct {
	mu       sync.RWMutex
	services map[string]any
}

// NewToken creates an empty token
func NewToken() *Token {
	return &Token{services: make(map[string]any)}
}

// Add registers svc under name, replacing any previous entry
func (t *Token) Add(name string, svc any) {
	t.mu.Lock()
	t.services[name] = svc
	t.mu.Unlock()
}

// Lookup returns the service registered under name
func (t *Token) Lookup(name string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	svc, ok := t.services[name]
	return svc, ok
}

// Len returns the number of registered services
func (t *Token) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.services)
}

// Operate makes token the active service set for ctx. Nested calls with the
// same token return ctx unchanged.
func Operate(ctx context.Context, token *Token) context.Context {
	if current, _ := ctx.Value(tokenKey{}).(*Token); current == token {
		return ctx
	}
	return context.WithValue(ctx, tokenKey{}, token)
}

// FromContext returns the active token
func FromContext(ctx context.Context) (*Token, bool) {
	t, ok := ctx.Value(tokenKey{}).(*Token)
	return t, ok && t != nil
}

// Get returns the service of type T registered under name in the active token
func Get[T any](ctx context.Context, name string) (T, bool) {
	var zero T
	t, ok := FromContext(ctx)
	if !ok {
		return zero, false
	}
	svc, ok := t.Lookup(name)
	if !ok {
		return zero, false
	}
	typed, ok := svc.(T)
	return typed, ok
}
