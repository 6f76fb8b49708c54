package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const handleSeparator = ":"

// Router picks a backend by the "model" request parameter and prefixes every
// handle with the backend name so poll and cancel find their way back.
type Router struct {
	backends     map[string]Generator
	defaultModel string
}

// NewRouter creates a router falling back to defaultModel when a request
// names no model.
func NewRouter(defaultModel string) *Router {
	return &Router{
		backends:     make(map[string]Generator),
		defaultModel: defaultModel,
	}
}

// Register adds a backend under name.
func (r *Router) Register(name string, g Generator) {
	r.backends[name] = g
}

// Models lists registered backend names.
func (r *Router) Models() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}

func (r *Router) Submit(ctx context.Context, req *GenerateRequest) (string, error) {
	name := r.defaultModel
	if m, ok := req.Params["model"].(string); ok && m != "" {
		name = m
	}
	g, ok := r.backends[name]
	if !ok {
		return "", &RemoteFailure{
			Kind:    FailureKindMissingModel,
			Message: fmt.Sprintf("%v: %q", ErrUnknownModel, name),
		}
	}
	handle, err := g.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	return name + handleSeparator + handle, nil
}

func (r *Router) Poll(ctx context.Context, handle string) (*GenerationStatus, error) {
	g, inner, err := r.resolve(handle)
	if err != nil {
		return nil, err
	}
	return g.Poll(ctx, inner)
}

func (r *Router) Cancel(ctx context.Context, handle string) error {
	g, inner, err := r.resolve(handle)
	if err != nil {
		return err
	}
	return g.Cancel(ctx, inner)
}

func (r *Router) Fetch(ctx context.Context, handle, outputURL string) (io.ReadCloser, error) {
	g, inner, err := r.resolve(handle)
	if err != nil {
		return nil, err
	}
	return g.Fetch(ctx, inner, outputURL)
}

// Health fails when any registered backend is unreachable.
func (r *Router) Health(ctx context.Context) error {
	var errs []error
	for name, err := range r.BackendHealth(ctx) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// BackendHealth checks every registered backend concurrently.
func (r *Router) BackendHealth(ctx context.Context) map[string]error {
	var (
		mu      sync.Mutex
		results = make(map[string]error, len(r.backends))
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, backend := range r.backends {
		g.Go(func() error {
			err := backend.Health(gctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Router) resolve(handle string) (Generator, string, error) {
	name, inner, ok := strings.Cut(handle, handleSeparator)
	if !ok {
		return nil, "", fmt.Errorf("malformed handle %q", handle)
	}
	g, found := r.backends[name]
	if !found {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return g, inner, nil
}

var _ Generator = (*Router)(nil)
