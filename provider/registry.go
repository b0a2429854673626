package provider

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
)

// Opener builds the provider for a parsed URI and returns the path of the
// URI relative to that provider.
type Opener func(ctx context.Context, u *url.URL) (Provider, string, error)

// Registry maps URI schemes to openers.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{openers: make(map[string]Opener)}
}

// DefaultRegistry knows file:// and s3:// locations.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("file", OpenLocal)
	r.Register("s3", OpenS3)
	return r
}

// Register installs op for scheme, replacing any previous opener.
func (r *Registry) Register(scheme string, op Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[strings.ToLower(scheme)] = op
}

// RegisterProvider serves every URI with the given scheme from one shared
// provider. The URI's host and path together form the provider path.
func (r *Registry) RegisterProvider(scheme string, p Provider) {
	r.Register(scheme, func(_ context.Context, u *url.URL) (Provider, string, error) {
		return p, cleanKey(path.Join(u.Host, u.Path)), nil
	})
}

// Resolve opens the provider for uri.
func (r *Registry) Resolve(ctx context.Context, uri string) (Provider, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, "", fmt.Errorf("parse %q: %w", uri, err)
	}
	if u.Scheme == "" {
		return nil, "", fmt.Errorf("location %q has no scheme", uri)
	}

	r.mu.RLock()
	op, ok := r.openers[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("no provider registered for scheme %q", u.Scheme)
	}
	return op(ctx, u)
}

// HasScheme reports whether uri carries an explicit scheme, as in
// "s3://bucket/key" or "file:///data".
func HasScheme(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return u.Scheme != ""
}

// OpenLocal serves file:// URIs. Only the path component is used.
func OpenLocal(_ context.Context, u *url.URL) (Provider, string, error) {
	if u.Host != "" && u.Host != "localhost" {
		return nil, "", fmt.Errorf("file location %q names a remote host", u.String())
	}
	return NewLocalProvider(""), u.Path, nil
}

// OpenS3 serves s3://bucket/key URIs using the default AWS config chain.
func OpenS3(ctx context.Context, u *url.URL) (Provider, string, error) {
	if u.Host == "" {
		return nil, "", fmt.Errorf("s3 location %q has no bucket", u.String())
	}
	p, err := NewS3Provider(ctx, u.Host, "")
	if err != nil {
		return nil, "", err
	}
	return p, strings.TrimPrefix(u.Path, "/"), nil
}
