package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Provider = (*MemoryProvider)(nil)

// MemoryProvider keeps files in a map. Directories are implied by the
// slash-separated keys of the files under them.
type MemoryProvider struct {
	mu    sync.RWMutex
	files map[string]memFile
}

type memFile struct {
	data    []byte
	modTime time.Time
}

// NewMemoryProvider returns an empty in-memory tree.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{files: make(map[string]memFile)}
}

func cleanKey(p string) string {
	k := strings.TrimPrefix(path.Clean("/"+p), "/")
	return k
}

// Put stores data at p, replacing any previous content.
func (m *MemoryProvider) Put(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[cleanKey(p)] = memFile{data: append([]byte(nil), data...), modTime: time.Now()}
}

// Get returns a copy of the committed content at p.
func (m *MemoryProvider) Get(p string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[cleanKey(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// Paths returns every committed file path in sorted order.
func (m *MemoryProvider) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for k := range m.files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryProvider) Stat(ctx context.Context, p string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := cleanKey(p)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if f, ok := m.files[key]; ok {
		return &fileInfo{name: path.Base(key), size: int64(len(f.data)), modTime: f.modTime}, nil
	}
	if key == "" {
		return &fileInfo{name: "/", isDir: true}, nil
	}
	for k := range m.files {
		if strings.HasPrefix(k, key+"/") {
			return &fileInfo{name: path.Base(key), isDir: true}, nil
		}
	}
	return nil, fmt.Errorf("stat %q: %w", p, ErrNotFound)
}

func (m *MemoryProvider) List(ctx context.Context, p string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := cleanKey(p)
	if prefix != "" {
		prefix += "/"
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]FileInfo)
	for k, f := range m.files {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if name, _, isDir := strings.Cut(rest, "/"); isDir {
			seen[name] = &fileInfo{name: name, isDir: true}
		} else {
			seen[name] = &fileInfo{name: name, size: int64(len(f.data)), modTime: f.modTime}
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("list %q: %w", p, ErrNotFound)
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	infos := make([]FileInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, seen[name])
	}
	return infos, nil
}

func (m *MemoryProvider) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	data, ok := m.Get(p)
	if !ok {
		return nil, fmt.Errorf("open %q: %w", p, ErrNotFound)
	}
	return &ctxReader{ctx: ctx, rc: io.NopCloser(bytes.NewReader(data))}, nil
}

// OpenWrite buffers everything in memory and publishes it on Close.
func (m *MemoryProvider) OpenWrite(ctx context.Context, p string) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memWriter{ctx: ctx, owner: m, key: cleanKey(p)}, nil
}

type memWriter struct {
	ctx   context.Context
	owner *MemoryProvider
	key   string
	buf   bytes.Buffer

	once sync.Once
	err  error
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	w.once.Do(func() {
		if err := w.ctx.Err(); err != nil {
			w.err = fmt.Errorf("commit %s: %w", w.key, err)
			return
		}
		w.owner.Put(w.key, w.buf.Bytes())
	})
	return w.err
}

func (w *memWriter) Abort() error {
	w.once.Do(func() {
		w.buf.Reset()
		w.err = ErrAborted
	})
	return nil
}
