package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// TempPrefix marks in-flight files written by LocalProvider. Listers skip
// names starting with it.
const TempPrefix = ".gcoerce-tmp-"

// chmodFile widens the 0600 mode CreateTemp gives the temp file.
var chmodFile = (*os.File).Chmod

// LocalProvider implements the Provider interface for posix-compliant local filesystems.
type LocalProvider struct {
	basePath string
	fileMode os.FileMode
	dirMode  os.FileMode
}

// NewLocalProvider creates a new LocalProvider rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{
		basePath: basePath,
		fileMode: 0644,
		dirMode:  0755,
	}
}

func (p *LocalProvider) resolve(path string) string {
	if p.basePath == "" {
		return filepath.FromSlash(path)
	}
	return filepath.Join(p.basePath, filepath.Clean(filepath.FromSlash(path)))
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	info, err := os.Stat(p.resolve(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat %q: %w", path, ErrNotFound)
		}
		return nil, err
	}
	return wrapOSFileInfo(info), nil
}

func (p *LocalProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entries, err := os.ReadDir(p.resolve(path))
	if err != nil {
		return nil, err
	}

	var infos []FileInfo
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // skip files that disappeared between ReadDir and Info
		}
		infos = append(infos, wrapOSFileInfo(info))
	}
	return infos, nil
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	f, err := os.Open(p.resolve(path))
	if err != nil {
		return nil, err
	}
	return &ctxReader{ctx: ctx, rc: f}, nil
}

// OpenWrite creates a hidden temp file next to the destination. Close syncs
// it and renames it over the final path; Abort removes it.
func (p *LocalProvider) OpenWrite(ctx context.Context, path string) (Writer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fullPath := p.resolve(path)
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, p.dirMode); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return nil, err
	}
	if err := chmodFile(tmp, p.fileMode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}

	return &localWriter{
		ctx:      ctx,
		file:     tmp,
		tmpPath:  tmp.Name(),
		fullPath: fullPath,
	}, nil
}

// localWriter publishes a temp file with an atomic rename.
type localWriter struct {
	ctx      context.Context
	file     *os.File
	tmpPath  string
	fullPath string

	once sync.Once
	err  error
}

func (w *localWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *localWriter) Close() error {
	w.once.Do(func() {
		w.err = w.commit()
	})
	return w.err
}

func (w *localWriter) Abort() error {
	var err error
	w.once.Do(func() {
		err = w.discard()
		w.err = ErrAborted
	})
	return err
}

func (w *localWriter) commit() error {
	if err := w.ctx.Err(); err != nil {
		_ = w.discard()
		return fmt.Errorf("commit %s: %w", w.fullPath, err)
	}
	if err := w.file.Sync(); err != nil {
		_ = w.discard()
		return err
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return err
	}
	if err := os.Rename(w.tmpPath, w.fullPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return err
	}
	// Best effort: persist the rename itself.
	_ = syncDir(filepath.Dir(w.fullPath))
	return nil
}

func (w *localWriter) discard() error {
	_ = w.file.Close()
	if err := os.Remove(w.tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func wrapOSFileInfo(info os.FileInfo) FileInfo {
	return &fileInfo{
		name:    info.Name(),
		size:    info.Size(),
		isDir:   info.IsDir(),
		modTime: info.ModTime(),
	}
}
