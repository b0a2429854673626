// Package lister turns a source location into the independent copy tasks
// of a coercion job.
package lister

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/franksops/gocoerce/engine"
	"github.com/franksops/gocoerce/provider"
)

// Walker lists every visible file under a source root as one task. It walks
// iteratively so deep trees cannot overflow the stack.
type Walker struct {
	recursive bool
	newName   func() string
}

var _ engine.Lister = (*Walker)(nil)

// Option configures a Walker.
type Option func(*Walker)

// NonRecursive limits the walk to the files directly under the root.
func NonRecursive() Option {
	return func(w *Walker) { w.recursive = false }
}

// WithNameFunc sets how renamed files are named. The default is a random
// UUID.
func WithNameFunc(fn func() string) Option {
	return func(w *Walker) {
		if fn != nil {
			w.newName = fn
		}
	}
}

// NewWalker creates a new iterative directory walker.
func NewWalker(opts ...Option) *Walker {
	w := &Walker{recursive: true, newName: uuid.NewString}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Hidden reports whether a file or directory name is skipped by the walk.
// Names starting with "." or "_" cover dotfiles, in-flight temp files and
// job marker files.
func Hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

type entry struct {
	rel  string
	size int64
}

// List walks req.SourceRoot and returns one task per file in lexical order.
func (w *Walker) List(ctx context.Context, req engine.ListRequest) ([]engine.Task, error) {
	stat, err := req.Source.Stat(ctx, req.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("stat source %s: %w", req.SourceRoot, err)
	}

	// A single file maps onto the destination root; renames land beside it.
	if !stat.IsDir() {
		dest, err := w.destination(ctx, req, req.DestRoot, path.Dir(req.DestRoot), nil)
		if err != nil {
			return nil, err
		}
		return []engine.Task{{ID: 0, SourcePath: req.SourceRoot, DestPath: dest, Size: stat.Size()}}, nil
	}

	files, err := w.walk(ctx, req.Source, req.SourceRoot)
	if err != nil {
		return nil, err
	}

	claimed := make(map[string]bool, len(files))
	tasks := make([]engine.Task, 0, len(files))
	for i, f := range files {
		dest, err := w.destination(ctx, req, path.Join(req.DestRoot, f.rel), path.Join(req.DestRoot, path.Dir(f.rel)), claimed)
		if err != nil {
			return nil, err
		}
		claimed[dest] = true
		tasks = append(tasks, engine.Task{
			ID:         i,
			SourcePath: path.Join(req.SourceRoot, f.rel),
			DestPath:   dest,
			Size:       f.size,
		})
	}
	return tasks, nil
}

func (w *Walker) walk(ctx context.Context, src provider.Provider, root string) ([]entry, error) {
	var files []entry
	stack := []string{""}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dir := path.Join(root, rel)
		infos, err := src.List(ctx, dir)
		if errors.Is(err, provider.ErrNotFound) {
			// An empty prefix on an object store lists as not found.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list directory %s: %w", dir, err)
		}

		for _, info := range infos {
			if Hidden(info.Name()) {
				continue
			}
			entryRel := path.Join(rel, info.Name())
			if info.IsDir() {
				if w.recursive {
					stack = append(stack, entryRel)
				}
				continue
			}
			files = append(files, entry{rel: entryRel, size: info.Size()})
		}
	}

	// Task IDs and rename collisions must not depend on walk order.
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, nil
}

// destination returns kept, or a generated name in dir when the rename
// mode asks for one.
func (w *Walker) destination(ctx context.Context, req engine.ListRequest, kept, dir string, claimed map[string]bool) (string, error) {
	renamed := func() string {
		return path.Join(dir, w.newName()+req.ExtensionOnRename)
	}

	switch req.RenameMode {
	case engine.AlwaysRename:
		return renamed(), nil
	case engine.RenameIfNecessary:
		if claimed[kept] {
			return renamed(), nil
		}
		_, err := req.Dest.Stat(ctx, kept)
		if err == nil {
			return renamed(), nil
		}
		if !errors.Is(err, provider.ErrNotFound) {
			return "", fmt.Errorf("stat destination %s: %w", kept, err)
		}
		return kept, nil
	}
	return kept, nil
}
