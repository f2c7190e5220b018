// Copyright 2013 The Camlistore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pipeline is the recursive traversal-upload walk: for each
// filesystem entry it decides skip/upload-file/recurse, bounds the number of
// in-flight child uploads per directory to a configured thread count, and
// aggregates surviving children into a directory manifest in launch order.
//
// The shape is grounded in the teacher's cmd/camput file-node tree: a node
// is stat'd, classified, and either uploaded directly or fanned out to its
// children with a bounded number outstanding at once, their results folded
// back into a parent manifest once all are in. Where the teacher pumps work
// through a hand-rolled channel worker (chanworker.go), this uses
// golang.org/x/sync/semaphore directly — the same bound, expressed as a
// single acquire/release pair around each recursive call instead of a
// manually managed worker goroutine pool.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ArdaXi/tahoe-backup/internal/excludes"
	"github.com/ArdaXi/tahoe-backup/internal/logging"
	"github.com/ArdaXi/tahoe-backup/internal/manifest"
)

// ReadMetadataError reports that lstat-ing path failed.
type ReadMetadataError struct {
	Path  string
	Cause error
}

func (e *ReadMetadataError) Error() string {
	return fmt.Sprintf("reading metadata for %s: %v", e.Path, e.Cause)
}
func (e *ReadMetadataError) Unwrap() error { return e.Cause }

// SymlinkError reports that path is a symbolic link, which this agent never
// follows.
type SymlinkError struct{ Path string }

func (e *SymlinkError) Error() string { return fmt.Sprintf("%s: not following symlink", e.Path) }

// FileOpenError reports that a regular file could not be opened for
// reading after a reuse-index miss.
type FileOpenError struct {
	Path  string
	Cause error
}

func (e *FileOpenError) Error() string { return fmt.Sprintf("opening %s: %v", e.Path, e.Cause) }
func (e *FileOpenError) Unwrap() error { return e.Cause }

// DirReadError reports that a directory's children could not be listed.
type DirReadError struct {
	Path  string
	Cause error
}

func (e *DirReadError) Error() string { return fmt.Sprintf("couldn't read dir %s: %v", e.Path, e.Cause) }
func (e *DirReadError) Unwrap() error { return e.Cause }

// UnknownFileError reports an entry that is neither a regular file, a
// directory, nor a symlink (a device, socket, or FIFO).
type UnknownFileError struct{ Path string }

func (e *UnknownFileError) Error() string { return fmt.Sprintf("%s: unsupported file type", e.Path) }

// FileUploadError wraps a store failure encountered while uploading a
// regular file's body or a directory's manifest. Index failures are logged,
// never wrapped here.
type FileUploadError struct {
	Path  string
	Cause error
}

func (e *FileUploadError) Error() string { return fmt.Sprintf("uploading %s: %v", e.Path, e.Cause) }
func (e *FileUploadError) Unwrap() error { return e.Cause }

// Store is the subset of store.Client the pipeline depends on, accepted as
// an interface so tests can substitute a fake instead of spinning up an
// httptest server for every case.
type Store interface {
	UploadFile(ctx context.Context, r io.Reader) (string, error)
	UploadDir(ctx context.Context, body []byte) (string, error)
}

// Index is the subset of index.Index the pipeline depends on.
type Index interface {
	CheckFile(ctx context.Context, path string, size, ctime, mtime int64) (string, bool)
	AddFile(ctx context.Context, cap, path string, size, ctime, mtime int64) error
	CheckDir(ctx context.Context, dirHash int64) (string, bool)
	AddDir(ctx context.Context, dirHash int64, cap string) error
}

// Pipeline runs the recursive traversal described in spec.md §4.3.
type Pipeline struct {
	store    Store
	index    Index
	excludes *excludes.Set
	threads  int64
	log      *zap.SugaredLogger
}

// New returns a Pipeline bounding concurrent child uploads to threads
// in-flight at once *per directory level*. Every uploadDir call creates its
// own semaphore sized to threads, the same way the Rust original's
// upload_dir builds a fresh `stream::iter_ok(...).buffered(threads)` window
// for each directory rather than sharing one window across the whole
// recursive walk — sharing a single pool across all depths would let an
// ancestor directory hold every permit while waiting on a descendant that
// can never acquire one of its own, deadlocking on any source tree nested
// deeper than threads.
func New(store Store, idx Index, ex *excludes.Set, threads int, log *zap.SugaredLogger) *Pipeline {
	if threads < 1 {
		threads = 1
	}
	return &Pipeline{
		store:    store,
		index:    idx,
		excludes: ex,
		threads:  int64(threads),
		log:      log,
	}
}

// Upload is the single recursive operation. root is lstat'd (not stat'd) so
// a symlinked root is rejected the same way a symlinked child would be.
func (p *Pipeline) Upload(ctx context.Context, path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", &ReadMetadataError{Path: path, Cause: err}
	}
	return p.uploadEntry(ctx, path, info)
}

func (p *Pipeline) uploadEntry(ctx context.Context, path string, info os.FileInfo) (string, error) {
	mode := info.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		return "", &SymlinkError{Path: path}
	case mode.IsRegular():
		return p.uploadFile(ctx, path, info)
	case mode.IsDir():
		return p.uploadDir(ctx, path)
	default:
		return "", &UnknownFileError{Path: path}
	}
}

func (p *Pipeline) uploadFile(ctx context.Context, path string, info os.FileInfo) (string, error) {
	size := info.Size()
	ctime, mtime := fileTimes(info)

	if cap, ok := p.index.CheckFile(ctx, path, size, ctime, mtime); ok {
		return cap, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", &FileOpenError{Path: path, Cause: err}
	}
	defer f.Close()

	cap, err := p.store.UploadFile(ctx, f)
	if err != nil {
		return "", &FileUploadError{Path: path, Cause: err}
	}

	if err := p.index.AddFile(ctx, cap, path, size, ctime, mtime); err != nil {
		logging.LogCauseChain(p.log, "index: failed to record uploaded file (store already has it)", err)
	}
	return cap, nil
}

// childOutcome is the per-child sum the parent folds into its manifest: a
// successful node, or nothing. A failed child is logged at the point of
// failure and simply omitted here — propagating it further would turn a
// local partial failure into a whole-subtree failure, which is exactly the
// policy spec.md §4.3.4d forbids.
type childOutcome struct {
	name string
	node manifest.Node
	ok   bool
}

func (p *Pipeline) uploadDir(ctx context.Context, path string) (string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", &DirReadError{Path: path, Cause: err}
	}

	type child struct {
		name string
		path string
	}
	var survivors []child
	for _, e := range entries {
		childPath := filepath.Join(path, e.Name())
		if p.excludes.Match(childPath) {
			continue
		}
		survivors = append(survivors, child{name: e.Name(), path: childPath})
	}

	outcomes := make([]childOutcome, len(survivors))
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(p.threads)
	for i, c := range survivors {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled; nothing further can be launched, but what's
			// already in flight is allowed to finish below.
			break
		}
		wg.Add(1)
		go func(i int, c child) {
			defer wg.Done()
			defer sem.Release(1)

			info, err := os.Lstat(c.path)
			if err != nil {
				logging.LogCauseChain(p.log, "skipping child, couldn't read metadata", &ReadMetadataError{Path: c.path, Cause: err})
				return
			}
			cap, err := p.uploadEntry(ctx, c.path, info)
			if err != nil {
				logging.LogCauseChain(p.log, "skipping child after failed upload", err)
				return
			}
			outcomes[i] = childOutcome{name: c.name, node: manifest.NewNode(cap, metadataFor(info)), ok: true}
		}(i, c)
	}
	wg.Wait()

	dir := manifest.New()
	for _, o := range outcomes {
		if o.ok {
			dir.Push(o.name, o.node)
		}
	}

	dirHash := int64(dir.Hash())
	if cap, ok := p.index.CheckDir(ctx, dirHash); ok {
		return cap, nil
	}

	body, err := dir.MarshalJSON()
	if err != nil {
		return "", &FileUploadError{Path: path, Cause: err}
	}
	cap, err := p.store.UploadDir(ctx, body)
	if err != nil {
		return "", &FileUploadError{Path: path, Cause: err}
	}

	if err := p.index.AddDir(ctx, dirHash, cap); err != nil {
		logging.LogCauseChain(p.log, "index: failed to record uploaded directory (store already has it)", err)
	}
	return cap, nil
}

// fileTimes resolves the (ctime, mtime) pair check_file keys on. ctime is 0
// uniformly: Go's os.FileInfo exposes no portable creation time, and the
// agreed resolution (see DESIGN.md) is to never substitute inode-change-time
// for it, matching the original's ctime-is-absent-on-this-platform behavior.
func fileTimes(info os.FileInfo) (ctime, mtime int64) {
	return 0, info.ModTime().Unix()
}

func metadataFor(info os.FileInfo) manifest.Metadata {
	ctime, mtime := fileTimes(info)
	cu, mu := uint64(ctime), uint64(mtime)
	return manifest.Metadata{Ctime: &cu, Mtime: &mu}
}
