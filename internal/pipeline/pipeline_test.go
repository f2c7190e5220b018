package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ArdaXi/tahoe-backup/internal/excludes"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

// fakeStore stands in for store.Client: it assigns sequential capabilities
// and lets a test simulate a single file's upload failing by giving it the
// sentinel body "FAIL", the same way the teacher's pkg/client tests stub a
// blob server with canned responses instead of dialing out.
type fakeStore struct {
	mu        sync.Mutex
	fileCalls int
	dirCalls  int
	lastDir   []byte
}

func (f *fakeStore) UploadFile(ctx context.Context, r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if string(body) == "FAIL" {
		return "", errors.New("simulated store failure")
	}
	f.fileCalls++
	return "URI:CHK:" + string(rune('a'+f.fileCalls)), nil
}

func (f *fakeStore) UploadDir(ctx context.Context, body []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirCalls++
	f.lastDir = append([]byte(nil), body...)
	return "URI:DIR:" + string(rune('A'+f.dirCalls)), nil
}

// fakeIndex mirrors index.Index's contract in memory, letting tests assert
// reuse without touching sqlite.
type fakeIndex struct {
	mu    sync.Mutex
	files map[string]fileRow
	dirs  map[int64]string
}

type fileRow struct {
	cap                 string
	size, ctime, mtime  int64
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{files: map[string]fileRow{}, dirs: map[int64]string{}}
}

func (fi *fakeIndex) CheckFile(ctx context.Context, path string, size, ctime, mtime int64) (string, bool) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	row, ok := fi.files[path]
	if !ok {
		return "", false
	}
	if row.size != size || row.ctime != ctime || row.mtime != mtime {
		delete(fi.files, path)
		return "", false
	}
	return row.cap, true
}

func (fi *fakeIndex) AddFile(ctx context.Context, cap, path string, size, ctime, mtime int64) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.files[path] = fileRow{cap: cap, size: size, ctime: ctime, mtime: mtime}
	return nil
}

func (fi *fakeIndex) CheckDir(ctx context.Context, dirHash int64) (string, bool) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	cap, ok := fi.dirs[dirHash]
	return cap, ok
}

func (fi *fakeIndex) AddDir(ctx context.Context, dirHash int64, cap string) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.dirs[dirHash] = cap
	return nil
}

func noExcludes(t *testing.T) *excludes.Set {
	t.Helper()
	s, err := excludes.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestUploadSkipsFailedSiblingButSucceeds(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.txt"), "hello")
	mustWrite(t, filepath.Join(dir, "bad.txt"), "FAIL")

	fs := &fakeStore{}
	p := New(fs, newFakeIndex(), noExcludes(t), 2, testLogger())

	cap, err := p.Upload(context.Background(), dir)
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if cap == "" {
		t.Fatal("expected non-empty root capability")
	}
	if strings.Contains(string(fs.lastDir), "bad.txt") {
		t.Fatalf("manifest should omit the failed child: %s", fs.lastDir)
	}
	if !strings.Contains(string(fs.lastDir), "a.txt") {
		t.Fatalf("manifest should contain the surviving child: %s", fs.lastDir)
	}
}

func TestUploadSkipsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.txt")
	mustWrite(t, target, "hi")
	if err := os.Symlink(target, filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported on this platform: %v", err)
	}

	fs := &fakeStore{}
	p := New(fs, newFakeIndex(), noExcludes(t), 2, testLogger())

	if _, err := p.Upload(context.Background(), dir); err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if strings.Contains(string(fs.lastDir), "link.txt") {
		t.Fatalf("manifest should omit the symlink: %s", fs.lastDir)
	}
}

func TestExcludeGlobFiltersChildren(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.txt"), "keep")
	mustWrite(t, filepath.Join(dir, "b.tmp"), "drop")

	ex, err := excludes.New([]string{"*.tmp"})
	if err != nil {
		t.Fatal(err)
	}
	fs := &fakeStore{}
	p := New(fs, newFakeIndex(), ex, 2, testLogger())

	if _, err := p.Upload(context.Background(), dir); err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if strings.Contains(string(fs.lastDir), "b.tmp") {
		t.Fatalf("excluded child leaked into manifest: %s", fs.lastDir)
	}
}

func TestSecondRunReusesFilesAndDir(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.txt"), "stable content")

	fs := &fakeStore{}
	idx := newFakeIndex()
	p := New(fs, idx, noExcludes(t), 2, testLogger())

	if _, err := p.Upload(context.Background(), dir); err != nil {
		t.Fatalf("first run: %v", err)
	}
	fileCallsAfterFirst, dirCallsAfterFirst := fs.fileCalls, fs.dirCalls

	if _, err := p.Upload(context.Background(), dir); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if fs.fileCalls != fileCallsAfterFirst {
		t.Fatalf("second run re-uploaded the file: %d -> %d calls", fileCallsAfterFirst, fs.fileCalls)
	}
	if fs.dirCalls != dirCallsAfterFirst {
		t.Fatalf("second run re-uploaded the directory: %d -> %d calls", dirCallsAfterFirst, fs.dirCalls)
	}
}

func TestNestedDirectoriesDeeperThanThreadsDoNotDeadlock(t *testing.T) {
	// Five levels of single-child nesting with threads=2: if the
	// per-directory fan-out limiter were a single pool shared across the
	// whole recursive walk, every level's one permit would be held waiting
	// on its child, exhausting the pool before the leaf file is ever
	// reached. Each uploadDir call must size its own limiter so nesting
	// deeper than the thread count still completes.
	root := t.TempDir()
	leafDir := root
	for i := 0; i < 5; i++ {
		leafDir = filepath.Join(leafDir, fmt.Sprintf("dir%d", i))
	}
	if err := os.MkdirAll(leafDir, 0o755); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, filepath.Join(leafDir, "file.txt"), "leaf content")

	fs := &fakeStore{}
	p := New(fs, newFakeIndex(), noExcludes(t), 2, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cap, err := p.Upload(ctx, root)
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if cap == "" {
		t.Fatal("expected non-empty root capability")
	}
	if ctx.Err() != nil {
		t.Fatal("Upload did not complete before the test's timeout: deadlocked")
	}
}

func TestEmptyDirectoryUploadsEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	fs := &fakeStore{}
	p := New(fs, newFakeIndex(), noExcludes(t), 2, testLogger())

	if _, err := p.Upload(context.Background(), dir); err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if !bytes.Equal(bytes.TrimSpace(fs.lastDir), []byte("{}")) {
		t.Fatalf("expected empty manifest, got %s", fs.lastDir)
	}
}

func TestErrorTypesWrapCause(t *testing.T) {
	cause := errors.New("boom")
	cases := []error{
		&ReadMetadataError{Path: "/p", Cause: cause},
		&FileOpenError{Path: "/p", Cause: cause},
		&DirReadError{Path: "/p", Cause: cause},
		&FileUploadError{Path: "/p", Cause: cause},
	}
	for _, err := range cases {
		if !errors.Is(err, cause) {
			t.Errorf("%T does not unwrap to its cause", err)
		}
	}
	if (&SymlinkError{Path: "/p"}).Error() == "" {
		t.Error("SymlinkError.Error() should not be empty")
	}
	if (&UnknownFileError{Path: "/p"}).Error() == "" {
		t.Error("UnknownFileError.Error() should not be empty")
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
