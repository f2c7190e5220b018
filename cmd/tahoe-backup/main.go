// Copyright 2011 The Perkeep Authors
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

// Command tahoe-backup recursively uploads a local directory tree into a
// content-addressed store, reusing unchanged files and subtrees recorded in
// a local index, then attaches the resulting root capability under
// Archives/<timestamp> and Latest in a target mutable directory.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/ArdaXi/tahoe-backup/internal/excludes"
	"github.com/ArdaXi/tahoe-backup/internal/index"
	"github.com/ArdaXi/tahoe-backup/internal/logging"
	"github.com/ArdaXi/tahoe-backup/internal/pipeline"
	"github.com/ArdaXi/tahoe-backup/internal/store"
)

// wereErrors mirrors the teacher's package-level exit-status flag: attachBoth
// sets it when either post-root attach fails, so the failure is recorded
// rather than os.Exit-ing from inside the attach goroutines. Soft failures
// inside the traversal do not set it.
var wereErrors = false

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".tahoe", "private", "rust-backupdb.sqlite")
}

func main() {
	var (
		threadsFlag = pflag.StringP("threads", "t", "4", "number of concurrent uploads per directory level")
		dbPath      = pflag.StringP("database", "d", defaultDatabasePath(), "path to the local reuse-index sqlite database")
		excludeList = pflag.StringArrayP("exclude", "x", nil, "glob pattern to exclude (repeatable)")
		baseURL     = pflag.String("base-url", store.DefaultBaseURL, "store base URL")
		verbose     = pflag.BoolP("verbose", "v", false, "extra debug logging")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <path> <target-dir-cap>\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() != 2 {
		pflag.Usage()
		os.Exit(2)
	}
	srcPath := pflag.Arg(0)
	target := pflag.Arg(1)

	// A non-numeric --threads falls back to 4 rather than failing the run;
	// the flag exists for tuning, not for strict input validation.
	threads, err := strconv.Atoi(*threadsFlag)
	if err != nil || threads < 1 {
		threads = 4
	}

	log := logging.New(*verbose)
	defer log.Sync()

	absPath, err := filepath.Abs(srcPath)
	if err != nil {
		log.Errorw("resolving path", "path", srcPath, "error", err)
		os.Exit(1)
	}

	ex, err := excludes.New(*excludeList)
	if err != nil {
		logging.LogCauseChain(log, "invalid exclude pattern", err)
		os.Exit(1)
	}

	idx, err := index.Open(*dbPath)
	if err != nil {
		log.Errorw("opening index", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer idx.Close()

	cl := store.New(*baseURL, log)

	p := pipeline.New(cl, idx, ex, threads, log)

	ctx := context.Background()
	rootCap, err := p.Upload(ctx, absPath)
	if err != nil {
		logging.LogCauseChain(log, "root upload failed", err)
		os.Exit(1)
	}
	log.Infow("root uploaded", "cap", rootCap)

	archiveName := "Archives/" + time.Now().UTC().Format(time.RFC3339)
	if !attachBoth(ctx, cl, log, target, archiveName, rootCap) {
		os.Exit(1)
	}

	if wereErrors {
		os.Exit(1)
	}
}

// attachBoth issues the two post-root attach calls concurrently, as
// spec.md §4.3's "Post-root" step requires both to succeed for the run to
// be considered successful.
func attachBoth(ctx context.Context, cl *store.Client, log interface {
	Errorw(string, ...interface{})
}, target, archiveName, rootCap string) bool {
	var wg sync.WaitGroup
	results := make([]error, 2)
	names := []string{archiveName, "Latest"}
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = cl.Attach(ctx, target, name, rootCap)
		}(i, name)
	}
	wg.Wait()

	ok := true
	for i, err := range results {
		if err != nil {
			log.Errorw("attach failed", "name", names[i], "error", err)
			wereErrors = true
			ok = false
		}
	}
	return ok
}
