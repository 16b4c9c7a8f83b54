// Package scanner walks sample source directories and reports files that
// were added or changed since the last scan. Unchanged files are skipped
// via a size+mtime fast path before any hashing happens.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/PORTALSURFER/sempal-sub005/internal/jobstore"
	"github.com/PORTALSURFER/sempal-sub005/pkg/config"
	"github.com/PORTALSURFER/sempal-sub005/pkg/debug"
	"github.com/PORTALSURFER/sempal-sub005/pkg/metrics"
	"github.com/PORTALSURFER/sempal-sub005/pkg/model"
)

// audioExtensions are the file types staged into the pipeline. Matching is
// case-insensitive.
var audioExtensions = map[string]bool{
	".wav":  true,
	".aif":  true,
	".aiff": true,
	".flac": true,
	".mp3":  true,
	".ogg":  true,
}

const defaultHashWorkers = 4

// Scanner diffs a source directory against the staged sample metadata in
// the store.
type Scanner struct {
	store       *jobstore.Store
	hashWorkers int
}

// New returns a scanner reading stored metadata from store. hashWorkers
// bounds concurrent file hashing; values below 1 fall back to the default.
func New(store *jobstore.Store, hashWorkers int) *Scanner {
	if hashWorkers < 1 {
		hashWorkers = defaultHashWorkers
	}
	return &Scanner{store: store, hashWorkers: hashWorkers}
}

// candidate is a file that failed the size+mtime fast path and needs
// hashing.
type candidate struct {
	relPath string
	absPath string
	size    int64
	mtimeNS int64
}

// Scan walks the source root and returns every audio file whose stored
// metadata no longer matches the filesystem. Content-identical files with
// touched mtimes are reported too so their metadata gets refreshed; the
// enqueue staleness check keeps them from being re-analyzed. Files that
// cannot be read are logged and skipped.
func (s *Scanner) Scan(ctx context.Context, source config.Source) ([]model.ChangedSample, error) {
	root := source.ResolvedPath()
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("source %s root: %w", source.ID, err)
	}

	candidates, skipped, err := s.collectCandidates(ctx, source.ID, root)
	if err != nil {
		return nil, err
	}
	metrics.FilesSkipped.Add(int64(skipped))
	debug.Log("scanner: source=%s candidates=%d skipped=%d", source.ID, len(candidates), skipped)

	changed, err := s.hashCandidates(ctx, candidates)
	if err != nil {
		return nil, err
	}

	sort.Slice(changed, func(i, j int) bool {
		return changed[i].RelativePath < changed[j].RelativePath
	})
	return changed, nil
}

// collectCandidates walks the tree and filters out files whose stored
// size and mtime still match, so unchanged files cost one stat and no IO.
func (s *Scanner) collectCandidates(ctx context.Context, sourceID, root string) ([]candidate, int, error) {
	var files []candidate
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			debug.Log("scanner: walk error at %s: %v", path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			// Hidden directories hold DAW project cruft, not samples.
			if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !audioExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			debug.Log("scanner: stat failed for %s: %v", path, err)
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files = append(files, candidate{
			relPath: filepath.ToSlash(rel),
			absPath: path,
			size:    info.Size(),
			mtimeNS: info.ModTime().UnixNano(),
		})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("walking %s: %w", root, err)
	}

	ids := make([]model.SampleID, 0, len(files))
	byID := make(map[model.SampleID]candidate, len(files))
	for _, f := range files {
		id, err := model.MakeSampleID(sourceID, f.relPath)
		if err != nil {
			debug.Log("scanner: skipping %s: %v", f.relPath, err)
			continue
		}
		ids = append(ids, id)
		byID[id] = f
	}

	stored, err := s.store.SampleMetadataByIDs(ids)
	if err != nil {
		return nil, 0, err
	}

	var out []candidate
	skipped := 0
	for _, id := range ids {
		f := byID[id]
		if prev, ok := stored[id]; ok && prev.Size == f.size && prev.MtimeNS == f.mtimeNS {
			skipped++
			continue
		}
		out = append(out, f)
	}
	return out, skipped, nil
}

// hashCandidates hashes candidates with bounded concurrency. Individual
// read failures are logged and dropped rather than failing the scan.
func (s *Scanner) hashCandidates(ctx context.Context, candidates []candidate) ([]model.ChangedSample, error) {
	results := make([]*model.ChangedSample, len(candidates))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.hashWorkers)

	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			hash, err := hashFile(c.absPath)
			if err != nil {
				debug.Log("scanner: hashing %s failed: %v", c.absPath, err)
				return nil
			}
			metrics.FilesHashed.Add(1)
			results[i] = &model.ChangedSample{
				RelativePath: c.relPath,
				ContentHash:  hash,
				FileSize:     c.size,
				ModifiedNS:   c.mtimeNS,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	changed := make([]model.ChangedSample, 0, len(candidates))
	for _, r := range results {
		if r != nil {
			changed = append(changed, *r)
		}
	}
	return changed, nil
}

func hashFile(path string) (string, error) {
	defer metrics.Timer(metrics.ScanHash)()

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
