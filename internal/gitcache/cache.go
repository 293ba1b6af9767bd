// Package gitcache maintains the bounded on-disk cache of repository
// clones used by the diff engine.
//
// Each repository lives in a slug-named directory under the cache root.
// A JSON index tracks last access for LRU eviction; fetches follow a
// stale-while-revalidate policy so hot paths never wait on the network.
package gitcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/cmux-dev/cmux/internal/gitexec"
	"github.com/cmux-dev/cmux/internal/logger"
)

// MaxCacheRepos bounds how many clones the cache keeps on disk.
const MaxCacheRepos = 20

// DefaultFetchWindow is the SWR window: a repo fetched more recently
// than this is served as-is with no revalidation.
const DefaultFetchWindow = 30 * time.Second

// CacheRootEnv overrides the cache root directory. The name is shared
// with the original implementation so deployments can swap engines
// without moving their cache.
const CacheRootEnv = "CMUX_RUST_GIT_CACHE"

const indexFileName = "cache-index.json"

type indexEntry struct {
	Slug         string `json:"slug"`
	Path         string `json:"path"`
	LastAccessMS int64  `json:"last_access_ms"`
}

type cacheIndex struct {
	Entries []indexEntry `json:"entries"`
}

// Cache is the process-global clone cache. The zero value is not usable;
// use New or the package-level Default.
type Cache struct {
	root string

	mu          sync.Mutex
	lastFetch   map[string]time.Time
	fetchWindow time.Duration
}

var (
	defaultCache *Cache
	defaultOnce  sync.Once
)

// Default returns the process-global cache rooted per environment.
func Default() *Cache {
	defaultOnce.Do(func() {
		defaultCache = New(ResolveRoot())
	})
	return defaultCache
}

// New creates a cache rooted at the given directory.
func New(root string) *Cache {
	return &Cache{
		root:        root,
		lastFetch:   make(map[string]time.Time),
		fetchWindow: DefaultFetchWindow,
	}
}

// ResolveRoot returns the cache root: $CMUX_RUST_GIT_CACHE, the OS cache
// directory joined with cmux-git-cache, or the temp directory.
func ResolveRoot() string {
	if dir := os.Getenv(CacheRootEnv); dir != "" {
		return dir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "cmux-git-cache")
	}
	return filepath.Join(os.TempDir(), "cmux-git-cache")
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// ResolveURL picks the clone URL: an explicit URL wins, otherwise a
// GitHub URL is built from the full name.
func ResolveURL(fullName, url string) (string, error) {
	if url != "" {
		return url, nil
	}
	if fullName != "" {
		return fmt.Sprintf("https://github.com/%s.git", fullName), nil
	}
	return "", errors.New("repoUrl or repoFullName required")
}

// slugFromURL derives the on-disk directory name: <owner>__<repo> for
// URLs with at least two path segments, a sanitized fallback otherwise.
func slugFromURL(url string) string {
	clean := strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	parts := strings.Split(clean, "/")
	if len(parts) >= 2 {
		owner := parts[len(parts)-2]
		repo := parts[len(parts)-1]
		if owner != "" && repo != "" {
			return owner + "__" + repo
		}
	}
	replacer := strings.NewReplacer("/", "_", ":", "_", "@", "_", "\\", "_")
	return replacer.Replace(clean)
}

// EnsureRepo returns a local path for the repository at url, cloning if
// absent, recloning if the existing directory is not a valid clone, and
// unshallowing shallow clones. The access updates the LRU index and may
// evict the oldest clones beyond capacity.
func (c *Cache) EnsureRepo(ctx context.Context, url string) (string, error) {
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return "", fmt.Errorf("creating cache root: %w", err)
	}
	path := filepath.Join(c.root, slugFromURL(url))

	// A directory without .git/HEAD is a broken clone: purge and redo.
	gitDir := filepath.Join(path, ".git")
	if dirExists(path) && !fileExists(filepath.Join(gitDir, "HEAD")) {
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("purging invalid clone: %w", err)
		}
	}

	if !dirExists(path) {
		// Clone full history (no depth) for merge-base queries.
		if _, err := gitexec.Run(ctx, c.root, "clone", "--no-single-branch", url, filepath.Base(path)); err != nil {
			return "", err
		}
	} else {
		c.SWRFetch(ctx, path)
	}

	if fileExists(filepath.Join(gitDir, "shallow")) {
		if _, err := gitexec.Run(ctx, path, "fetch", "--unshallow", "--tags"); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("unshallow fetch failed")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.touchLocked(path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("cache index update failed")
	}
	if err := c.enforceLimitLocked(); err != nil {
		logger.Warn().Err(err).Msg("cache eviction failed")
	}
	return path, nil
}

// SWRFetch revalidates the clone at path unless a fetch was started within
// the window. The timestamp is recorded when the fetch starts and the
// fetch runs in the background: callers get the stale view without waiting.
func (c *Cache) SWRFetch(ctx context.Context, path string) {
	c.mu.Lock()
	if last, ok := c.lastFetch[path]; ok && time.Since(last) < c.fetchWindow {
		c.mu.Unlock()
		return
	}
	c.lastFetch[path] = time.Now()
	c.mu.Unlock()

	go func() {
		// Detach from the caller's deadline; revalidation outlives the request.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
		defer cancel()
		if _, err := gitexec.Run(ctx, path, "fetch", "--all", "--tags", "--prune"); err != nil {
			logger.Debug().Err(err).Str("path", path).Msg("background fetch failed")
		}
	}()
}

// SetFetchWindow adjusts the SWR window (the package tests use one hour).
func (c *Cache) SetFetchWindow(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchWindow = d
}

// touchLocked records an access to path in the index. Caller holds c.mu.
func (c *Cache) touchLocked(path string) error {
	return c.withIndexLock(func() error {
		idx := c.loadIndex()
		slug := filepath.Base(path)
		now := time.Now().UnixMilli()

		found := false
		for i := range idx.Entries {
			if idx.Entries[i].Slug == slug {
				idx.Entries[i].LastAccessMS = now
				idx.Entries[i].Path = path
				found = true
				break
			}
		}
		if !found {
			idx.Entries = append(idx.Entries, indexEntry{Slug: slug, Path: path, LastAccessMS: now})
		}
		return c.saveIndex(idx)
	})
}

// enforceLimitLocked deletes the least recently used clones beyond
// capacity and rewrites the index. Caller holds c.mu.
func (c *Cache) enforceLimitLocked() error {
	return c.withIndexLock(func() error {
		idx := c.loadIndex()
		if len(idx.Entries) <= MaxCacheRepos {
			return nil
		}
		sortByAccessDesc(idx.Entries)
		victims := idx.Entries[MaxCacheRepos:]
		idx.Entries = idx.Entries[:MaxCacheRepos]
		for _, v := range victims {
			logger.Info().Str("slug", v.Slug).Msg("evicting cached repo")
			if err := os.RemoveAll(v.Path); err != nil {
				logger.Warn().Err(err).Str("path", v.Path).Msg("failed to remove evicted clone")
			}
		}
		return c.saveIndex(idx)
	})
}

// withIndexLock serializes index access across processes with a file
// lock next to the index.
func (c *Cache) withIndexLock(f func() error) error {
	lock := flock.New(filepath.Join(c.root, indexFileName+".lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking cache index: %w", err)
	}
	defer lock.Unlock()
	return f()
}

// loadIndex reads the index, tolerating a missing or corrupt file.
func (c *Cache) loadIndex() cacheIndex {
	var idx cacheIndex
	data, err := os.ReadFile(filepath.Join(c.root, indexFileName))
	if err != nil {
		return idx
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return cacheIndex{}
	}
	return idx
}

// saveIndex writes the index atomically (write-then-rename).
func (c *Cache) saveIndex(idx cacheIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.root, indexFileName+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(c.root, indexFileName))
}

func sortByAccessDesc(entries []indexEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessMS > entries[j].LastAccessMS
	})
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
