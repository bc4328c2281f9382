package isolator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-resty/resty/v2"
)

// Resolver resolves a plugin's module URL to a locally runnable executable.
type Resolver interface {
	Resolve(ctx context.Context, moduleURL string) (string, error)
}

// CachingResolver fetches http(s) module artifacts into a content-addressed
// on-disk cache and passes local paths (plain or file://) through untouched.
// A module URL is fetched at most once per cache; hot-swapping a plugin
// means publishing a new URL.
type CachingResolver struct {
	client   *resty.Client
	cacheDir string
}

// Ensure CachingResolver implements Resolver.
var _ Resolver = (*CachingResolver)(nil)

// NewCachingResolver creates a resolver that caches fetched modules under
// cacheDir. cacheDir is created on demand.
func NewCachingResolver(cacheDir string) *CachingResolver {
	return &CachingResolver{
		client:   resty.New(),
		cacheDir: cacheDir,
	}
}

func (r *CachingResolver) Resolve(ctx context.Context, moduleURL string) (string, error) {
	u, err := url.Parse(moduleURL)
	if err != nil {
		return "", fmt.Errorf("invalid module url %q: %w", moduleURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return r.fetch(ctx, moduleURL)
	case "file":
		return r.checkLocal(u.Path)
	case "":
		return r.checkLocal(moduleURL)
	default:
		return "", fmt.Errorf("unsupported module url scheme %q", u.Scheme)
	}
}

func (r *CachingResolver) checkLocal(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("module path %q is a directory", path)
	}
	return path, nil
}

func (r *CachingResolver) fetch(ctx context.Context, moduleURL string) (string, error) {
	sum := sha256.Sum256([]byte(moduleURL))
	dest := filepath.Join(r.cacheDir, hex.EncodeToString(sum[:]))

	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return "", err
	}

	resp, err := r.client.R().SetContext(ctx).Get(moduleURL)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", moduleURL, err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("fetch %s: status %s", moduleURL, resp.Status())
	}

	// Write to a temp file first so a concurrent resolve never observes a
	// partial artifact.
	tmp, err := os.CreateTemp(r.cacheDir, ".fetch-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(resp.Body()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Chmod(tmpName, 0o755); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return dest, nil
}

// StaticResolver maps module URLs to fixed local paths. Useful for tests
// and for deployments that ship plugins alongside the orchestrator.
type StaticResolver map[string]string

func (r StaticResolver) Resolve(ctx context.Context, moduleURL string) (string, error) {
	path, ok := r[moduleURL]
	if !ok {
		return "", fmt.Errorf("unknown module url %q", moduleURL)
	}
	return path, nil
}
