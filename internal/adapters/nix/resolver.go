package nix

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/zerr"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600

	nixHubResolveURL     = "https://www.nixhub.io/api/v2/resolve"
	nixHubRequestTimeout = 30 * time.Second
)

// supportedSystems lists the Nix system strings the resolver will accept
// a NixHub resolution for. Anything else (e.g. riscv64-linux) is treated as
// not found, since there is no way to build an environment for it here.
var supportedSystems = []string{
	"x86_64-linux",
	"aarch64-linux",
	"x86_64-darwin",
	"aarch64-darwin",
}

// Resolver implements ports.DependencyResolver against the NixHub package
// database, caching successful resolutions as one JSON file per alias@version
// under cacheDir.
type Resolver struct {
	cacheDir   string
	httpClient *http.Client
}

// NewResolver creates a Resolver backed by the default on-disk cache
// location.
func NewResolver() (*Resolver, error) {
	return newResolverWithPath(".e3/cache/nix-resolve")
}

func newResolverWithPath(cacheDir string) (*Resolver, error) {
	if err := os.MkdirAll(cacheDir, dirPerm); err != nil {
		return nil, zerr.Wrap(err, domain.ErrNixCacheCreateFailed.Error())
	}
	return &Resolver{
		cacheDir:   cacheDir,
		httpClient: &http.Client{Timeout: nixHubRequestTimeout},
	}, nil
}

// getHash derives the cache file name for a given alias and version.
func getHash(toolName, version string) string {
	sum := sha256.Sum256([]byte(toolName + "@" + version))
	return hex.EncodeToString(sum[:])
}

func (r *Resolver) getCachePath(alias, version string) string {
	return filepath.Join(r.cacheDir, getHash(alias, version)+".json")
}

// Resolve implements ports.DependencyResolver.
func (r *Resolver) Resolve(ctx context.Context, alias, version string) (commitHash, attrPath string, err error) {
	system := getCurrentSystem()
	cachePath := r.getCachePath(alias, version)

	if hash, attr, cacheErr := r.loadFromCache(cachePath, system); cacheErr == nil {
		return hash, attr, nil
	}

	resp, err := r.queryNixHub(ctx, alias, version)
	if err != nil {
		return "", "", err
	}

	filtered := make(map[string]SystemResponse, len(supportedSystems))
	for _, sys := range supportedSystems {
		if entry, ok := resp.Systems[sys]; ok {
			filtered[sys] = entry
		}
	}
	if len(filtered) == 0 {
		return "", "", domain.WithFields(domain.ErrNixPackageNotFound, "alias", alias, "version", version)
	}
	entry, ok := filtered[system]
	if !ok {
		return "", "", domain.WithFields(domain.ErrNixPackageNotFound, "alias", alias, "version", version, "system", system)
	}

	if saveErr := r.saveToCache(cachePath, alias, version, resp); saveErr != nil {
		// A write failure here doesn't invalidate a resolution we already have.
		_ = saveErr
	}

	return entry.FlakeInstallable.Ref.Rev, entry.FlakeInstallable.AttrPath, nil
}

func (r *Resolver) loadFromCache(path, system string) (commitHash, attrPath string, err error) {
	//nolint:gosec // path is built from the resolver's own cache directory
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", zerr.Wrap(err, domain.ErrNixCacheReadFailed.Error())
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", "", zerr.Wrap(err, domain.ErrNixCacheReadFailed.Error())
	}
	sys, ok := entry.Systems[system]
	if !ok {
		return "", "", domain.ErrNixCacheReadFailed
	}
	return sys.FlakeInstallable.Ref.Rev, sys.FlakeInstallable.AttrPath, nil
}

func (r *Resolver) saveToCache(path, alias, version string, resp *nixHubResponse) error {
	systems := make(map[string]SystemCache, len(supportedSystems))
	for _, sys := range supportedSystems {
		if entry, ok := resp.Systems[sys]; ok {
			systems[sys] = SystemCache{FlakeInstallable: entry.FlakeInstallable, Outputs: entry.Outputs}
		}
	}
	entry := cacheEntry{Alias: alias, Version: version, Systems: systems, Timestamp: time.Now()}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return zerr.Wrap(err, "failed to marshal nix resolution cache entry")
	}
	return r.atomicWriteFile(path, data)
}

func (r *Resolver) atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.partial")
	if err != nil {
		return zerr.Wrap(err, "failed to create temp cache file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return zerr.Wrap(err, "failed to write temp cache file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return zerr.Wrap(err, "failed to close temp cache file")
	}
	if err := os.Chmod(tmpPath, domain.FilePerm); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return zerr.Wrap(err, "failed to chmod temp cache file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return zerr.Wrap(err, "failed to install cache file")
	}
	return nil
}

func (r *Resolver) queryNixHub(ctx context.Context, alias, version string) (*nixHubResponse, error) {
	q := url.Values{"name": {alias}, "version": {version}}
	reqURL := nixHubResolveURL + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, zerr.Wrap(err, domain.ErrNixAPIRequestFailed.Error())
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, zerr.Wrap(err, domain.ErrNixAPIRequestFailed.Error())
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.WithFields(domain.ErrNixPackageNotFound, "alias", alias, "version", version)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.WithFields(domain.ErrNixAPIRequestFailed, "status", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, zerr.Wrap(err, domain.ErrNixAPIRequestFailed.Error())
	}

	var result nixHubResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, zerr.Wrap(err, domain.ErrNixAPIParseFailed.Error())
	}
	return &result, nil
}

// getCurrentSystem maps the running GOOS/GOARCH to a Nix system string.
func getCurrentSystem() string {
	arch := "x86_64"
	if runtime.GOARCH == "arm64" {
		arch = "aarch64"
	}
	osName := "linux"
	if runtime.GOOS == "darwin" {
		osName = "darwin"
	}
	return fmt.Sprintf("%s-%s", arch, osName)
}
