package nix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// EnvFactory implements ports.EnvironmentFactory using Nix: it resolves
// every requested tool to a Nixpkgs commit and attribute path, then asks
// `nix print-dev-env` to build a shell over all of them in one derivation.
type EnvFactory struct {
	resolver ports.DependencyResolver
	telem    ports.Telemetry
	cacheDir string
	group    singleflight.Group
}

// NewEnvFactoryWithCache creates a new EnvironmentFactory backed by Nix with a specific cache directory.
func NewEnvFactoryWithCache(
	resolver ports.DependencyResolver,
	telem ports.Telemetry,
	cacheDir string,
) *EnvFactory {
	return &EnvFactory{
		resolver: resolver,
		telem:    telem,
		cacheDir: cacheDir,
	}
}

// GetEnvironment constructs a hermetic environment from a set of tools.
// The tools map contains alias->spec pairs (e.g., "go" -> "go@1.25.4").
// Returns environment variables as "KEY=VALUE" strings suitable for process execution.
func (e *EnvFactory) GetEnvironment(ctx context.Context, tools map[string]string) (env []string, err error) {
	envID := domain.GenerateEnvID(tools)

	result, err, _ := e.group.Do(envID, func() (any, error) {
		return e.buildEnvironment(ctx, tools, envID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// buildEnvironment does the actual resolve/build/cache work for GetEnvironment,
// deduplicated across concurrent callers by the singleflight group keyed on envID.
func (e *EnvFactory) buildEnvironment(ctx context.Context, tools map[string]string, envID string) (env []string, err error) {
	ctx, vertex := e.telem.Record(ctx, "Setup Environment")
	defer func() { vertex.Complete(err) }()

	// Step A: Resolve all tools to commit hashes
	commitToPackages := make(map[string][]string)
	var mu sync.Mutex

	g, groupCtx := errgroup.WithContext(ctx)
	// Use number of CPUs as concurrency limit, matching scheduler default
	g.SetLimit(runtime.NumCPU())

	for _, spec := range tools {
		spec := spec // Capture loop variable
		g.Go(func() error {
			// Parse spec to get package name and version
			// Spec format: "package@version" (e.g., "go@1.25.4")
			parts := strings.SplitN(spec, "@", 2)
			if len(parts) != 2 {
				return zerr.Wrap(
					fmt.Errorf("invalid tool spec format: %s", spec),
					"expected format: package@version",
				)
			}
			packageName := parts[0]
			version := parts[1]

			// Resolve to commit hash and attribute path
			commitHash, attrPath, err := e.resolver.Resolve(groupCtx, packageName, version)
			if err != nil {
				return zerr.Wrap(err, "failed to resolve tool")
			}

			// Group packages by commit hash
			// We use the attribute path returned by the resolver (e.g., "go_1_22")
			// instead of the alias/package name derived from the spec.
			mu.Lock()
			commitToPackages[commitHash] = append(commitToPackages[commitHash], attrPath)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Step B: Check cache
	cachePath := filepath.Join(e.cacheDir, "environments", envID+".json")
	if cachedEnv, cacheErr := LoadEnvFromCache(cachePath); cacheErr == nil {
		vertex.Cached()
		return cachedEnv, nil
	}

	// Step C: Generate and execute Nix expression
	system := getCurrentSystem()
	nixExpr := e.generateNixExpr(system, commitToPackages)

	// Write to temporary file
	tmpPath, cleanupFn, err := createNixTempFile(nixExpr)
	if err != nil {
		return nil, err
	}
	defer cleanupFn()

	// Execute nix print-dev-env
	//nolint:gosec // tmpPath is a trusted temp file created by us
	cmd := exec.CommandContext(ctx, "nix", "print-dev-env", "--json", "--file", tmpPath)
	cmd.Stderr = vertex.Stderr()
	output, err := cmd.Output()
	if err != nil {
		return nil, zerr.Wrap(err, "failed to execute nix print-dev-env")
	}

	// Parse JSON output
	env, err = ParseNixDevEnv(output)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to parse nix output")
	}
	// Step D: Persist to cache

	// Enforce local toolchain for Go to prevent auto-downloading newer versions
	// based on go.mod directive, and pin TMPDIR since nix's raw value is excluded.
	env = append(env, "GOTOOLCHAIN=local", "TMPDIR=/tmp")
	slices.Sort(env) // Re-sort after appending

	if err := SaveEnvToCache(cachePath, env); err != nil {
		// Log warning but don't fail - cache write is not critical
		_ = err
	}

	return env, nil
}

// generateNixExpr generates a Nix expression from a commit-to-packages mapping.
// Commit hashes and their package lists are sorted before being rendered so the
// resulting expression is stable across runs regardless of map iteration order.
func (e *EnvFactory) generateNixExpr(system string, commits map[string][]string) string {
	var builder strings.Builder

	commitHashes := make([]string, 0, len(commits))
	for commitHash := range commits {
		commitHashes = append(commitHashes, commitHash)
	}
	slices.Sort(commitHashes)

	// Start let block
	builder.WriteString("let\n")
	builder.WriteString(fmt.Sprintf("system = %q;\n", system))

	// Generate flake and pkgs variables for each commit
	commitToIdx := make(map[string]int, len(commitHashes))
	for idx, commitHash := range commitHashes {
		builder.WriteString(fmt.Sprintf("flake_%d = builtins.getFlake \"github:NixOS/nixpkgs/%s\";\n",
			idx, commitHash))
		builder.WriteString(fmt.Sprintf("pkgs_%d = flake_%d.legacyPackages.${system};\n",
			idx, idx))
		commitToIdx[commitHash] = idx
	}

	// Start mkShell block
	builder.WriteString("in\n")

	builder.WriteString("pkgs_0.mkShell {\n")
	builder.WriteString("buildInputs = [\n")

	// Add all packages, sorted within each commit for determinism.
	for _, commitHash := range commitHashes {
		idx := commitToIdx[commitHash]
		packages := slices.Clone(commits[commitHash])
		slices.Sort(packages)
		for _, pkg := range packages {
			builder.WriteString(fmt.Sprintf("pkgs_%d.%s\n", idx, pkg))
		}
	}

	builder.WriteString("];\n")
	builder.WriteString("}\n")

	return builder.String()
}

// createNixTempFile creates a temporary file with the given Nix expression.
func createNixTempFile(nixExpr string) (tmpPath string, cleanup func(), err error) {
	tmpFile, err := os.CreateTemp("", "bob-env-*.nix")
	if err != nil {
		return "", nil, zerr.Wrap(err, "failed to create temp nix file")
	}

	tmpPath = tmpFile.Name()
	cleanup = func() {
		_ = os.Remove(tmpPath)
	}

	if _, writeErr := tmpFile.WriteString(nixExpr); writeErr != nil {
		_ = tmpFile.Close()
		cleanup()
		return "", nil, zerr.Wrap(writeErr, "failed to write nix expression")
	}

	if closeErr := tmpFile.Close(); closeErr != nil {
		cleanup()
		return "", nil, zerr.Wrap(closeErr, "failed to close temp nix file")
	}

	return tmpPath, cleanup, nil
}

// LoadEnvFromCache attempts to load a cached environment.
func LoadEnvFromCache(path string) ([]string, error) {
	//nolint:gosec // Path is constructed from trusted cache directory
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("cache miss")
		}
		return nil, zerr.Wrap(err, "failed to read cache file")
	}

	var env []string
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, zerr.Wrap(err, "failed to unmarshal cache")
	}

	return env, nil
}

// SaveEnvToCache saves an environment to the cache.
func SaveEnvToCache(path string, env []string) error {
	// Ensure cache directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return zerr.Wrap(err, "failed to create cache directory")
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return zerr.Wrap(err, "failed to marshal environment")
	}

	//nolint:gosec // Path is constructed from trusted cache directory
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return zerr.Wrap(err, "failed to write cache file")
	}

	return nil
}

// nixDevEnvOutput represents the JSON structure from `nix print-dev-env --json`.
type nixDevEnvOutput struct {
	Variables map[string]nixVariable `json:"variables"`
}

type nixVariable struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// ParseNixDevEnv parses the JSON output from nix print-dev-env and extracts environment variables.
func ParseNixDevEnv(jsonData []byte) ([]string, error) {
	var output nixDevEnvOutput
	if err := json.Unmarshal(jsonData, &output); err != nil {
		return nil, zerr.Wrap(err, "failed to unmarshal nix output")
	}

	env := make([]string, 0, len(output.Variables))
	for key, variable := range output.Variables {
		// Only include variables we want
		if !ShouldIncludeVar(key) {
			continue
		}

		// Extract value based on type
		var valueStr string
		switch v := variable.Value.(type) {
		case string:
			valueStr = v
		case []interface{}:
			// For arrays, join with colons (common for PATH-like vars)
			parts := make([]string, len(v))
			for i, part := range v {
				if s, ok := part.(string); ok {
					parts[i] = s
				}
			}
			valueStr = strings.Join(parts, ":")
		default:
			// Skip other types
			continue
		}

		env = append(env, fmt.Sprintf("%s=%s", key, valueStr))
	}

	// Sort for deterministic output
	slices.Sort(env)
	return env, nil
}

// ShouldIncludeVar determines if an environment variable should be included.
// Everything is included by default except a small set of interactive-shell
// and build-scratch variables that the caller sets explicitly instead.
func ShouldIncludeVar(key string) bool {
	exclude := []string{
		"TERM", "SHELL", "EDITOR", "VISUAL", "PAGER", "LESS",
		"HOME", "USER", "LOGNAME", "PS1", "PS2",
		"TMPDIR", "TEMP", "TMP",
		"NIX_BUILD_CORES", "NIX_BUILD_TOP", "NIX_LOG_FD",
	}

	for _, excluded := range exclude {
		if key == excluded {
			return false
		}
	}

	return true
}
