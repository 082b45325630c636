// Package taskrunner implements the task runner interface (component H):
// a local-process runner driving os/exec directly, plus a MockTaskRunner
// for deterministic scheduler tests.
package taskrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.TaskRunner = (*Local)(nil)

// Local implements ports.TaskRunner by decoding a task's commandIr as a
// JSON argv+tool spec, preparing a hermetic environment, running the
// resulting process, and reading its declared output back through the
// codec.
type Local struct {
	objects ports.ObjectStore
	codec   ports.Codec
	envs    ports.EnvironmentFactory
	telem   ports.Telemetry
}

// New creates a Local runner. telem may be nil, in which case vertex
// recording is skipped and opts.Stdout/opts.Stderr are used directly.
func New(objects ports.ObjectStore, codec ports.Codec, envs ports.EnvironmentFactory, telem ports.Telemetry) *Local {
	return &Local{objects: objects, codec: codec, envs: envs, telem: telem}
}

// commandIR is the JSON shape a task's commandIr bytes decode into: an
// argv, the typed output the process must produce, and the tool versions
// its environment must provide.
type commandIR struct {
	Argv       []string          `json:"argv"`
	OutputType string            `json:"outputType"`
	Tools      map[string]string `json:"tools,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// EncodeCommandIR serializes argv/outputType/tools/env into the bytes a
// task object's commandIr field carries.
func EncodeCommandIR(argv []string, outputType string, tools, env map[string]string) ([]byte, error) {
	return json.Marshal(commandIR{Argv: argv, OutputType: outputType, Tools: tools, Env: env})
}

// Execute fetches the task's command IR and each input value by hash, runs
// the described process with the inputs exposed as E3_INPUT_<n> env vars
// and the output path in E3_OUTPUT, then reads, infers, and re-encodes
// whatever that file contains as the task's output value.
func (l *Local) Execute(ctx context.Context, taskHash domain.Hash, inputHashes []domain.Hash, opts ports.TaskRunOptions) (ports.TaskResult, error) {
	var vertex ports.Vertex
	if l.telem != nil {
		_, vertex = l.telem.Record(ctx, taskHash.Abbrev(12))
		vertex.Status(domain.VertexStatusRunning)
	}

	result, err := l.execute(ctx, taskHash, inputHashes, opts, vertex)
	if vertex != nil {
		if err != nil {
			vertex.Status(domain.VertexStatusFailed)
			vertex.Complete(err)
		} else if result.Kind == ports.TaskResultSuccess {
			vertex.Status(domain.VertexStatusCompleted)
			vertex.Complete(nil)
		} else {
			vertex.Status(domain.VertexStatusFailed)
			vertex.Complete(errors.New(string(result.Kind)))
		}
	}
	return result, err
}

func (l *Local) execute(ctx context.Context, taskHash domain.Hash, inputHashes []domain.Hash, opts ports.TaskRunOptions, vertex ports.Vertex) (ports.TaskResult, error) {
	irRaw, err := l.objects.Read(taskHash)
	if err != nil {
		return ports.TaskResult{Kind: ports.TaskResultError, Message: "task object not found: " + err.Error()}, nil
	}
	var ir commandIR
	if err := json.Unmarshal(irRaw, &ir); err != nil {
		return ports.TaskResult{Kind: ports.TaskResultError, Message: "malformed command IR: " + err.Error()}, nil
	}
	if len(ir.Argv) == 0 {
		return ports.TaskResult{Kind: ports.TaskResultError, Message: "command IR has empty argv"}, nil
	}

	inputEnv, err := l.decodeInputs(inputHashes)
	if err != nil {
		return ports.TaskResult{Kind: ports.TaskResultError, Message: "failed to decode input: " + err.Error()}, nil
	}

	hermeticEnv := []string{}
	if l.envs != nil && len(ir.Tools) > 0 {
		hermeticEnv, err = l.envs.GetEnvironment(ctx, ir.Tools)
		if err != nil {
			return ports.TaskResult{Kind: ports.TaskResultError, Message: "failed to prepare environment: " + err.Error()}, nil
		}
	}

	outputFile, err := os.CreateTemp("", "e3-output-*")
	if err != nil {
		return ports.TaskResult{}, zerr.Wrap(err, "failed to create output temp file")
	}
	outputPath := outputFile.Name()
	outputFile.Close() //nolint:errcheck
	defer os.Remove(outputPath) //nolint:errcheck

	cmdEnv := resolveEnvironment(os.Environ(), hermeticEnv, inputEnv, ir.Env, opts.Env)
	cmdEnv = append(cmdEnv, "E3_OUTPUT="+outputPath)

	name := ir.Argv[0]
	args := ir.Argv[1:]
	executable := name
	if !filepath.IsAbs(name) {
		if lp, lerr := lookPath(name, cmdEnv); lerr == nil {
			executable = lp
		}
	}

	cmd := exec.CommandContext(ctx, executable, args...) //nolint:gosec // argv decoded from a trusted task object
	if len(cmd.Args) > 0 {
		cmd.Args[0] = name
	}
	cmd.Env = cmdEnv
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	cmd.Stdout = firstNonNil(opts.Stdout, vertexWriter(vertex, false))
	cmd.Stderr = firstNonNil(opts.Stderr, vertexWriter(vertex, true))

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return ports.TaskResult{Kind: ports.TaskResultError, Message: "cancelled"}, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return ports.TaskResult{Kind: ports.TaskResultFailed, ExitCode: exitErr.ExitCode()}, nil
		}
		return ports.TaskResult{Kind: ports.TaskResultError, Message: "failed to start task: " + runErr.Error()}, nil
	}

	raw, err := os.ReadFile(outputPath) //nolint:gosec // path is our own temp file
	if err != nil {
		return ports.TaskResult{Kind: ports.TaskResultError, Message: "output missing: " + err.Error()}, nil
	}
	typ, value, err := l.codec.ParseTextInferring(strings.TrimSpace(string(raw)))
	if err != nil {
		return ports.TaskResult{Kind: ports.TaskResultError, Message: "failed to parse output: " + err.Error()}, nil
	}
	if ir.OutputType != "" {
		typ = ir.OutputType
	}
	encoded, err := l.codec.EncodeValue(typ, value)
	if err != nil {
		return ports.TaskResult{Kind: ports.TaskResultError, Message: "failed to encode output: " + err.Error()}, nil
	}
	outputHash, err := l.objects.Write(encoded)
	if err != nil {
		return ports.TaskResult{}, err
	}
	return ports.TaskResult{Kind: ports.TaskResultSuccess, OutputHash: outputHash}, nil
}

func (l *Local) decodeInputs(inputHashes []domain.Hash) ([]string, error) {
	env := make([]string, 0, len(inputHashes))
	for i, h := range inputHashes {
		raw, err := l.objects.Read(h)
		if err != nil {
			return nil, err
		}
		_, value, err := l.codec.DecodeValue(raw)
		if err != nil {
			return nil, err
		}
		text, err := l.codec.EncodeText("", value)
		if err != nil {
			return nil, err
		}
		env = append(env, fmt.Sprintf("E3_INPUT_%d=%s", i, text))
	}
	return env, nil
}

func vertexWriter(v ports.Vertex, stderr bool) io.Writer {
	if v == nil {
		return io.Discard
	}
	if stderr {
		return v.Stderr()
	}
	return v.Stdout()
}

func firstNonNil(w io.Writer, fallback io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return fallback
}

// resolveEnvironment merges environment layers low to high priority:
// system, hermetic (tool) environment, decoded task inputs, commandIr's
// own declared env, and finally the caller's per-run overrides.
func resolveEnvironment(sysEnv, hermeticEnv, inputEnv []string, taskEnv map[string]string, callerEnv []string) []string {
	envMap := make(map[string]string)
	apply := func(entry string) {
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			return
		}
		if k == "PATH" {
			if existing, has := envMap["PATH"]; has && existing != "" {
				envMap[k] = v + string(os.PathListSeparator) + existing
				return
			}
		}
		envMap[k] = v
	}
	for _, e := range sysEnv {
		apply(e)
	}
	for _, e := range hermeticEnv {
		apply(e)
	}
	for _, e := range inputEnv {
		apply(e)
	}
	for k, v := range taskEnv {
		envMap[k] = v
	}
	for _, e := range callerEnv {
		apply(e)
	}

	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]string, 0, len(keys))
	for _, k := range keys {
		result = append(result, k+"="+envMap[k])
	}
	return result
}

func lookPath(file string, env []string) (string, error) {
	var path string
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			path = strings.TrimPrefix(e, "PATH=")
			break
		}
	}
	if path == "" {
		return "", exec.ErrNotFound
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, file)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", exec.ErrNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Mode()&0o111 != 0
}
