package taskrunner

import (
	"context"
	"sync"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
)

// MockCall records one Execute invocation against a MockTaskRunner.
type MockCall struct {
	TaskHash    domain.Hash
	InputHashes []domain.Hash
	Options     ports.TaskRunOptions
}

// MockTaskRunner satisfies ports.TaskRunner with results keyed by taskHash,
// recording every call it receives for assertion in scheduler tests.
type MockTaskRunner struct {
	mu      sync.Mutex
	calls   []MockCall
	results map[domain.Hash]ports.TaskResult
	errs    map[domain.Hash]error
	delay   map[domain.Hash]<-chan struct{}
}

// NewMock creates an empty MockTaskRunner.
func NewMock() *MockTaskRunner {
	return &MockTaskRunner{
		results: make(map[domain.Hash]ports.TaskResult),
		errs:    make(map[domain.Hash]error),
		delay:   make(map[domain.Hash]<-chan struct{}),
	}
}

// SetResult configures the TaskResult Execute returns for taskHash.
func (m *MockTaskRunner) SetResult(taskHash domain.Hash, result ports.TaskResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[taskHash] = result
}

// SetError configures Execute to return err for taskHash instead of a result.
func (m *MockTaskRunner) SetError(taskHash domain.Hash, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[taskHash] = err
}

// BlockUntil makes Execute for taskHash wait on gate before returning,
// letting tests control dispatch ordering under the scheduler's
// concurrency limit.
func (m *MockTaskRunner) BlockUntil(taskHash domain.Hash, gate <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay[taskHash] = gate
}

// Calls returns a snapshot of every call received so far, in order.
func (m *MockTaskRunner) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Execute records the call and returns whatever SetResult/SetError
// configured for taskHash, defaulting to a success with a deterministic
// output hash derived from taskHash when nothing was configured.
func (m *MockTaskRunner) Execute(ctx context.Context, taskHash domain.Hash, inputHashes []domain.Hash, opts ports.TaskRunOptions) (ports.TaskResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{TaskHash: taskHash, InputHashes: inputHashes, Options: opts})
	gate := m.delay[taskHash]
	err, hasErr := m.errs[taskHash]
	result, hasResult := m.results[taskHash]
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ports.TaskResult{Kind: ports.TaskResultError, Message: "cancelled"}, nil
		}
	}
	if hasErr {
		return ports.TaskResult{}, err
	}
	if hasResult {
		return result, nil
	}
	return ports.TaskResult{Kind: ports.TaskResultSuccess, OutputHash: taskHash}, nil
}

var _ ports.TaskRunner = (*MockTaskRunner)(nil)
