package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyang/agent-forge/internal/domain/event"
	domainrun "github.com/alanyang/agent-forge/internal/domain/run"
	portevaluator "github.com/alanyang/agent-forge/internal/port/evaluator"
	porteventbus "github.com/alanyang/agent-forge/internal/port/eventbus"
	portexec "github.com/alanyang/agent-forge/internal/port/exec"
	portstate "github.com/alanyang/agent-forge/internal/port/state"
)

// FakeStore is an in-memory state store with the same conflict semantics as
// the Postgres adapter: version CAS, set-once diff, one-shot crown-ready latch.
type FakeStore struct {
	mu    sync.Mutex
	Tasks map[uuid.UUID]domainrun.Task
	Runs  map[uuid.UUID]domainrun.TaskRun

	// MarkRunCompleteHook, when set, runs before the CAS and may return an
	// error to inject (return false to fall through to normal behavior).
	MarkRunCompleteHook func(id uuid.UUID) (error, bool)
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		Tasks: make(map[uuid.UUID]domainrun.Task),
		Runs:  make(map[uuid.UUID]domainrun.TaskRun),
	}
}

func (s *FakeStore) CreateTask(ctx context.Context, t domainrun.Task) (domainrun.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tasks[t.ID] = t
	return t, nil
}

func (s *FakeStore) CreateRun(ctx context.Context, r domainrun.TaskRun) (domainrun.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Runs[r.ID] = r
	return r, nil
}

func (s *FakeStore) GetTask(ctx context.Context, id uuid.UUID) (domainrun.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[id]
	if !ok {
		return domainrun.Task{}, portstate.ErrNotFound
	}
	return t, nil
}

func (s *FakeStore) GetRun(ctx context.Context, id uuid.UUID) (domainrun.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Runs[id]
	if !ok {
		return domainrun.TaskRun{}, portstate.ErrNotFound
	}
	return r, nil
}

func (s *FakeStore) ListRunsForTask(ctx context.Context, taskID uuid.UUID) ([]domainrun.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domainrun.TaskRun
	for _, r := range s.Runs {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *FakeStore) MarkRunStarted(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Runs[id]
	if !ok {
		return portstate.ErrNotFound
	}
	if r.Status != domainrun.StatusStarting {
		return portstate.ErrConflict
	}
	r.Status = domainrun.StatusRunning
	r.Version++
	s.Runs[id] = r
	return nil
}

func (s *FakeStore) MarkRunComplete(ctx context.Context, id uuid.UUID, status domainrun.Status, exitCode int, expectVersion int) error {
	if s.MarkRunCompleteHook != nil {
		if err, handled := s.MarkRunCompleteHook(id); handled {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Runs[id]
	if !ok {
		return portstate.ErrNotFound
	}
	if r.Version != expectVersion || r.Status.Terminal() {
		return portstate.ErrConflict
	}
	now := time.Now().UTC()
	r.Status = status
	r.ExitCode = &exitCode
	r.CompletedAt = &now
	r.Version++
	s.Runs[id] = r
	return nil
}

func (s *FakeStore) SetRunDiff(ctx context.Context, id uuid.UUID, diff string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Runs[id]
	if !ok {
		return portstate.ErrNotFound
	}
	if r.Diff != nil {
		return portstate.ErrConflict
	}
	r.Diff = &diff
	s.Runs[id] = r
	return nil
}

func (s *FakeStore) SetRunCrownStatus(ctx context.Context, id uuid.UUID, cs domainrun.CrownStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Runs[id]
	if !ok {
		return portstate.ErrNotFound
	}
	r.CrownStatus = cs
	s.Runs[id] = r
	return nil
}

func (s *FakeStore) SetTaskCrownState(ctx context.Context, taskID uuid.UUID, cs domainrun.CrownState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[taskID]
	if !ok {
		return portstate.ErrNotFound
	}
	t.CrownState = cs
	s.Tasks[taskID] = t
	return nil
}

func (s *FakeStore) SetCrownWinner(ctx context.Context, taskID, runID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[taskID]
	if !ok {
		return portstate.ErrNotFound
	}
	r, ok := s.Runs[runID]
	if !ok {
		return portstate.ErrNotFound
	}
	t.CrownState = domainrun.CrownStateCrowned
	t.WinnerRunID = &runID
	t.WinnerReason = reason
	s.Tasks[taskID] = t
	r.CrownStatus = domainrun.CrownCrowned
	s.Runs[runID] = r
	return nil
}

func (s *FakeStore) TryMarkCrownReady(ctx context.Context, taskID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[taskID]
	if !ok {
		return false, portstate.ErrNotFound
	}
	if t.CrownReady {
		return false, nil
	}
	for _, r := range s.Runs {
		if r.TaskID == taskID && !r.Status.Terminal() {
			return false, nil
		}
	}
	t.CrownReady = true
	s.Tasks[taskID] = t
	return true, nil
}

func (s *FakeStore) UpdateScheduledStop(ctx context.Context, runID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Runs[runID]
	if !ok {
		return portstate.ErrNotFound
	}
	r.ScheduledStopAt = &at
	s.Runs[runID] = r
	return nil
}

func (s *FakeStore) ListRunsDueForStop(ctx context.Context, now time.Time) ([]domainrun.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domainrun.TaskRun
	for _, r := range s.Runs {
		if r.ScheduledStopAt != nil && !r.ScheduledStopAt.After(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *FakeStore) ClearScheduledStop(ctx context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Runs[runID]
	if !ok {
		return portstate.ErrNotFound
	}
	r.ScheduledStopAt = nil
	s.Runs[runID] = r
	return nil
}

// FakeBus records published events and dispatches them synchronously to any
// subscribed handlers.
type FakeBus struct {
	mu       sync.Mutex
	Events   []event.Event
	handlers map[event.Channel][]porteventbus.Handler
}

func (b *FakeBus) Publish(ctx context.Context, e event.Event) error {
	b.mu.Lock()
	b.Events = append(b.Events, e)
	handlers := append([]porteventbus.Handler(nil), b.handlers[event.ChannelFor(e.Type)]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(ctx, e)
	}
	return nil
}

func (b *FakeBus) Subscribe(ctx context.Context, ch event.Channel, handler porteventbus.Handler) (porteventbus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[event.Channel][]porteventbus.Handler)
	}
	b.handlers[ch] = append(b.handlers[ch], handler)
	return noopSubscription{}, nil
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

// Published returns the recorded event types in publish order.
func (b *FakeBus) Published() []event.Type {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Type, len(b.Events))
	for i, e := range b.Events {
		out[i] = e.Type
	}
	return out
}

// Has reports whether an event of the given type was published for the entity.
func (b *FakeBus) Has(t event.Type, entityID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.Events {
		if e.Type == t && e.EntityID == entityID {
			return true
		}
	}
	return false
}

// FakeExecChannel replays scripted results keyed by the command's first two
// argv words ("git diff", "git push", ...). Unscripted commands succeed with
// exit code 0 and empty output.
type FakeExecChannel struct {
	mu      sync.Mutex
	Results map[string]portexec.Result
	Errs    map[string]error
	Calls   [][]string
}

func NewFakeExecChannel() *FakeExecChannel {
	return &FakeExecChannel{
		Results: make(map[string]portexec.Result),
		Errs:    make(map[string]error),
	}
}

func key(argv []string) string {
	if len(argv) >= 2 {
		return argv[0] + " " + argv[1]
	}
	if len(argv) == 1 {
		return argv[0]
	}
	return ""
}

func (c *FakeExecChannel) Exec(ctx context.Context, cmd portexec.Command, onOutput portexec.OutputFunc) (portexec.Result, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, cmd.Argv)
	res, hasRes := c.Results[key(cmd.Argv)]
	err := c.Errs[key(cmd.Argv)]
	c.mu.Unlock()

	if err != nil {
		return portexec.Result{}, err
	}
	if !hasRes {
		return portexec.Result{ExitCode: 0}, nil
	}
	if onOutput != nil && res.Stdout != "" {
		onOutput(portexec.StreamStdout, res.Stdout)
	}
	return res, nil
}

func (c *FakeExecChannel) Close() error { return nil }

// CallKeys returns "git diff"-style keys for every Exec call, in order.
func (c *FakeExecChannel) CallKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Calls))
	for i, argv := range c.Calls {
		out[i] = key(argv)
	}
	return out
}

// FakeExecProvider serves one channel for every sandbox, or an error.
type FakeExecProvider struct {
	Channel *FakeExecChannel
	Err     error
}

func (p *FakeExecProvider) For(ctx context.Context, sandboxID string) (portexec.Channel, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Channel, nil
}

// FakeEvaluator returns a fixed winner or error and records what it saw.
type FakeEvaluator struct {
	Winner uuid.UUID
	Err    error

	mu         sync.Mutex
	Calls      int
	Candidates []portevaluator.Candidate
}

func (e *FakeEvaluator) PickWinner(ctx context.Context, taskDescription string, candidates []portevaluator.Candidate) (uuid.UUID, error) {
	e.mu.Lock()
	e.Calls++
	e.Candidates = candidates
	e.mu.Unlock()
	if e.Err != nil {
		return uuid.Nil, e.Err
	}
	return e.Winner, nil
}

// FakeProvisioner records stop calls.
type FakeProvisioner struct {
	mu      sync.Mutex
	Stopped []string
	StopErr error
}

func (p *FakeProvisioner) Stop(ctx context.Context, instanceID string) error {
	if p.StopErr != nil {
		return p.StopErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Stopped = append(p.Stopped, instanceID)
	return nil
}

func (p *FakeProvisioner) IsConnected(ctx context.Context, instanceID string) (bool, error) {
	return true, nil
}

// StoppedIDs returns a copy of the stopped instance ids.
func (p *FakeProvisioner) StoppedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Stopped...)
}

// FakePullRequester records PR creations.
type FakePullRequester struct {
	mu      sync.Mutex
	Created []uuid.UUID
	URL     string
	Err     error
}

func (f *FakePullRequester) CreatePullRequestForWinner(ctx context.Context, runID, taskID uuid.UUID, token string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created = append(f.Created, runID)
	if f.URL == "" {
		return fmt.Sprintf("https://example.com/pr/%s", runID), nil
	}
	return f.URL, nil
}

// FakeTokenSource returns a fixed token.
type FakeTokenSource struct {
	Value string
	Err   error
}

func (f *FakeTokenSource) Token(ctx context.Context) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	return f.Value, nil
}
