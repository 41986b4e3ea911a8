package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/rollctl/internal/deployer"
	"github.com/example/rollctl/internal/plan"
	"github.com/example/rollctl/internal/secrets"
)

type fakeDeployer struct {
	mu      sync.Mutex
	calls   map[string]int
	failFor map[string]error
	// failFirst fails the first N attempts of a stack before succeeding.
	failFirst map[string]int
	outputs   map[string]map[string]string
	unchanged bool
	// onDeploy runs outside the lock after the call is recorded.
	onDeploy    func(name string)
	inFlight    int
	maxInFlight int
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{
		calls:     map[string]int{},
		failFor:   map[string]error{},
		failFirst: map[string]int{},
		outputs:   map[string]map[string]string{},
	}
}

func (f *fakeDeployer) Deploy(ctx context.Context, stack *plan.Stack) (deployer.Result, error) {
	f.mu.Lock()
	f.calls[stack.Name]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	hook := f.onDeploy
	f.mu.Unlock()
	if hook != nil {
		hook(stack.Name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if err, ok := f.failFor[stack.Name]; ok {
		return deployer.Result{}, err
	}
	if n := f.failFirst[stack.Name]; n > 0 {
		f.failFirst[stack.Name] = n - 1
		return deployer.Result{}, errors.New("throttled: rate exceeded")
	}
	return deployer.Result{
		StackID: "id-" + stack.Name,
		Outputs: f.outputs[stack.Name],
		Changed: !f.unchanged,
	}, nil
}

type fakeSecretStore struct {
	mu     sync.Mutex
	values map[string]string
	puts   int
	putErr error
}

func (f *fakeSecretStore) Get(ctx context.Context, id string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[id]
	return v, ok, nil
}

func (f *fakeSecretStore) Put(ctx context.Context, id, value string) (secrets.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return "", f.putErr
	}
	if f.values == nil {
		f.values = map[string]string{}
	}
	_, existed := f.values[id]
	f.values[id] = value
	if existed {
		return secrets.OutcomeUpdated, nil
	}
	return secrets.OutcomeCreated, nil
}

func (f *fakeSecretStore) Exists(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[id]
	return ok, nil
}

func chainPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p, err := plan.Compile(plan.File{Stacks: []*plan.Stack{
		{Name: "data"},
		{Name: "compute", DependsOn: []string{"data"}},
		{Name: "api", DependsOn: []string{"compute"}},
		{Name: "edge"},
	}}, "staging")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return p
}

func stackStatus(t *testing.T, report *Report, name string) StackOutcome {
	t.Helper()
	for _, s := range report.Stacks {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("stack %s missing from report", name)
	return StackOutcome{}
}

func TestRunVisitsEveryStackOnce(t *testing.T) {
	d := newFakeDeployer()
	report, err := Run(context.Background(), Options{Plan: chainPlan(t), Deployer: d})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != RunSucceeded {
		t.Fatalf("expected succeeded, got %s", report.Status)
	}
	if report.ExitCode() != 0 {
		t.Fatalf("expected exit 0, got %d", report.ExitCode())
	}
	for _, name := range []string{"data", "compute", "api", "edge"} {
		if d.calls[name] != 1 {
			t.Fatalf("stack %s deployed %d times", name, d.calls[name])
		}
		if got := stackStatus(t, report, name).Status; got != plan.StatusDeployed {
			t.Fatalf("stack %s ended %s", name, got)
		}
	}
}

func TestRunFailedStackSkipsTransitiveDependents(t *testing.T) {
	d := newFakeDeployer()
	d.failFor["data"] = &deployer.StructuralError{Err: errors.New("template format error")}

	report, err := Run(context.Background(), Options{Plan: chainPlan(t), Deployer: d})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != RunFailed {
		t.Fatalf("expected failed, got %s", report.Status)
	}
	if report.ExitCode() != 1 {
		t.Fatalf("expected exit 1, got %d", report.ExitCode())
	}
	if got := stackStatus(t, report, "data"); got.Status != plan.StatusFailed || got.ErrorClass != "STRUCTURAL" {
		t.Fatalf("data: %+v", got)
	}
	for _, name := range []string{"compute", "api"} {
		if got := stackStatus(t, report, name).Status; got != plan.StatusSkipped {
			t.Fatalf("stack %s ended %s, want skipped", name, got)
		}
		if d.calls[name] != 0 {
			t.Fatalf("skipped stack %s was deployed", name)
		}
	}
	// Independent branch keeps going.
	if got := stackStatus(t, report, "edge").Status; got != plan.StatusDeployed {
		t.Fatalf("edge ended %s, want deployed", got)
	}
}

func TestRunStructuralErrorIsNotRetried(t *testing.T) {
	d := newFakeDeployer()
	d.failFor["data"] = &deployer.StructuralError{Err: errors.New("access denied")}

	report, err := Run(context.Background(), Options{Plan: chainPlan(t), Deployer: d, MaxAttempts: 5})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.calls["data"] != 1 {
		t.Fatalf("structural failure retried: %d attempts", d.calls["data"])
	}
	if got := stackStatus(t, report, "data").Attempts; got != 1 {
		t.Fatalf("reported attempts = %d", got)
	}
}

func TestRunTransientErrorIsRetried(t *testing.T) {
	d := newFakeDeployer()
	d.failFirst["data"] = 1

	report, err := Run(context.Background(), Options{Plan: chainPlan(t), Deployer: d, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != RunSucceeded {
		t.Fatalf("expected succeeded, got %s", report.Status)
	}
	if d.calls["data"] != 2 {
		t.Fatalf("expected 2 attempts for data, got %d", d.calls["data"])
	}
	if got := stackStatus(t, report, "data").Attempts; got != 2 {
		t.Fatalf("reported attempts = %d", got)
	}
}

func TestRunRetryBudgetIsBounded(t *testing.T) {
	d := newFakeDeployer()
	d.failFor["edge"] = errors.New("throttled: rate exceeded")

	report, err := Run(context.Background(), Options{Plan: chainPlan(t), Deployer: d, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.calls["edge"] != 2 {
		t.Fatalf("expected 2 attempts, got %d", d.calls["edge"])
	}
	if got := stackStatus(t, report, "edge"); got.Status != plan.StatusFailed || got.ErrorClass != "RATE_LIMIT" {
		t.Fatalf("edge: %+v", got)
	}
}

func TestRunRerunIsIdempotent(t *testing.T) {
	d := newFakeDeployer()
	d.unchanged = true

	report, err := Run(context.Background(), Options{Plan: chainPlan(t), Deployer: d})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != RunSucceeded || report.ExitCode() != 0 {
		t.Fatalf("rerun: status=%s exit=%d", report.Status, report.ExitCode())
	}
	for name, n := range d.calls {
		if n != 1 {
			t.Fatalf("stack %s called %d times", name, n)
		}
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newFakeDeployer()
	report, err := Run(ctx, Options{Plan: chainPlan(t), Deployer: d})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != RunCancelled {
		t.Fatalf("expected cancelled, got %s", report.Status)
	}
	if report.ExitCode() != 1 {
		t.Fatalf("expected exit 1, got %d", report.ExitCode())
	}
	if len(d.calls) != 0 {
		t.Fatalf("cancelled run deployed stacks: %v", d.calls)
	}
}

func TestRunMidRunCancellationFinishesCurrentAttempt(t *testing.T) {
	p, err := plan.Compile(plan.File{Stacks: []*plan.Stack{
		{Name: "data"},
		{Name: "compute", DependsOn: []string{"data"}},
		{Name: "api", DependsOn: []string{"compute"}},
	}}, "staging")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	d := newFakeDeployer()
	d.onDeploy = func(name string) {
		if name == "data" {
			close(started)
			time.Sleep(100 * time.Millisecond)
		}
	}
	go func() {
		<-started
		cancel()
	}()

	report, err := Run(ctx, Options{Plan: p, Deployer: d})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != RunCancelled {
		t.Fatalf("expected cancelled, got %s", report.Status)
	}
	// The in-flight attempt runs to completion.
	if got := stackStatus(t, report, "data"); got.Status != plan.StatusDeployed || got.Attempts != 1 {
		t.Fatalf("data: %+v", got)
	}
	for _, name := range []string{"compute", "api"} {
		if got := stackStatus(t, report, name).Status; got != plan.StatusSkipped {
			t.Fatalf("stack %s ended %s, want skipped", name, got)
		}
		if d.calls[name] != 0 {
			t.Fatalf("stack %s started after cancellation", name)
		}
	}
	if report.ExitCode() != 1 {
		t.Fatalf("expected exit 1, got %d", report.ExitCode())
	}
}

func TestRunCancelDuringBackoffStopsRetrying(t *testing.T) {
	p, err := plan.Compile(plan.File{Stacks: []*plan.Stack{{Name: "data"}}}, "staging")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	var once sync.Once
	d := newFakeDeployer()
	d.failFor["data"] = errors.New("throttled: rate exceeded")
	d.onDeploy = func(name string) {
		once.Do(func() { close(started) })
	}
	go func() {
		<-started
		cancel()
	}()

	report, err := Run(ctx, Options{Plan: p, Deployer: d, MaxAttempts: 5})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != RunCancelled {
		t.Fatalf("expected cancelled, got %s", report.Status)
	}
	// The backoff sleep aborts; no further attempt out of the budget of 5.
	if d.calls["data"] != 1 {
		t.Fatalf("expected a single attempt, got %d", d.calls["data"])
	}
	if got := stackStatus(t, report, "data"); got.Status != plan.StatusFailed || got.ErrorClass != "RATE_LIMIT" {
		t.Fatalf("data keeps its last attempt's failure: %+v", got)
	}
}

func TestRunWaveConcurrencyIsBounded(t *testing.T) {
	stacks := make([]*plan.Stack, 6)
	for i := range stacks {
		stacks[i] = &plan.Stack{Name: fmt.Sprintf("svc-%d", i)}
	}
	p, err := plan.Compile(plan.File{Stacks: stacks}, "staging")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	d := newFakeDeployer()
	d.onDeploy = func(string) { time.Sleep(30 * time.Millisecond) }

	report, err := Run(context.Background(), Options{Plan: p, Deployer: d, Concurrency: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != RunSucceeded {
		t.Fatalf("expected succeeded, got %s", report.Status)
	}
	if d.maxInFlight > 2 {
		t.Fatalf("concurrency cap exceeded: %d deploys in flight", d.maxInFlight)
	}
	if d.maxInFlight != 2 {
		t.Fatalf("expected the full budget to be used, peak was %d", d.maxInFlight)
	}
	for name, n := range d.calls {
		if n != 1 {
			t.Fatalf("stack %s called %d times", name, n)
		}
	}
}

func TestRunProvisionsSecretsForDeployedSources(t *testing.T) {
	p, err := plan.Compile(plan.File{
		Stacks: []*plan.Stack{
			{Name: "data"},
			{Name: "compute", DependsOn: []string{"data"}},
		},
		Secrets: []secrets.Binding{
			{SourceStack: "data", SourceKey: "TableName", SecretID: "app/table"},
			{SourceStack: "compute", SourceKey: "QueueURL", SecretID: "app/queue"},
		},
	}, "staging")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	d := newFakeDeployer()
	d.outputs["data"] = map[string]string{"TableName": "media-table"}
	d.failFor["compute"] = &deployer.StructuralError{Err: errors.New("boom")}
	store := &fakeSecretStore{}

	report, err := Run(context.Background(), Options{Plan: p, Deployer: d, SecretStore: store})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Bindings) != 2 {
		t.Fatalf("expected 2 binding outcomes, got %d", len(report.Bindings))
	}
	var byID = map[string]BindingOutcome{}
	for _, b := range report.Bindings {
		byID[b.SecretID] = b
	}
	if got := byID["app/table"]; got.Outcome != secrets.OutcomeCreated {
		t.Fatalf("app/table: %+v", got)
	}
	if got := byID["app/queue"]; !got.Skipped {
		t.Fatalf("binding for failed source not skipped: %+v", got)
	}
	if store.values["app/table"] != "media-table" {
		t.Fatalf("secret value = %q", store.values["app/table"])
	}
}

func TestRunBindingFailureDoesNotAffectExitCode(t *testing.T) {
	p, err := plan.Compile(plan.File{
		Stacks: []*plan.Stack{{Name: "data"}},
		Secrets: []secrets.Binding{
			{SourceStack: "data", SourceKey: "Missing", SecretID: "app/missing"},
		},
	}, "staging")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	d := newFakeDeployer()
	d.outputs["data"] = map[string]string{"TableName": "media-table"}

	report, err := Run(context.Background(), Options{Plan: p, Deployer: d, SecretStore: &fakeSecretStore{}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := report.Bindings[0]; got.ErrorClass != "SOURCE_VALUE_MISSING" {
		t.Fatalf("binding: %+v", got)
	}
	if report.ExitCode() != 0 {
		t.Fatalf("binding failure changed exit code: %d", report.ExitCode())
	}
	hints := report.Hints()
	if len(hints) == 0 {
		t.Fatalf("expected a remediation hint for the missing output")
	}
}

func TestRunSecretRetryHonorsAttemptBudget(t *testing.T) {
	p, err := plan.Compile(plan.File{
		Stacks: []*plan.Stack{{Name: "data"}},
		Secrets: []secrets.Binding{
			{SourceStack: "data", SourceKey: "TableName", SecretID: "app/table"},
		},
	}, "staging")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	d := newFakeDeployer()
	d.outputs["data"] = map[string]string{"TableName": "media-table"}
	store := &fakeSecretStore{putErr: errors.New("throttled: rate exceeded")}

	begin := time.Now()
	report, err := Run(context.Background(), Options{Plan: p, Deployer: d, SecretStore: store, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if store.puts != 2 {
		t.Fatalf("expected 2 write attempts, got %d", store.puts)
	}
	if got := report.Bindings[0]; got.ErrorClass != "RATE_LIMIT" {
		t.Fatalf("binding: %+v", got)
	}
	// Only the gap between the two attempts is slept, never after the last.
	if elapsed := time.Since(begin); elapsed > 5*time.Second {
		t.Fatalf("final failed attempt waited a backoff: %s", elapsed)
	}
}

func TestRunRecordsEventsInOrder(t *testing.T) {
	d := newFakeDeployer()
	var mu sync.Mutex
	var types []EventType
	obs := observerFunc(func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})

	_, err := Run(context.Background(), Options{Plan: chainPlan(t), Deployer: d, Observers: []Observer{obs}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if types[0] != RunStarted {
		t.Fatalf("first event %s", types[0])
	}
	if types[len(types)-1] != RunCompleted {
		t.Fatalf("last event %s", types[len(types)-1])
	}
	deployed := 0
	for _, ty := range types {
		if ty == StackDeployed {
			deployed++
		}
	}
	if deployed != 4 {
		t.Fatalf("expected 4 deployed events, got %d (%v)", deployed, types)
	}
}

type observerFunc func(Event)

func (f observerFunc) ObserveEvent(ev Event) { f(ev) }

func TestRunPersistsHistory(t *testing.T) {
	store, err := OpenStateStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	defer store.Close()

	d := newFakeDeployer()
	report, err := Run(context.Background(), Options{Plan: chainPlan(t), Deployer: d, State: store})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	runs, err := store.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].RunID != report.RunID || runs[0].Status != RunSucceeded {
		t.Fatalf("run index: %+v", runs[0])
	}
	if runs[0].Deployed != 4 {
		t.Fatalf("deployed count = %d", runs[0].Deployed)
	}

	stored, err := store.GetReport(context.Background(), report.RunID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if stored.Environment != "staging" || len(stored.Stacks) != 4 {
		t.Fatalf("stored report: %+v", stored)
	}

	second, err := Run(context.Background(), Options{Plan: chainPlan(t), Deployer: d, State: store})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	latest, err := store.MostRecentRunID(context.Background())
	if err != nil {
		t.Fatalf("most recent run: %v", err)
	}
	if latest != second.RunID {
		t.Fatalf("most recent run = %s, want %s", latest, second.RunID)
	}
}

func TestRunReportListsEveryStackOnPartialFailure(t *testing.T) {
	d := newFakeDeployer()
	d.failFor["compute"] = &deployer.StructuralError{Err: errors.New("boom")}

	report, err := Run(context.Background(), Options{Plan: chainPlan(t), Deployer: d})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Stacks) != 4 {
		t.Fatalf("report lists %d stacks, want 4", len(report.Stacks))
	}
	for _, s := range report.Stacks {
		if !s.Status.Terminal() {
			t.Fatalf("stack %s has non-terminal status %s", s.Name, s.Status)
		}
		if s.RemoteName != fmt.Sprintf("%s-staging", s.Name) {
			t.Fatalf("stack %s remote name %s", s.Name, s.RemoteName)
		}
	}
}
