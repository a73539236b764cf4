package job_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"jobplane/internal/admission"
	"jobplane/internal/apperrors"
	"jobplane/internal/catalog"
	"jobplane/internal/criteria"
	"jobplane/internal/dispatcher"
	"jobplane/internal/job"
	"jobplane/internal/resolve"
	"jobplane/internal/store"
)

// captureDispatcher records dispatched events instead of delivering them.
type captureDispatcher struct {
	mu     sync.Mutex
	events []*dispatcher.Event
}

func (d *captureDispatcher) Dispatch(e *dispatcher.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return nil
}

func (d *captureDispatcher) Stats() dispatcher.Stats         { return dispatcher.Stats{} }
func (d *captureDispatcher) Close(ctx context.Context) error { return nil }

func (d *captureDispatcher) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, e := range d.events {
		out = append(out, e.Payload.Type)
	}
	return out
}

// seedTestCatalog builds an in-memory catalog holding one UP cluster tagged
// {prod,pig} whose first command is tagged {pig}.
func seedTestCatalog(t *testing.T) *catalog.Memory {
	t.Helper()
	ctx := context.Background()
	cat := catalog.NewMemory()

	app := &catalog.Application{
		Common: catalog.Common{ID: "app-pig", Name: "pig", User: "platform", Version: "0.15"},
		Status: catalog.ConfigActive,
	}
	if err := cat.SaveApplication(ctx, app); err != nil {
		t.Fatalf("SaveApplication: %v", err)
	}
	cmds := []*catalog.Command{
		{
			Common:     catalog.Common{ID: "cmd-pig", Name: "pigcli", User: "platform", Version: "1.0", Tags: criteria.NewTagSet("pig")},
			Status:     catalog.ConfigActive,
			Executable: []string{"pig"},
			CheckDelay: 10000,
		},
		{
			Common:     catalog.Common{ID: "cmd-hive", Name: "hivecli", User: "platform", Version: "1.0", Tags: criteria.NewTagSet("hive")},
			Status:     catalog.ConfigActive,
			Executable: []string{"hive"},
			CheckDelay: 10000,
		},
	}
	for _, c := range cmds {
		if err := cat.SaveCommand(ctx, c); err != nil {
			t.Fatalf("SaveCommand: %v", err)
		}
	}
	cl := &catalog.Cluster{
		Common: catalog.Common{ID: "cl-prod", Name: "pig-prod", User: "platform", Version: "1.0", Tags: criteria.NewTagSet("prod", "pig")},
		Status: catalog.ClusterUp,
	}
	if err := cat.SaveCluster(ctx, cl); err != nil {
		t.Fatalf("SaveCluster: %v", err)
	}
	if err := cat.SetCommandApplications(ctx, "cmd-pig", []string{"app-pig"}); err != nil {
		t.Fatalf("SetCommandApplications: %v", err)
	}
	if err := cat.SetClusterCommands(ctx, "cl-prod", []string{"cmd-pig", "cmd-hive"}); err != nil {
		t.Fatalf("SetClusterCommands: %v", err)
	}
	return cat
}

// newTestService wires a service over fresh in-memory stores and the seeded
// catalog.
func newTestService(t *testing.T, limits admission.Limits) (*job.Service, *captureDispatcher) {
	t.Helper()
	return newTestServiceOver(t, store.NewMemory(), limits)
}

// newTestServiceOver wires a service over the given repository, so tests can
// share one store across service instances or wrap it.
func newTestServiceOver(t *testing.T, repo job.Repository, limits admission.Limits) (*job.Service, *captureDispatcher) {
	t.Helper()
	cat := seedTestCatalog(t)
	disp := &captureDispatcher{}
	svc := job.NewService(
		repo, cat, resolve.New(cat),
		admission.NewController(limits), disp, nil,
		"https://jobplane.example.net",
	)
	return svc, disp
}

func pigRequest(id, user string) *job.Request {
	return &job.Request{
		ID:   id,
		Name: "nightly-aggregation",
		User: user,
		ClusterCriterias: []criteria.Criteria{
			criteria.New("prod", "pig"),
		},
		CommandCriteria: criteria.NewTagSet("pig"),
		Callback: &job.Callback{
			URL: "https://callbacks.example.net/jobs",
		},
	}
}

// Full lifecycle: submit, claim, accept, run, succeed. Quota returns to its
// pre-submission value and the callback sees each lifecycle event once.
func TestLifecycleEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, disp := newTestService(t, admission.Limits{MaxActiveJobs: 5})

	j, err := svc.Submit(ctx, pigRequest("j1", "u1"), &job.Metadata{ClientHost: "10.0.0.7"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j.Status != job.StatusResolved {
		t.Fatalf("status after submit = %s, want %s", j.Status, job.StatusResolved)
	}
	if j.ClusterID != "cl-prod" || j.CommandID != "cmd-pig" {
		t.Errorf("placement = %s/%s", j.ClusterID, j.CommandID)
	}
	if j.ChosenClusterCriteriaString != "pig,prod" {
		t.Errorf("criteria audit string = %q", j.ChosenClusterCriteriaString)
	}
	if j.CPUs != job.DefaultCPUs || j.MemoryMB != job.DefaultMemoryMB {
		t.Errorf("defaults not applied: cpus=%d memoryMB=%d", j.CPUs, j.MemoryMB)
	}
	if got := svc.UserResources("u1"); got.ActiveJobCount != 1 || got.UsedMemoryMB != job.DefaultMemoryMB {
		t.Errorf("usage after submit = %+v", got)
	}

	exec, err := svc.Claim(ctx, "j1", "node-7")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if exec.HostName != "node-7" {
		t.Errorf("execution host = %q, want node-7", exec.HostName)
	}
	if exec.CheckDelay != 10000 {
		t.Errorf("execution check delay = %d, want the command's", exec.CheckDelay)
	}

	if err := svc.ReportProgress(ctx, "j1", job.ProgressReport{Status: job.StatusAccepted}); err != nil {
		t.Fatalf("report ACCEPTED: %v", err)
	}
	if err := svc.ReportProgress(ctx, "j1", job.ProgressReport{Status: job.StatusRunning}); err != nil {
		t.Fatalf("report RUNNING: %v", err)
	}
	exit := 0
	if err := svc.ReportProgress(ctx, "j1", job.ProgressReport{Status: job.StatusSucceeded, ExitCode: &exit}); err != nil {
		t.Fatalf("report SUCCEEDED: %v", err)
	}

	got, err := svc.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusSucceeded {
		t.Errorf("final status = %s", got.Status)
	}
	if got.Started == nil || got.Finished == nil {
		t.Errorf("timestamps missing: started=%v finished=%v", got.Started, got.Finished)
	}
	exec, err = svc.GetExecution(ctx, "j1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.ExitCode == nil || *exec.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", exec.ExitCode)
	}
	if usage := svc.UserResources("u1"); usage.ActiveJobCount != 0 || usage.UsedMemoryMB != 0 {
		t.Errorf("usage after completion = %+v, want released", usage)
	}

	want := []string{
		job.EventTypeResolved,
		job.EventTypeClaimed,
		job.EventTypeStarted,
		job.EventTypeFinished,
	}
	got2 := disp.types()
	if len(got2) != len(want) {
		t.Fatalf("events = %v, want %v", got2, want)
	}
	for i := range want {
		if got2[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got2[i], want[i])
		}
	}
}

func TestSubmitQuotaRejection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t, admission.Limits{MaxActiveJobs: 1})

	if _, err := svc.Submit(ctx, pigRequest("j1", "u1"), nil); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := svc.Submit(ctx, pigRequest("j2", "u1"), nil)
	if !errors.Is(err, apperrors.ErrQuota) {
		t.Fatalf("second Submit error = %v, want quota", err)
	}

	// A rejected submission must never leave a record behind.
	if _, err := svc.Get(ctx, "j2"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("rejected job lookup error = %v, want not found", err)
	}

	// Another user is unaffected.
	if _, err := svc.Submit(ctx, pigRequest("j3", "u2"), nil); err != nil {
		t.Errorf("other user's Submit: %v", err)
	}
}

func TestSubmitResolutionFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, disp := newTestService(t, admission.Limits{})

	req := pigRequest("j1", "u1")
	req.ClusterCriterias = []criteria.Criteria{criteria.New("no-such-tag")}
	j, err := svc.Submit(ctx, req, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j.Status != job.StatusFailed {
		t.Fatalf("status = %s, want %s", j.Status, job.StatusFailed)
	}
	if j.StatusMessage == "" {
		t.Error("failed job carries no status message")
	}
	if usage := svc.UserResources("u1"); usage.ActiveJobCount != 0 {
		t.Errorf("usage after resolution failure = %+v, want released", usage)
	}

	types := disp.types()
	if len(types) != 1 || types[0] != job.EventTypeFinished {
		t.Errorf("events = %v, want a single finished event", types)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t, admission.Limits{})

	tests := []struct {
		name   string
		mutate func(*job.Request)
	}{
		{"missing user", func(r *job.Request) { r.User = "" }},
		{"missing name", func(r *job.Request) { r.Name = "" }},
		{"no criteria", func(r *job.Request) { r.ClusterCriterias = nil }},
		{"empty criteria entry", func(r *job.Request) { r.ClusterCriterias = []criteria.Criteria{criteria.New()} }},
		{"cpu over limit", func(r *job.Request) { r.CPUs = 1024 }},
		{"bad callback scheme", func(r *job.Request) { r.Callback.URL = "ftp://example.net" }},
		{"bad id", func(r *job.Request) { r.ID = "-leading-hyphen" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := pigRequest("jv", "u1")
			tt.mutate(req)
			_, err := svc.Submit(ctx, req, nil)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("Submit error = %v, want validation", err)
			}
		})
	}
}

func TestSubmitAssignsID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t, admission.Limits{})

	req := pigRequest("", "u1")
	j, err := svc.Submit(ctx, req, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j.ID == "" {
		t.Fatal("server did not assign an id")
	}
}

// Two racing claims: exactly one execution is created, the loser sees a
// conflict.
func TestClaimRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t, admission.Limits{})

	if _, err := svc.Submit(ctx, pigRequest("j1", "u1"), nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	const claimers = 8
	var (
		wg        sync.WaitGroup
		wins      int
		conflicts int
		mu        sync.Mutex
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			_, err := svc.Claim(ctx, "j1", host)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, apperrors.ErrConflict):
				conflicts++
			default:
				t.Errorf("claim %s: unexpected error %v", host, err)
			}
		}("node-" + string(rune('a'+i)))
	}
	wg.Wait()

	if wins != 1 || conflicts != claimers-1 {
		t.Fatalf("wins = %d, conflicts = %d, want 1 and %d", wins, conflicts, claimers-1)
	}
}

// A claim against ACCEPTED is a legal re-claim; only the host moves.
func TestReclaimFromAccepted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t, admission.Limits{})

	if _, err := svc.Submit(ctx, pigRequest("j1", "u1"), nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Claim(ctx, "j1", "node-1"); err != nil {
		t.Fatalf("first Claim: %v", err)
	}
	if err := svc.ReportProgress(ctx, "j1", job.ProgressReport{Status: job.StatusAccepted}); err != nil {
		t.Fatalf("report ACCEPTED: %v", err)
	}

	exec, err := svc.Claim(ctx, "j1", "node-2")
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if exec.HostName != "node-2" {
		t.Errorf("host after re-claim = %q, want node-2", exec.HostName)
	}
	status, err := svc.GetStatus(ctx, "j1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != job.StatusClaimed {
		t.Errorf("status after re-claim = %s, want %s", status, job.StatusClaimed)
	}
}

func TestReportProgressIllegalTransition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t, admission.Limits{})

	if _, err := svc.Submit(ctx, pigRequest("j1", "u1"), nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// RESOLVED cannot jump straight to RUNNING.
	err := svc.ReportProgress(ctx, "j1", job.ProgressReport{Status: job.StatusRunning})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("error = %v, want conflict", err)
	}
	status, _ := svc.GetStatus(ctx, "j1")
	if status != job.StatusResolved {
		t.Errorf("status = %s, rejected transition must not mutate", status)
	}

	// RESERVED is not a reportable status at all.
	err = svc.ReportProgress(ctx, "j1", job.ProgressReport{Status: job.StatusReserved})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestKillIdempotentOnTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t, admission.Limits{})

	if _, err := svc.Submit(ctx, pigRequest("j1", "u1"), nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Claim(ctx, "j1", "node-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	for _, st := range []job.Status{job.StatusAccepted, job.StatusRunning, job.StatusSucceeded} {
		if err := svc.ReportProgress(ctx, "j1", job.ProgressReport{Status: st}); err != nil {
			t.Fatalf("report %s: %v", st, err)
		}
	}

	j, err := svc.Kill(ctx, "j1", "too late")
	if err != nil {
		t.Fatalf("Kill on terminal: %v", err)
	}
	if j.Status != job.StatusSucceeded {
		t.Errorf("status after kill = %s, must stay %s", j.Status, job.StatusSucceeded)
	}
}

// Kill while running; the executor's late SUCCEEDED report is ignored.
func TestKillRunningThenLateReport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t, admission.Limits{})

	if _, err := svc.Submit(ctx, pigRequest("j1", "u1"), nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Claim(ctx, "j1", "node-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	for _, st := range []job.Status{job.StatusAccepted, job.StatusRunning} {
		if err := svc.ReportProgress(ctx, "j1", job.ProgressReport{Status: st}); err != nil {
			t.Fatalf("report %s: %v", st, err)
		}
	}

	j, err := svc.Kill(ctx, "j1", "user requested")
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if j.Status != job.StatusKilled {
		t.Fatalf("status = %s, want %s", j.Status, job.StatusKilled)
	}
	if usage := svc.UserResources("u1"); usage.ActiveJobCount != 0 {
		t.Errorf("usage after kill = %+v, want released", usage)
	}

	// The kill won; the late terminal report is a no-op.
	if err := svc.ReportProgress(ctx, "j1", job.ProgressReport{Status: job.StatusSucceeded}); err != nil {
		t.Errorf("late report error = %v, want nil no-op", err)
	}
	status, _ := svc.GetStatus(ctx, "j1")
	if status != job.StatusKilled {
		t.Errorf("status = %s, late report must not overwrite the kill", status)
	}
}

// A restart must not leak quota: a fresh service over the same store starts
// with an empty ledger until RecoverActive rebuilds it from the persisted
// active jobs.
func TestRecoverActiveRebuildsQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := store.NewMemory()

	svc1, _ := newTestServiceOver(t, repo, admission.Limits{MaxActiveJobs: 1})
	if _, err := svc1.Submit(ctx, pigRequest("j1", "u1"), nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc1.Submit(ctx, pigRequest("j2", "u1"), nil); !errors.Is(err, apperrors.ErrQuota) {
		t.Fatalf("second Submit error = %v, want quota", err)
	}

	// New service instance over the same store; the ledger is empty until
	// recovery runs.
	svc2, _ := newTestServiceOver(t, repo, admission.Limits{MaxActiveJobs: 1})
	if usage := svc2.UserResources("u1"); usage.ActiveJobCount != 0 {
		t.Fatalf("usage before recovery = %+v, want empty", usage)
	}
	n, err := svc2.RecoverActive(ctx)
	if err != nil {
		t.Fatalf("RecoverActive: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	if usage := svc2.UserResources("u1"); usage.ActiveJobCount != 1 || usage.UsedMemoryMB != job.DefaultMemoryMB {
		t.Fatalf("usage after recovery = %+v", usage)
	}

	// The recovered job still counts against the quota.
	if _, err := svc2.Submit(ctx, pigRequest("j3", "u1"), nil); !errors.Is(err, apperrors.ErrQuota) {
		t.Fatalf("Submit after recovery error = %v, want quota", err)
	}

	// Finishing the recovered job through the new instance releases its
	// quota as usual.
	if _, err := svc2.Claim(ctx, "j1", "node-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	for _, st := range []job.Status{job.StatusAccepted, job.StatusRunning, job.StatusSucceeded} {
		if err := svc2.ReportProgress(ctx, "j1", job.ProgressReport{Status: st}); err != nil {
			t.Fatalf("report %s: %v", st, err)
		}
	}
	if usage := svc2.UserResources("u1"); usage.ActiveJobCount != 0 || usage.UsedMemoryMB != 0 {
		t.Errorf("usage after completion = %+v, want released", usage)
	}
	if _, err := svc2.Submit(ctx, pigRequest("j3", "u1"), nil); err != nil {
		t.Errorf("Submit after release: %v", err)
	}
}

// faultingRepo fails PutExecution a set number of times before delegating.
type faultingRepo struct {
	job.Repository
	mu       sync.Mutex
	putFails int
}

func (r *faultingRepo) PutExecution(ctx context.Context, e *job.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.putFails > 0 {
		r.putFails--
		return errors.New("execution store unavailable")
	}
	return r.Repository.PutExecution(ctx, e)
}

// A claim that wins the status change but cannot record its execution must
// put the job back where it was, so a later claim can succeed.
func TestClaimRevertsOnExecutionWriteFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := &faultingRepo{Repository: store.NewMemory(), putFails: 1}
	svc, _ := newTestServiceOver(t, repo, admission.Limits{})

	if _, err := svc.Submit(ctx, pigRequest("j1", "u1"), nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Claim(ctx, "j1", "node-1"); err == nil {
		t.Fatal("claim with a failing execution write must error")
	}
	status, err := svc.GetStatus(ctx, "j1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != job.StatusResolved {
		t.Fatalf("status after failed claim = %s, want %s", status, job.StatusResolved)
	}

	exec, err := svc.Claim(ctx, "j1", "node-2")
	if err != nil {
		t.Fatalf("re-claim after rollback: %v", err)
	}
	if exec.HostName != "node-2" {
		t.Errorf("host = %q, want node-2", exec.HostName)
	}
}

func TestKillPendingJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t, admission.Limits{})

	if _, err := svc.Submit(ctx, pigRequest("j1", "u1"), nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Never claimed; kill from RESOLVED.
	j, err := svc.Kill(ctx, "j1", "")
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if j.Status != job.StatusKilled {
		t.Errorf("status = %s, want %s", j.Status, job.StatusKilled)
	}
	if j.Runtime() != 0 {
		t.Errorf("runtime = %v, never-started job must report 0", j.Runtime())
	}
}
