package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shipgate/shipgate-server/internal/application"
	"github.com/shipgate/shipgate-server/internal/domain"
	"github.com/shipgate/shipgate-server/internal/infrastructure/sqlite"
	"github.com/shipgate/shipgate-server/internal/infrastructure/syncworkflow"
)

// scriptedEngine counts triggers and serves scripted failures.
type scriptedEngine struct {
	mu         sync.Mutex
	nextErr    error
	runStatus  map[domain.RunID]domain.RunStatus
	triggers   atomic.Int32
	lastReq    domain.DispatchRequest
	runCounter atomic.Int32
}

func (e *scriptedEngine) TriggerPipeline(_ context.Context, req domain.DispatchRequest) (domain.RunID, error) {
	e.triggers.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastReq = req
	if e.nextErr != nil {
		err := e.nextErr
		e.nextErr = nil
		return "", err
	}
	return domain.RunID(string(rune('a' + e.runCounter.Add(1)))), nil
}

func (e *scriptedEngine) RunStatus(_ context.Context, id domain.RunID) (domain.RunStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.runStatus[id]; ok {
		return s, nil
	}
	return domain.RunStatus{RunID: id, Terminal: true, Outcome: domain.OutcomeSucceeded}, nil
}

func (e *scriptedEngine) failNext(err error) {
	e.mu.Lock()
	e.nextErr = err
	e.mu.Unlock()
}

type testHarness struct {
	governance *application.GovernanceService
	status     *application.StatusService
	lifecycle  *application.LifecycleService
	dispatcher *application.Dispatcher
	records    *sqlite.RecordRepo
	engine     *scriptedEngine
	flags      *domain.StaticFlags
}

func setup(t *testing.T) *testHarness {
	t.Helper()
	db := sqlite.OpenTestDB(t)
	records := &sqlite.RecordRepo{DB: db}
	engine := &scriptedEngine{runStatus: map[domain.RunID]domain.RunStatus{}}
	flags := &domain.StaticFlags{}

	lifecycle := &application.LifecycleService{
		Records:      records,
		AutoRollback: true,
		RollbackWait: 5 * time.Second,
	}
	dispatcher := &application.Dispatcher{
		Records: records,
		Engine:  engine,
		Flags:   flags,
		Links:   lifecycle,
	}

	wf := &domain.RollbackWorkflow{
		Records:      records,
		Dispatcher:   dispatcher,
		Engine:       engine,
		Lifecycle:    lifecycle,
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  2 * time.Second,
	}
	runner, err := (&syncworkflow.Engine{}).RollbackRunner(wf)
	if err != nil {
		t.Fatalf("RollbackRunner: %v", err)
	}
	lifecycle.Rollbacks = runner

	governance := &application.GovernanceService{
		Flags: flags,
		Rates: &domain.RateLimiter{ReadLimit: 1000, MutateLimit: 1000},
		Quotas: &domain.QuotaLedger{Limits: map[domain.ActionKind]int{
			domain.ActionDeploy:           5,
			domain.ActionRollback:         5,
			domain.ActionBuildRegister:    5,
			domain.ActionUploadCapability: 5,
		}},
		Recipes: domain.RecipeResolver{Table: domain.RecipeTable{
			"checkout": {
				domain.RecipeStandard: {DeployPipelineID: "pipe-std", RollbackPipelineID: "pipe-std-rb"},
				domain.RecipeCanary:   {DeployPipelineID: "pipe-canary"},
			},
		}},
		Dispatcher: dispatcher,
		Records:    records,
		Lifecycle:  lifecycle,
	}
	status := &application.StatusService{
		Records:   records,
		Rates:     governance.Rates,
		Quotas:    governance.Quotas,
		Flags:     flags,
		Lifecycle: lifecycle,
	}
	return &testHarness{
		governance: governance,
		status:     status,
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
		records:    records,
		engine:     engine,
		flags:      flags,
	}
}

func deployInput(key string) application.SubmitDeployInput {
	return application.SubmitDeployInput{
		Service:        "checkout",
		Version:        "1.0.0",
		Artifact:       domain.ArtifactRef{Bucket: "builds", Key: "checkout/1.0.0.tar"},
		Recipe:         "standard",
		IdempotencyKey: key,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubmitDeploy_DispatchesAndRuns(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	rec, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1"))
	if err != nil {
		t.Fatalf("SubmitDeploy: %v", err)
	}
	if rec.State != domain.StateRunning {
		t.Errorf("State = %q, want running", rec.State)
	}
	if rec.PipelineID != "pipe-std" || rec.RollbackPipelineID != "pipe-std-rb" {
		t.Errorf("pipelines = %q/%q", rec.PipelineID, rec.RollbackPipelineID)
	}
	if rec.RunID == "" {
		t.Error("RunID empty after dispatch")
	}
}

func TestSubmitDeploy_ReplayDispatchesOnce(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	first, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1"))
	if err != nil {
		t.Fatalf("first SubmitDeploy: %v", err)
	}
	second, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1"))
	if err != nil {
		t.Fatalf("replay SubmitDeploy: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("replay returned a different record: %s vs %s", first.ID, second.ID)
	}
	if n := h.engine.triggers.Load(); n != 1 {
		t.Errorf("engine triggers = %d, want 1", n)
	}
	// The replay released its reservation, so only one deploy is
	// charged against the day.
	if got := h.governance.Quotas.Remaining("ci-bot", domain.ActionDeploy); got != 4 {
		t.Errorf("Remaining = %d, want 4", got)
	}
}

func TestSubmitDeploy_KeyReuseWithDifferentPayload(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	if _, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1")); err != nil {
		t.Fatalf("SubmitDeploy: %v", err)
	}

	changed := deployInput("k1")
	changed.Version = "2.0.0"
	_, err := h.governance.SubmitDeploy(ctx, "ci-bot", changed)
	if !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("got %v, want ErrIdempotencyConflict", err)
	}
}

func TestSubmitDeploy_KillSwitchConsumesNothing(t *testing.T) {
	h := setup(t)
	h.flags.KillSwitch = true
	ctx := context.Background()

	_, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1"))
	if !errors.Is(err, domain.ErrGovernanceBlocked) {
		t.Fatalf("got %v, want ErrGovernanceBlocked", err)
	}
	if n := h.engine.triggers.Load(); n != 0 {
		t.Errorf("engine triggers = %d, want 0", n)
	}
	if got := h.governance.Quotas.Remaining("ci-bot", domain.ActionDeploy); got != 5 {
		t.Errorf("Remaining = %d, want untouched 5", got)
	}
}

func TestSubmitDeploy_QuotaReleasedOnDispatchFailure(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.engine.failNext(&domain.DispatchError{Retryable: true, Err: errors.New("connection refused")})
	_, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1"))
	if !errors.Is(err, domain.ErrDispatchFailed) {
		t.Fatalf("got %v, want dispatch failure", err)
	}
	if got := h.governance.Quotas.Remaining("ci-bot", domain.ActionDeploy); got != 5 {
		t.Errorf("Remaining = %d, want 5 after release", got)
	}

	// The key is free for a retry, which dispatches fresh.
	rec, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1"))
	if err != nil {
		t.Fatalf("retry SubmitDeploy: %v", err)
	}
	if rec.State != domain.StateRunning {
		t.Errorf("retry State = %q, want running", rec.State)
	}
	if n := h.engine.triggers.Load(); n != 2 {
		t.Errorf("engine triggers = %d, want 2", n)
	}
}

func TestSubmitDeploy_AmbiguousOutcomeKeepsQuotaAndKey(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.engine.failNext(&domain.DispatchError{Ambiguous: true, Err: errors.New("garbled response")})
	if _, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1")); err == nil {
		t.Fatal("expected ambiguous dispatch error")
	}

	if got := h.governance.Quotas.Remaining("ci-bot", domain.ActionDeploy); got != 4 {
		t.Errorf("Remaining = %d, want 4 (reservation held)", got)
	}

	// A blind retry replays against the pending record rather than
	// double-triggering the engine.
	rec, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1"))
	if err != nil {
		t.Fatalf("retry SubmitDeploy: %v", err)
	}
	if rec.State != domain.StatePending {
		t.Errorf("State = %q, want pending", rec.State)
	}
	if n := h.engine.triggers.Load(); n != 1 {
		t.Errorf("engine triggers = %d, want 1", n)
	}
}

func TestApplyEngineEvent_FinalizesRecord(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	rec, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1"))
	if err != nil {
		t.Fatalf("SubmitDeploy: %v", err)
	}

	ev := domain.EngineEvent{RunID: rec.RunID, Outcome: domain.OutcomeSucceeded, OccurredAt: time.Now().UTC()}
	out, changed, err := h.lifecycle.ApplyEngineEvent(ctx, ev)
	if err != nil {
		t.Fatalf("ApplyEngineEvent: %v", err)
	}
	if !changed || out.State != domain.StateSucceeded {
		t.Errorf("changed=%v State=%q", changed, out.State)
	}

	// Duplicate delivery is a no-op.
	_, changed, err = h.lifecycle.ApplyEngineEvent(ctx, ev)
	if err != nil {
		t.Fatalf("duplicate ApplyEngineEvent: %v", err)
	}
	if changed {
		t.Error("duplicate event reported changed=true")
	}

	// A contradictory late event does not overwrite the terminal state.
	ev.Outcome = domain.OutcomeFailed
	out, changed, err = h.lifecycle.ApplyEngineEvent(ctx, ev)
	if err != nil {
		t.Fatalf("late ApplyEngineEvent: %v", err)
	}
	if changed || out.State != domain.StateSucceeded {
		t.Errorf("late event mutated record: changed=%v State=%q", changed, out.State)
	}
}

func TestApplyEngineEvent_UnknownRun(t *testing.T) {
	h := setup(t)

	_, _, err := h.lifecycle.ApplyEngineEvent(context.Background(), domain.EngineEvent{
		RunID: "never-dispatched", Outcome: domain.OutcomeFailed, OccurredAt: time.Now(),
	})
	if !errors.Is(err, domain.ErrUnknownRun) {
		t.Fatalf("got %v, want ErrUnknownRun", err)
	}
}

func TestApplyEngineEvent_EmptyRunID(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	// An ambiguous dispatch leaves a pending record whose run_id is
	// empty. An event with no run identifier must be dropped as
	// unknown, not correlated to that record.
	h.engine.failNext(&domain.DispatchError{Ambiguous: true, Err: errors.New("garbled response")})
	if _, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1")); err == nil {
		t.Fatal("expected ambiguous dispatch error")
	}

	_, _, err := h.lifecycle.ApplyEngineEvent(ctx, domain.EngineEvent{
		RunID: "", Outcome: domain.OutcomeFailed, OccurredAt: time.Now(),
	})
	if !errors.Is(err, domain.ErrUnknownRun) {
		t.Fatalf("got %v, want ErrUnknownRun", err)
	}
}

func TestAutoRollback_FailedDeployRollsBackOnce(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	rec, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1"))
	if err != nil {
		t.Fatalf("SubmitDeploy: %v", err)
	}

	ev := domain.EngineEvent{RunID: rec.RunID, Outcome: domain.OutcomeFailed, OccurredAt: time.Now().UTC()}
	if _, _, err := h.lifecycle.ApplyEngineEvent(ctx, ev); err != nil {
		t.Fatalf("ApplyEngineEvent: %v", err)
	}

	waitFor(t, func() bool {
		original, err := h.records.Get(ctx, rec.ID)
		return err == nil && original.RollbackID != ""
	})

	original, err := h.records.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("reload original: %v", err)
	}
	rollback, err := h.records.Get(ctx, original.RollbackID)
	if err != nil {
		t.Fatalf("load rollback: %v", err)
	}
	if rollback.Action != domain.ActionRollback || rollback.PipelineID != "pipe-std-rb" {
		t.Errorf("rollback record = %+v", rollback)
	}
	if rollback.RollbackOf != rec.ID {
		t.Errorf("RollbackOf = %q, want %q", rollback.RollbackOf, rec.ID)
	}

	waitFor(t, func() bool {
		rb, err := h.records.Get(ctx, original.RollbackID)
		return err == nil && rb.Terminal()
	})

	// Exactly one rollback dispatch: the deploy trigger plus one.
	if n := h.engine.triggers.Load(); n != 2 {
		t.Errorf("engine triggers = %d, want 2", n)
	}

	// Duplicate failure delivery does not start a second workflow.
	if _, _, err := h.lifecycle.ApplyEngineEvent(ctx, ev); err != nil {
		t.Fatalf("duplicate failed event: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := h.engine.triggers.Load(); n != 2 {
		t.Errorf("after duplicate event: engine triggers = %d, want 2", n)
	}

	if got := h.lifecycle.Display(ctx, original); got != domain.DisplayRolledBack {
		t.Errorf("Display = %q, want rolled-back", got)
	}
}

func TestAutoRollback_NotTriggeredWithoutRollbackPipeline(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	in := deployInput("k1")
	in.Recipe = "canary" // configured with no rollback pipeline
	rec, err := h.governance.SubmitDeploy(ctx, "ci-bot", in)
	if err != nil {
		t.Fatalf("SubmitDeploy: %v", err)
	}

	ev := domain.EngineEvent{RunID: rec.RunID, Outcome: domain.OutcomeFailed, OccurredAt: time.Now().UTC()}
	if _, _, err := h.lifecycle.ApplyEngineEvent(ctx, ev); err != nil {
		t.Fatalf("ApplyEngineEvent: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if n := h.engine.triggers.Load(); n != 1 {
		t.Errorf("engine triggers = %d, want 1 (no rollback)", n)
	}
	original, _ := h.records.Get(ctx, rec.ID)
	if original.RollbackID != "" {
		t.Errorf("RollbackID = %q, want empty", original.RollbackID)
	}
	if got := h.lifecycle.Display(ctx, original); got != domain.DisplayFailed {
		t.Errorf("Display = %q, want failed", got)
	}
}

func TestSubmitRollback_Manual(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	deploy, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1"))
	if err != nil {
		t.Fatalf("SubmitDeploy: %v", err)
	}

	rollback, err := h.governance.SubmitRollback(ctx, "operator", application.SubmitRollbackInput{
		Service:        "checkout",
		IdempotencyKey: "rb1",
	})
	if err != nil {
		t.Fatalf("SubmitRollback: %v", err)
	}
	if rollback.PipelineID != "pipe-std-rb" || rollback.RollbackOf != deploy.ID {
		t.Errorf("rollback = %+v", rollback)
	}

	// The deploy is now linked; a second manual rollback is refused.
	_, err = h.governance.SubmitRollback(ctx, "operator", application.SubmitRollbackInput{
		Service:        "checkout",
		IdempotencyKey: "rb2",
	})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("second rollback: got %v, want ErrAlreadyExists", err)
	}
}

func TestSubmitRollback_NoDeployToRollBack(t *testing.T) {
	h := setup(t)

	_, err := h.governance.SubmitRollback(context.Background(), "operator", application.SubmitRollbackInput{
		Service:        "checkout",
		IdempotencyKey: "rb1",
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	// The failed gate run released its quota.
	if got := h.governance.Quotas.Remaining("operator", domain.ActionRollback); got != 5 {
		t.Errorf("Remaining = %d, want 5", got)
	}
}

func TestRegisterBuild_IdempotentAcknowledgment(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	in := application.RegisterInput{
		Service:        "checkout",
		IdempotencyKey: "b1",
		Payload:        json.RawMessage(`{"digest":"sha256:abc"}`),
	}
	first, err := h.governance.RegisterBuild(ctx, "ci-bot", in)
	if err != nil {
		t.Fatalf("RegisterBuild: %v", err)
	}
	if first.State != domain.StateSucceeded {
		t.Errorf("State = %q, want succeeded", first.State)
	}

	second, err := h.governance.RegisterBuild(ctx, "ci-bot", in)
	if err != nil {
		t.Fatalf("replay RegisterBuild: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replay created a new record")
	}
	if got := h.governance.Quotas.Remaining("ci-bot", domain.ActionBuildRegister); got != 4 {
		t.Errorf("Remaining = %d, want 4", got)
	}
	if n := h.engine.triggers.Load(); n != 0 {
		t.Errorf("engine triggers = %d, want 0", n)
	}
}

func TestRegisterBuild_PayloadConflict(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	in := application.RegisterInput{
		Service:        "checkout",
		IdempotencyKey: "b1",
		Payload:        json.RawMessage(`{"digest":"sha256:abc"}`),
	}
	if _, err := h.governance.RegisterBuild(ctx, "ci-bot", in); err != nil {
		t.Fatalf("RegisterBuild: %v", err)
	}

	in.Payload = json.RawMessage(`{"digest":"sha256:other"}`)
	_, err := h.governance.RegisterBuild(ctx, "ci-bot", in)
	if !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("got %v, want ErrIdempotencyConflict", err)
	}
}

func TestDeliveryStatus_ReadPathIgnoresKillSwitch(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	rec, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1"))
	if err != nil {
		t.Fatalf("SubmitDeploy: %v", err)
	}
	h.flags.KillSwitch = true

	status, err := h.status.DeliveryStatus(ctx, "viewer", "checkout")
	if err != nil {
		t.Fatalf("DeliveryStatus: %v", err)
	}
	if status.Current == nil || status.Current.Record.ID != rec.ID {
		t.Fatalf("Current = %+v", status.Current)
	}
	if status.Current.Display != domain.DisplayRunning {
		t.Errorf("Display = %q, want running", status.Current.Display)
	}
	if len(status.History) != 1 {
		t.Errorf("History len = %d, want 1", len(status.History))
	}
}

func TestAllowedActions_ReflectsGates(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	if _, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1")); err != nil {
		t.Fatalf("SubmitDeploy: %v", err)
	}

	actions, err := h.status.AllowedActions(ctx, "ci-bot", "checkout")
	if err != nil {
		t.Fatalf("AllowedActions: %v", err)
	}
	byKind := map[domain.ActionKind]application.ActionAvailability{}
	for _, a := range actions {
		byKind[a.Action] = a
	}
	if a := byKind[domain.ActionDeploy]; !a.Allowed || a.Remaining != 4 {
		t.Errorf("deploy availability = %+v", a)
	}
	if a := byKind[domain.ActionRollback]; !a.Allowed {
		t.Errorf("rollback availability = %+v", a)
	}

	h.flags.KillSwitch = true
	actions, err = h.status.AllowedActions(ctx, "ci-bot", "checkout")
	if err != nil {
		t.Fatalf("AllowedActions under kill switch: %v", err)
	}
	for _, a := range actions {
		if a.Allowed {
			t.Errorf("%s allowed under kill switch", a.Action)
		}
	}
}

func TestAllowedActions_UnconfiguredQuota(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	delete(h.governance.Quotas.Limits, domain.ActionUploadCapability)

	actions, err := h.status.AllowedActions(ctx, "ci-bot", "checkout")
	if err != nil {
		t.Fatalf("AllowedActions: %v", err)
	}
	for _, a := range actions {
		if a.Action != domain.ActionUploadCapability {
			continue
		}
		if a.Allowed {
			t.Error("upload-capability allowed with no quota configured")
		}
		if a.Reason != "no daily quota configured" {
			t.Errorf("Reason = %q, want no daily quota configured", a.Reason)
		}
	}
}

func TestDemoMode_SkipsEngine(t *testing.T) {
	h := setup(t)
	h.flags.Demo = true
	ctx := context.Background()

	rec, err := h.governance.SubmitDeploy(ctx, "ci-bot", deployInput("k1"))
	if err != nil {
		t.Fatalf("SubmitDeploy: %v", err)
	}
	if rec.State != domain.StateRunning {
		t.Errorf("State = %q, want running", rec.State)
	}
	if rec.RunID == "" {
		t.Error("demo dispatch has no synthetic run ID")
	}
	if n := h.engine.triggers.Load(); n != 0 {
		t.Errorf("engine triggers = %d, want 0", n)
	}
}
