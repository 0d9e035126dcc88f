package task

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	tasks := []*Task{
		{ID: "t1", Tenant: "acme", Goal: "check balance", TargetURL: "https://bank.example.com", Status: StatusPending, MaxRetries: 3},
		{ID: "t2", Tenant: "acme", Goal: "pay invoice", TargetURL: "https://erp.example.com", Status: StatusFailed, MaxRetries: 3},
		{ID: "t3", Tenant: "globex", Goal: "export report", TargetURL: "https://crm.example.com", Status: StatusSucceeded, MaxRetries: 3},
	}

	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "t2", Failure{Code: string(CodeTaskProcessing), Message: "boom", Terminal: true}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", Result{WorkflowID: "wf-3", Success: true}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	succeeded, err := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if len(succeeded) != 1 || succeeded[0].ID != "t3" {
		t.Fatalf("unexpected result list: %+v", succeeded)
	}

	acme, err := store.List(ctx, buildListOptions([]ListOption{WithTenant("acme")}))
	if err != nil {
		t.Fatalf("list tenant: %v", err)
	}
	if len(acme) != 2 {
		t.Fatalf("expected 2 tasks for tenant, got %d", len(acme))
	}

	matched, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("ERP.example")}))
	if err != nil {
		t.Fatalf("list query: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "t2" {
		t.Fatalf("unexpected query result: %+v", matched)
	}

	paged, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "t2" {
		t.Fatalf("unexpected page: %+v", paged)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %d", len(recent))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	tasks := []*Task{
		{ID: "a", Goal: "g1", Status: StatusPending, MaxRetries: 3},
		{ID: "b", Goal: "g2", Status: StatusPending, MaxRetries: 3},
		{ID: "c", Goal: "g3", Status: StatusPending, MaxRetries: 3},
	}

	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "b", Failure{Code: string(CodeTaskProcessing), Message: "boom", Terminal: true}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "c", Result{WorkflowID: "wf-c", Success: true}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["a"].UpdatedAt = base.Unix()
	store.tasks["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	withResults, err := store.Stats(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("stats with result: %v", err)
	}
	if withResults.Total != 1 || withResults.Succeeded != 1 {
		t.Fatalf("unexpected stats with result: %+v", withResults)
	}

	withoutResults, err := store.Stats(ctx, buildListOptions([]ListOption{WithResultPresence(false)}))
	if err != nil {
		t.Fatalf("stats without result: %v", err)
	}
	if withoutResults.Total != 2 || withoutResults.Pending != 1 || withoutResults.Failed != 1 {
		t.Fatalf("unexpected stats without result: %+v", withoutResults)
	}

	failedOnly, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("stats failed only: %v", err)
	}
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "x", Goal: "g", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "x", Goal: "g", Status: StatusPending, MaxRetries: 2}); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	claimed, err := store.Claim(ctx, "x")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "x"); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	if err := store.Attach(ctx, "x", "sess", "wf"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := store.MarkFailed(ctx, "x", Failure{Code: "ACTION_FAILED", Message: "boom"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	retried, err := store.Claim(ctx, "x")
	if err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if retried.Attempts != 2 || retried.SessionID != "sess" || retried.WorkflowID != "wf" {
		t.Fatalf("unexpected retried task: %+v", retried)
	}

	if err := store.MarkFailed(ctx, "x", Failure{Code: "APPROVAL_REJECTED", Message: "no", Terminal: true}); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	if _, err := store.Claim(ctx, "x"); !IsTaskError(err, CodeTaskExhausted) {
		t.Fatalf("expected exhausted after terminal failure, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreTerminalFailureExhaustsRetries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "y", Goal: "g", Status: StatusPending, MaxRetries: 5}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "y"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	result := &Result{WorkflowID: "wf", Status: "failed", FailedStep: "login"}
	if err := store.MarkFailed(ctx, "y", Failure{Code: "PLANNING_FAILED", Message: "bad plan", Terminal: true, Result: result}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := store.Get(ctx, "y")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempts != 5 || got.ErrorCode != "PLANNING_FAILED" || got.Result == nil || got.Result.FailedStep != "login" {
		t.Fatalf("unexpected task after terminal failure: %+v", got)
	}
}

func TestMemoryStoreFiltersBySessionAndErrorCode(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"otp", "auth", "ok"} {
		if err := store.Create(ctx, &Task{ID: id, Goal: id, Status: StatusPending, MaxRetries: 1}); err != nil {
			t.Fatalf("create task %s: %v", id, err)
		}
	}
	if err := store.Attach(ctx, "otp", "sess_1", "wf_1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := store.MarkFailed(ctx, "otp", Failure{Code: "OTP_TIMEOUT", Message: "no code", Terminal: true}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkFailed(ctx, "auth", Failure{Code: "AUTHENTICATION_FAILED", Message: "401", Terminal: true}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	bySession, err := store.List(ctx, buildListOptions([]ListOption{WithSession("sess_1")}))
	if err != nil {
		t.Fatalf("list by session: %v", err)
	}
	if len(bySession) != 1 || bySession[0].ID != "otp" {
		t.Fatalf("unexpected session list: %+v", bySession)
	}

	byCode, err := store.List(ctx, buildListOptions([]ListOption{WithErrorCodes(" otp_timeout ", "OTP_TIMEOUT")}))
	if err != nil {
		t.Fatalf("list by code: %v", err)
	}
	if len(byCode) != 1 || byCode[0].ID != "otp" {
		t.Fatalf("unexpected code list: %+v", byCode)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Failed != 2 || stats.FailuresByCode["OTP_TIMEOUT"] != 1 || stats.FailuresByCode["AUTHENTICATION_FAILED"] != 1 {
		t.Fatalf("unexpected failure breakdown: %+v", stats)
	}
}
