package queue

import (
	"testing"
	"time"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()

	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.DelayBetweenBatches = 0
	cfg.RetrySchedule = []time.Duration{0}

	m := NewManager(NewMemoryStorage(), cfg)
	t.Cleanup(func() { m.Close() })
	return m
}

func enqueueJob(t *testing.T, m *Manager, spec JobSpec) Job {
	t.Helper()

	if spec.CampaignID == "" {
		spec.CampaignID = "camp-1"
	}
	if spec.TemplateID == "" {
		spec.TemplateID = "tpl-1"
	}
	if spec.Recipient == "" {
		spec.Recipient = "user@example.com"
	}

	job, err := m.Enqueue(spec)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return job
}

func TestEnqueue(t *testing.T) {
	m := setupManager(t)

	job := enqueueJob(t, m, JobSpec{Recipient: "User@Example.COM"})

	if job.ID == "" {
		t.Fatal("expected a generated job id")
	}
	if job.Status != StatusPending {
		t.Errorf("expected status pending, got %s", job.Status)
	}
	if job.Priority != PriorityNormal {
		t.Errorf("expected default priority normal, got %s", job.Priority)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", job.MaxAttempts)
	}
	if job.Recipient != "User@example.com" {
		t.Errorf("expected domain lowercased, got %s", job.Recipient)
	}

	stats := m.GetStats()
	if stats.Total != 1 || stats.ByStatus[StatusPending] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestEnqueueValidation(t *testing.T) {
	m := setupManager(t)

	tests := []struct {
		name string
		spec JobSpec
	}{
		{"empty recipient", JobSpec{CampaignID: "c", TemplateID: "t"}},
		{"no at sign", JobSpec{CampaignID: "c", TemplateID: "t", Recipient: "nobody"}},
		{"no domain dot", JobSpec{CampaignID: "c", TemplateID: "t", Recipient: "a@local"}},
		{"missing campaign", JobSpec{TemplateID: "t", Recipient: "a@example.com"}},
		{"missing template", JobSpec{CampaignID: "c", Recipient: "a@example.com"}},
		{"priority out of range", JobSpec{CampaignID: "c", TemplateID: "t", Recipient: "a@example.com", Priority: 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Enqueue(tt.spec); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRetryAllFailedBeforeDispatchIsNoop(t *testing.T) {
	m := setupManager(t)

	enqueueJob(t, m, JobSpec{})
	enqueueJob(t, m, JobSpec{Recipient: "other@example.com"})

	if n := m.RetryAllFailed(); n != 0 {
		t.Errorf("expected 0 requeued, got %d", n)
	}
}

func TestRetryJob(t *testing.T) {
	m := setupManager(t)

	job := enqueueJob(t, m, JobSpec{})

	// Force the job into a terminal failed state.
	claimed, err := m.claimBatch(10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim failed: %v (%d claimed)", err, len(claimed))
	}
	m.completeFailure(claimed[0], PermanentError(errTest), time.Millisecond)

	got, _ := m.GetJob(job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}

	if !m.RetryJob(job.ID) {
		t.Fatal("retry of a failed job should succeed")
	}

	got, _ = m.GetJob(job.ID)
	if got.Status != StatusPending {
		t.Errorf("expected pending after retry, got %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("expected attempts reset to 0, got %d", got.Attempts)
	}

	if m.RetryJob("no-such-job") {
		t.Error("retry of an unknown job should fail")
	}
}

func TestRetryJobRejectsSentAndProcessing(t *testing.T) {
	m := setupManager(t)

	sent := enqueueJob(t, m, JobSpec{})
	claimed, _ := m.claimBatch(1)
	m.completeSuccess(claimed[0], time.Millisecond)
	if m.RetryJob(sent.ID) {
		t.Error("retry of a sent job should fail")
	}

	inFlight := enqueueJob(t, m, JobSpec{Recipient: "b@example.com"})
	if _, err := m.claimBatch(1); err != nil {
		t.Fatal(err)
	}
	if m.RetryJob(inFlight.ID) {
		t.Error("retry of a processing job should fail")
	}
}

func TestRemoveJobTombstonesInFlight(t *testing.T) {
	m := setupManager(t)

	job := enqueueJob(t, m, JobSpec{})
	claimed, _ := m.claimBatch(1)
	if len(claimed) != 1 {
		t.Fatal("expected one claimed job")
	}

	if !m.RemoveJob(job.ID) {
		t.Fatal("remove of a processing job should report success")
	}

	// The record survives until the in-flight dispatch settles.
	if _, err := m.GetJob(job.ID); err != nil {
		t.Fatalf("tombstoned job should still exist: %v", err)
	}

	m.completeSuccess(claimed[0], time.Millisecond)

	if _, err := m.GetJob(job.ID); err != ErrJobNotFound {
		t.Errorf("expected job deleted after settle, got %v", err)
	}
}

func TestClear(t *testing.T) {
	m := setupManager(t)

	a := enqueueJob(t, m, JobSpec{})
	enqueueJob(t, m, JobSpec{Recipient: "b@example.com"})
	processing := enqueueJob(t, m, JobSpec{Recipient: "c@example.com"})

	// Mark one sent and one processing.
	claimed, _ := m.claimBatch(1) // claims a (FIFO)
	if claimed[0].ID != a.ID {
		t.Fatalf("expected FIFO claim of %s, got %s", a.ID, claimed[0].ID)
	}
	m.completeSuccess(claimed[0], time.Millisecond)
	if _, err := m.claimBatch(1); err != nil {
		t.Fatal(err)
	}

	if n := m.Clear(ClearFilter{Status: StatusSent}); n != 1 {
		t.Errorf("expected 1 sent job cleared, got %d", n)
	}

	// A clear with no filter still never touches processing jobs.
	if n := m.Clear(ClearFilter{}); n != 1 {
		t.Errorf("expected 1 pending job cleared, got %d", n)
	}
	if _, err := m.GetJob(processing.ID); err != nil {
		t.Errorf("processing job must survive clear: %v", err)
	}
}

func TestListFilterAndPagination(t *testing.T) {
	m := setupManager(t)

	for i := 0; i < 5; i++ {
		enqueueJob(t, m, JobSpec{Recipient: recipientN(i)})
	}
	enqueueJob(t, m, JobSpec{
		CampaignID: "camp-2",
		Recipient:  "vip@example.com",
		Priority:   PriorityUrgent,
	})

	jobs, total, err := m.List(ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 6 || len(jobs) != 6 {
		t.Fatalf("expected 6 jobs, got %d (total %d)", len(jobs), total)
	}
	if jobs[0].Priority != PriorityUrgent {
		t.Error("urgent job should sort first")
	}

	jobs, total, _ = m.List(ListFilter{Limit: 2, Offset: 4})
	if total != 6 {
		t.Errorf("total should ignore pagination, got %d", total)
	}
	if len(jobs) != 2 {
		t.Errorf("expected page of 2, got %d", len(jobs))
	}

	jobs, _, _ = m.List(ListFilter{CampaignID: "camp-2"})
	if len(jobs) != 1 {
		t.Errorf("expected 1 job for camp-2, got %d", len(jobs))
	}

	jobs, _, _ = m.List(ListFilter{Status: StatusSent})
	if len(jobs) != 0 {
		t.Errorf("expected no sent jobs, got %d", len(jobs))
	}
}

func TestClaimBatchOrdering(t *testing.T) {
	m := setupManager(t)

	low := enqueueJob(t, m, JobSpec{Recipient: "low@example.com", Priority: PriorityLow})
	first := enqueueJob(t, m, JobSpec{Recipient: "n1@example.com"})
	second := enqueueJob(t, m, JobSpec{Recipient: "n2@example.com"})
	urgent := enqueueJob(t, m, JobSpec{Recipient: "urgent@example.com", Priority: PriorityUrgent})

	claimed, err := m.claimBatch(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(claimed))
	}

	if claimed[0].ID != urgent.ID {
		t.Error("urgent job should be claimed first")
	}
	if claimed[1].ID != first.ID || claimed[2].ID != second.ID {
		t.Error("normal jobs should be claimed in arrival order")
	}

	// The low-priority job is still pending, not starved forever: the
	// next batch picks it up.
	claimed, _ = m.claimBatch(3)
	if len(claimed) != 1 || claimed[0].ID != low.ID {
		t.Error("low priority job should be claimed in the next batch")
	}
}

func TestClaimBatchSkipsScheduledRetries(t *testing.T) {
	m := setupManager(t)
	m.UpdateConfig(Config{RetrySchedule: []time.Duration{time.Hour}})

	enqueueJob(t, m, JobSpec{})
	claimed, _ := m.claimBatch(1)
	m.completeFailure(claimed[0], TransientError(errTest), time.Millisecond)

	// Retry is an hour out; nothing is due.
	claimed, _ = m.claimBatch(10)
	if len(claimed) != 0 {
		t.Errorf("expected no due jobs, got %d", len(claimed))
	}
}

func TestUpdateConfigPartial(t *testing.T) {
	m := setupManager(t)

	updated := m.UpdateConfig(Config{BatchSize: 25})
	if updated.BatchSize != 25 {
		t.Errorf("expected batch size 25, got %d", updated.BatchSize)
	}
	if updated.MaxConcurrent != 5 {
		t.Errorf("unset fields must keep prior values, got %d", updated.MaxConcurrent)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	schedule := []time.Duration{time.Minute, 5 * time.Minute}

	for attempts := 1; attempts <= 4; attempts++ {
		d := backoffDelay(attempts, schedule)

		idx := attempts - 1
		if idx >= len(schedule) {
			idx = len(schedule) - 1
		}
		base := schedule[idx]

		min := base - base/10
		max := base + base/10
		if d < min || d > max {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempts, d, min, max)
		}
	}
}

func recipientN(i int) string {
	return string(rune('a'+i)) + "@example.com"
}
