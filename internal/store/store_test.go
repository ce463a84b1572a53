package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "vigil.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testInstance(t *testing.T, s *Store) Instance {
	t.Helper()
	now := time.Now().UTC()
	inst := Instance{
		ID:            uuid.NewString(),
		Name:          "worker-1",
		Host:          "host-1",
		PID:           4242,
		Version:       "1.0.0",
		Environment:   "test",
		Status:        InstanceStarting,
		StartedAt:     now,
		LastHeartbeat: now,
		Tags:          []string{"edge"},
	}
	if err := s.RegisterInstance(inst); err != nil {
		t.Fatalf("register instance: %v", err)
	}
	return inst
}

func testResult(jobID, target string, ts time.Time) ResultRecord {
	return ResultRecord{
		ID:         uuid.NewString(),
		JobID:      jobID,
		TargetID:   target,
		TargetName: target,
		Status:     "healthy",
		Message:    "HTTP 200 OK",
		DurationMS: 12,
		Provider:   "http",
		Timestamp:  ts,
	}
}

func TestInstanceRoundTrip(t *testing.T) {
	s := testStore(t)
	inst := testInstance(t, s)

	got, err := s.GetInstance(inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Name != "worker-1" || got.PID != 4242 || got.Environment != "test" {
		t.Fatalf("instance fields lost: %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "edge" {
		t.Fatalf("tags lost: %v", got.Tags)
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetInstance("nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInstanceStatusTransitions(t *testing.T) {
	s := testStore(t)
	inst := testInstance(t, s)

	if err := s.UpdateInstanceStatus(inst.ID, InstanceRunning, nil); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ := s.GetInstance(inst.ID)
	if got.Status != InstanceRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if got.StoppedAt != nil {
		t.Fatal("stopped_at should be unset while running")
	}

	stopped := time.Now().UTC()
	if err := s.UpdateInstanceStatus(inst.ID, InstanceStopped, &stopped); err != nil {
		t.Fatalf("terminal update: %v", err)
	}
	got, _ = s.GetInstance(inst.ID)
	if got.Status != InstanceStopped || got.StoppedAt == nil {
		t.Fatalf("terminal state lost: %+v", got)
	}
}

func TestHeartbeatMonotonic(t *testing.T) {
	s := testStore(t)
	inst := testInstance(t, s)

	later := inst.LastHeartbeat.Add(time.Minute)
	if err := s.Heartbeat(inst.ID, later); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ := s.GetInstance(inst.ID)
	if !got.LastHeartbeat.Equal(later) {
		t.Fatalf("heartbeat not advanced: %v", got.LastHeartbeat)
	}

	// An older timestamp must not roll the heartbeat back.
	earlier := later.Add(-time.Hour)
	if err := s.Heartbeat(inst.ID, earlier); err != nil {
		t.Fatalf("stale heartbeat: %v", err)
	}
	got, _ = s.GetInstance(inst.ID)
	if !got.LastHeartbeat.Equal(later) {
		t.Fatalf("heartbeat rolled back to %v", got.LastHeartbeat)
	}
}

func TestJobUpsert(t *testing.T) {
	s := testStore(t)
	inst := testInstance(t, s)

	job := JobRecord{
		ID:          uuid.NewString(),
		InstanceID:  inst.ID,
		Kind:        "http",
		Name:        "api",
		Status:      "queued",
		Priority:    5,
		ScheduledAt: time.Now().UTC(),
		MaxRetries:  3,
	}
	if err := s.WriteJobState(job); err != nil {
		t.Fatalf("insert job: %v", err)
	}

	started := time.Now().UTC()
	job.Status = "running"
	job.StartedAt = &started
	if err := s.WriteJobState(job); err != nil {
		t.Fatalf("update job: %v", err)
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != "running" || got.StartedAt == nil {
		t.Fatalf("upsert lost fields: %+v", got)
	}
}

func TestAppendBatchAtomicAndIdempotent(t *testing.T) {
	s := testStore(t)
	inst := testInstance(t, s)

	jobID := uuid.NewString()
	completed := time.Now().UTC()
	job := JobRecord{
		ID:           jobID,
		InstanceID:   inst.ID,
		Kind:         "http",
		Name:         "api",
		Status:       "completed",
		Priority:     5,
		ScheduledAt:  completed.Add(-time.Second),
		CompletedAt:  &completed,
		ResultStatus: "healthy",
	}
	rec := testResult(jobID, "api", completed)

	batch := []Entry{{Result: &rec, Job: &job}}
	if err := s.AppendBatch(batch); err != nil {
		t.Fatalf("append batch: %v", err)
	}
	// Replaying the same batch must not duplicate rows.
	if err := s.AppendBatch(batch); err != nil {
		t.Fatalf("replay batch: %v", err)
	}

	results, err := s.ReadResults(ResultFilter{Target: "api"})
	if err != nil {
		t.Fatalf("read results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result after replay, got %d", len(results))
	}

	got, err := s.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != "completed" || got.ResultStatus != "healthy" {
		t.Fatalf("job terminal state lost: %+v", got)
	}
}

func TestReadResultsFilters(t *testing.T) {
	s := testStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	mk := func(target, status, env string, ts time.Time) ResultRecord {
		r := testResult(uuid.NewString(), target, ts)
		r.Status = status
		r.Environment = env
		return r
	}
	rows := []ResultRecord{
		mk("api", "healthy", "prod", base.Add(-3*time.Hour)),
		mk("api", "critical", "prod", base.Add(-2*time.Hour)),
		mk("db", "healthy", "staging", base.Add(-time.Hour)),
		mk("db", "warning", "prod", base),
	}
	entries := make([]Entry, len(rows))
	for i := range rows {
		entries[i] = Entry{Result: &rows[i]}
	}
	if err := s.AppendBatch(entries); err != nil {
		t.Fatalf("seed results: %v", err)
	}

	got, _ := s.ReadResults(ResultFilter{Target: "api"})
	if len(got) != 2 {
		t.Fatalf("target filter: expected 2, got %d", len(got))
	}
	// Newest first.
	if got[0].Status != "critical" {
		t.Fatalf("expected newest first, got %s", got[0].Status)
	}

	got, _ = s.ReadResults(ResultFilter{Status: "healthy"})
	if len(got) != 2 {
		t.Fatalf("status filter: expected 2, got %d", len(got))
	}

	got, _ = s.ReadResults(ResultFilter{Environment: "staging"})
	if len(got) != 1 || got[0].TargetName != "db" {
		t.Fatalf("environment filter: %+v", got)
	}

	since := base.Add(-90 * time.Minute)
	got, _ = s.ReadResults(ResultFilter{Since: &since})
	if len(got) != 2 {
		t.Fatalf("since filter: expected 2, got %d", len(got))
	}

	got, _ = s.ReadResults(ResultFilter{PageSize: 2})
	if len(got) != 2 {
		t.Fatalf("page size: expected 2, got %d", len(got))
	}
	page2, _ := s.ReadResults(ResultFilter{PageSize: 2, Page: 1})
	if len(page2) != 2 || page2[0].ID == got[0].ID {
		t.Fatalf("pagination overlap: %+v", page2)
	}
}

func TestReadResultsOrdersSubSecondTimestamps(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// A whole-second timestamp must sort before one half a second later.
	whole := testResult(uuid.NewString(), "api", base)
	half := testResult(uuid.NewString(), "api", base.Add(500*time.Millisecond))
	if err := s.AppendBatch([]Entry{{Result: &whole}, {Result: &half}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := s.ReadResults(ResultFilter{Target: "api"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].ID != half.ID {
		t.Fatalf("newest-first order broken across sub-second boundary: %v then %v",
			got[0].Timestamp, got[1].Timestamp)
	}
	if !got[1].Timestamp.Equal(base) {
		t.Fatalf("whole-second timestamp lost precision: %v", got[1].Timestamp)
	}
}

func TestReadResultsPageSizeCap(t *testing.T) {
	s := testStore(t)
	got, err := s.ReadResults(ResultFilter{PageSize: 100000})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	_ = got // the cap is applied in SQL; an empty store just returns nothing
}

func TestAppendMetrics(t *testing.T) {
	s := testStore(t)
	inst := testInstance(t, s)

	rows := []MetricRow{
		{InstanceID: inst.ID, Kind: "counter", Name: "vigil_heartbeats_total", Value: 3, Timestamp: time.Now().UTC()},
		{InstanceID: inst.ID, Kind: "counter", Name: "vigil_probes_started_total", Value: 10, Timestamp: time.Now().UTC()},
	}
	if err := s.AppendMetrics(rows); err != nil {
		t.Fatalf("append metrics: %v", err)
	}
}

func TestPruneOlderThan(t *testing.T) {
	s := testStore(t)
	inst := testInstance(t, s)

	old := time.Now().UTC().Add(-48 * time.Hour)
	fresh := time.Now().UTC()

	oldJob := JobRecord{
		ID: uuid.NewString(), InstanceID: inst.ID, Kind: "http", Name: "api",
		Status: "completed", ScheduledAt: old,
	}
	freshJob := JobRecord{
		ID: uuid.NewString(), InstanceID: inst.ID, Kind: "http", Name: "api",
		Status: "completed", ScheduledAt: fresh,
	}
	oldRes := testResult(oldJob.ID, "api", old)
	freshRes := testResult(freshJob.ID, "api", fresh)

	if err := s.AppendBatch([]Entry{
		{Result: &oldRes, Job: &oldJob},
		{Result: &freshRes, Job: &freshJob},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := s.PruneOlderThan(24 * time.Hour); err != nil {
		t.Fatalf("prune: %v", err)
	}

	results, _ := s.ReadResults(ResultFilter{})
	if len(results) != 1 || results[0].ID != freshRes.ID {
		t.Fatalf("old result should be pruned: %+v", results)
	}
	if _, err := s.GetJob(oldJob.ID); err != ErrNotFound {
		t.Fatalf("old job should be pruned, got %v", err)
	}
	if _, err := s.GetJob(freshJob.ID); err != nil {
		t.Fatalf("fresh job should survive: %v", err)
	}
	// Instance rows survive pruning.
	if _, err := s.GetInstance(inst.ID); err != nil {
		t.Fatalf("instance should survive pruning: %v", err)
	}
}

func TestIsRetriableClassification(t *testing.T) {
	if IsRetriable(nil) {
		t.Fatal("nil is not retriable")
	}
	if !IsRetriable(retriableErr{err: ErrNotFound}) {
		t.Fatal("wrapped retriable should report true")
	}
	if IsRetriable(ErrNotFound) {
		t.Fatal("plain errors are permanent")
	}
}
