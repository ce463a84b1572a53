// Package worker runs the probe lifecycle: scheduled enqueue, dispatch under
// the concurrency governor, classification, and delivery to metrics, the
// event broadcaster, and the durable result writer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/vigil/internal/config"
	"github.com/marcus-qen/vigil/internal/fanout"
	"github.com/marcus-qen/vigil/internal/governor"
	"github.com/marcus-qen/vigil/internal/metrics"
	"github.com/marcus-qen/vigil/internal/probe"
	"github.com/marcus-qen/vigil/internal/queue"
	"github.com/marcus-qen/vigil/internal/schedule"
	"github.com/marcus-qen/vigil/internal/store"
)

const (
	defaultPriority = 5
	janitorInterval = time.Hour
)

// ErrUnknownTarget is returned by TriggerTarget for names absent from the
// active configuration.
var ErrUnknownTarget = errors.New("unknown target")

// ErrNotRetriable is returned by RetryJob for jobs that are not in a terminal
// failed state.
var ErrNotRetriable = errors.New("job is not in a failed state")

// StatusEvent is the worker_status event payload.
type StatusEvent struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
}

// Worker owns the probe loop for one instance.
type Worker struct {
	instanceID string
	name       string
	version    string

	reloader *config.Reloader
	store    *store.Store
	writer   *store.Writer
	queue    *queue.Queue
	gov      *governor.Governor
	httpExec *probe.HTTPExecutor
	sqlExec  *probe.SQLExecutor
	agg      *metrics.Aggregator
	bus      *fanout.Broadcaster
	logger   *zap.Logger

	mu     sync.Mutex
	status string

	wg sync.WaitGroup
}

// New wires a worker from its collaborators. The caller owns the reloader,
// store, and broadcaster lifecycles.
func New(
	reloader *config.Reloader,
	st *store.Store,
	wr *store.Writer,
	agg *metrics.Aggregator,
	bus *fanout.Broadcaster,
	version string,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := reloader.Current()

	name := cfg.InstanceName
	if name == "" {
		name, _ = os.Hostname()
	}

	return &Worker{
		instanceID: uuid.NewString(),
		name:       name,
		version:    version,
		reloader:   reloader,
		store:      st,
		writer:     wr,
		queue:      queue.New(cfg.Limits.QueueMaxDepth),
		gov:        governor.New(cfg.Limits.MaxConcurrentHTTP, cfg.Limits.MaxConcurrentDB),
		httpExec:   probe.NewHTTPExecutor(cfg.Limits.DefaultTimeout(), logger.Named("http")),
		sqlExec:    probe.NewSQLExecutor(logger.Named("sql")),
		agg:        agg,
		bus:        bus,
		logger:     logger.Named("worker"),
		status:     store.InstanceStarting,
	}
}

// InstanceID returns the unique id of this worker process.
func (w *Worker) InstanceID() string { return w.instanceID }

// Status returns the current lifecycle state.
func (w *Worker) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) setStatus(status string, stoppedAt *time.Time) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()

	if err := w.store.UpdateInstanceStatus(w.instanceID, status, stoppedAt); err != nil {
		w.logger.Warn("persist status transition", zap.String("status", status), zap.Error(err))
	}
	w.bus.Publish(fanout.NewEvent(fanout.KindWorkerStatus, StatusEvent{
		InstanceID: w.instanceID,
		Name:       w.name,
		Status:     status,
	}))
	w.logger.Info("worker status", zap.String("status", status))
}

// Run executes the full lifecycle until ctx is cancelled, then drains within
// the configured shutdown deadline. Returns once the instance row is terminal.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.reloader.Current()

	host, _ := os.Hostname()
	now := time.Now().UTC()
	if err := w.store.RegisterInstance(store.Instance{
		ID:            w.instanceID,
		Name:          w.name,
		Host:          host,
		PID:           os.Getpid(),
		Version:       w.version,
		Environment:   cfg.Environment,
		Status:        store.InstanceStarting,
		StartedAt:     now,
		LastHeartbeat: now,
	}); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	w.setStatus(store.InstanceStarting, nil)

	spec, err := schedule.Parse(cfg.Schedule.Cron, locationOf(cfg.Schedule.Timezone))
	if err != nil {
		stopped := time.Now().UTC()
		w.setStatus(store.InstanceError, &stopped)
		return err
	}
	trigger := schedule.NewTrigger(spec, locationOf(cfg.Schedule.Timezone), w.logger)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Probes execute on their own context so in-flight work can finish during
	// the drain window after shutdown is requested; it is cancelled only when
	// the shutdown deadline expires.
	probeCtx, cancelProbes := context.WithCancel(context.Background())
	defer cancelProbes()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		trigger.Run(runCtx)
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.scheduleLoop(runCtx, trigger)
	}()

	dispatchers := cfg.Limits.MaxConcurrentHTTP + cfg.Limits.MaxConcurrentDB
	if dispatchers < 1 {
		dispatchers = 1
	}
	for i := 0; i < dispatchers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.dispatchLoop(runCtx, probeCtx)
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.heartbeatLoop(runCtx, cfg.Limits.HeartbeatInterval())
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.janitorLoop(runCtx)
	}()

	w.setStatus(store.InstanceRunning, nil)

	<-ctx.Done()
	w.setStatus(store.InstanceStopping, nil)

	// Queued jobs are cancelled and persisted; their probes never ran, so no
	// result rows are written.
	for _, job := range w.queue.DrainQueued() {
		w.persistJob(job, nil)
	}

	cancelRun()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	deadline := cfg.Limits.ShutdownDeadline()
	clean := true
	select {
	case <-done:
	case <-time.After(deadline):
		clean = false
		w.logger.Warn("shutdown deadline exceeded, cancelling in-flight probes",
			zap.Duration("deadline", deadline))
		cancelProbes()
		<-done
	}

	w.sqlExec.Close()

	stopped := time.Now().UTC()
	final := store.InstanceStopped
	if !clean {
		final = store.InstanceError
	}
	w.setStatus(final, &stopped)
	return nil
}

// scheduleLoop converts trigger ticks into batches of queued jobs. A full
// queue skips the entire tick.
func (w *Worker) scheduleLoop(ctx context.Context, trigger *schedule.Trigger) {
	for {
		select {
		case <-ctx.Done():
			return
		case fireAt := <-trigger.C:
			if w.queue.Full() {
				w.agg.RecordQueueOverflow()
				w.logger.Warn("queue full, skipping trigger tick",
					zap.Time("fire_at", fireAt),
					zap.Int("depth", w.queue.Depth()),
				)
				continue
			}
			ids := w.enqueueAll(fireAt)
			w.logger.Info("trigger tick enqueued",
				zap.Time("fire_at", fireAt),
				zap.Int("jobs", len(ids)),
			)
		}
	}
}

// enqueueAll builds one job per endpoint and one per (connection, query) pair
// from the active snapshot.
func (w *Worker) enqueueAll(at time.Time) []string {
	cfg := w.reloader.Current()
	var ids []string

	for _, e := range cfg.EndpointTargets() {
		if id, ok := w.enqueueJob(probe.KindHTTP, e.Name, "", at, cfg); ok {
			ids = append(ids, id)
		}
	}
	for _, c := range cfg.ConnectionTargets() {
		queries := c.Queries
		if len(queries) == 0 {
			// Connectivity-only target: a bare reachability check.
			if id, ok := w.enqueueJob(probe.KindDatabase, c.Name, "", at, cfg); ok {
				ids = append(ids, id)
			}
			continue
		}
		for _, q := range queries {
			if id, ok := w.enqueueJob(probe.KindDatabase, c.Name, q, at, cfg); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (w *Worker) enqueueJob(kind probe.Kind, target, query string, at time.Time, cfg config.Config) (string, bool) {
	job := &queue.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		TargetName:  target,
		QueryName:   query,
		Priority:    defaultPriority,
		ScheduledAt: at.UTC(),
		Status:      queue.StatusQueued,
		MaxRetries:  cfg.Limits.JobMaxRetries,
	}
	if err := w.queue.Enqueue(job); err != nil {
		w.agg.RecordQueueOverflow()
		w.logger.Warn("enqueue rejected",
			zap.String("target", target),
			zap.Error(err),
		)
		return "", false
	}
	w.persistJob(job, nil)
	return job.ID, true
}

// TriggerAll enqueues an out-of-band batch for every configured target and
// returns the job ids.
func (w *Worker) TriggerAll() []string {
	return w.enqueueAll(time.Now().UTC())
}

// TriggerTarget enqueues out-of-band jobs for one named target.
func (w *Worker) TriggerTarget(name string) ([]string, error) {
	cfg := w.reloader.Current()
	at := time.Now().UTC()
	var ids []string

	for _, e := range cfg.EndpointTargets() {
		if e.Name != name {
			continue
		}
		if id, ok := w.enqueueJob(probe.KindHTTP, e.Name, "", at, cfg); ok {
			ids = append(ids, id)
		}
		return ids, nil
	}
	for _, c := range cfg.ConnectionTargets() {
		if c.Name != name {
			continue
		}
		if len(c.Queries) == 0 {
			if id, ok := w.enqueueJob(probe.KindDatabase, c.Name, "", at, cfg); ok {
				ids = append(ids, id)
			}
			return ids, nil
		}
		for _, q := range c.Queries {
			if id, ok := w.enqueueJob(probe.KindDatabase, c.Name, q, at, cfg); ok {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
}

// CancelJob cancels a queued job. Running jobs are not interrupted; cancelling
// an already-finished or unknown job is a no-op.
func (w *Worker) CancelJob(id string) bool {
	if !w.queue.Cancel(id) {
		return false
	}
	now := time.Now().UTC()
	w.persistJob(&queue.Job{ID: id, Status: queue.StatusCancelled, CompletedAt: &now}, nil)
	return true
}

// RetryJob re-enqueues a terminally failed job with a fresh retry budget.
func (w *Worker) RetryJob(id string) error {
	rec, err := w.store.GetJob(id)
	if err != nil {
		return err
	}
	if rec.Status != queue.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotRetriable, id, rec.Status)
	}
	cfg := w.reloader.Current()
	job := &queue.Job{
		ID:          rec.ID,
		Kind:        probe.Kind(rec.Kind),
		TargetName:  targetOf(rec.Name),
		QueryName:   queryOf(rec.Name),
		Priority:    rec.Priority,
		ScheduledAt: time.Now().UTC(),
		Status:      queue.StatusQueued,
		MaxRetries:  cfg.Limits.JobMaxRetries,
	}
	if err := w.queue.Enqueue(job); err != nil {
		return err
	}
	w.persistJob(job, nil)
	return nil
}

// dispatchLoop pulls ready jobs until ctx is cancelled. Each probe executes
// on probeCtx, which outlives ctx through the drain window.
func (w *Worker) dispatchLoop(ctx, probeCtx context.Context) {
	for {
		job, err := w.queue.DequeueReady(ctx)
		if err != nil {
			return
		}
		w.executeJob(probeCtx, job)
	}
}

func (w *Worker) executeJob(ctx context.Context, job *queue.Job) {
	cfg := w.reloader.Current()
	w.persistJob(job, nil)
	w.agg.RecordProbeStart(job.TargetName, string(job.Kind))

	switch job.Kind {
	case probe.KindHTTP:
		w.executeHTTP(ctx, job, cfg)
	case probe.KindDatabase:
		w.executeSQL(ctx, job, cfg)
	default:
		w.failPermanent(job, fmt.Sprintf("unknown job kind %q", job.Kind))
	}
}

func (w *Worker) executeHTTP(ctx context.Context, job *queue.Job, cfg config.Config) {
	var target probe.EndpointTarget
	found := false
	for _, e := range cfg.EndpointTargets() {
		if e.Name == job.TargetName {
			target, found = e, true
			break
		}
	}
	if !found {
		// Target removed by a reload between enqueue and dispatch.
		w.failPermanent(job, fmt.Sprintf("endpoint %q no longer configured", job.TargetName))
		return
	}

	ceiling := 2 * w.httpExec.EffectiveTimeout(target)
	release, err := w.gov.Acquire(ctx, governor.ClassHTTP, ceiling)
	if err != nil {
		w.handleAcquireFailure(ctx, job, cfg, err)
		return
	}
	defer release()

	out := w.httpExec.Execute(ctx, target)
	if out.Err != nil && out.Err.Kind == probe.ErrKindCancelled {
		w.cancelInFlight(job)
		return
	}

	cls := probe.ClassifyHTTP(out, target)
	rec := store.ResultRecord{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		TargetID:   job.TargetName,
		TargetName: job.TargetName,
		Status:     string(cls.Status),
		Message:    cls.Message,
		DurationMS: out.Elapsed.Milliseconds(),
		Provider:   "http",
		Timestamp:  time.Now().UTC(),
	}
	if out.Err == nil {
		rec.RawValue = fmt.Sprintf("%d", out.StatusCode)
	}
	w.finishJob(job, cfg, rec, cls, out.Elapsed, errKindOf(out.Err), fanout.KindHTTP)
}

func (w *Worker) executeSQL(ctx context.Context, job *queue.Job, cfg config.Config) {
	var target probe.ConnectionTarget
	found := false
	for _, c := range cfg.ConnectionTargets() {
		if c.Name == job.TargetName {
			target, found = c, true
			break
		}
	}
	if !found {
		w.failPermanent(job, fmt.Sprintf("connection %q no longer configured", job.TargetName))
		return
	}

	var query probe.QueryDefinition
	if job.QueryName != "" {
		q, ok := cfg.QueryByName(job.QueryName)
		if !ok {
			w.failPermanent(job, fmt.Sprintf("query %q no longer configured", job.QueryName))
			return
		}
		query = q
	} else {
		// Bare connectivity check.
		query = probe.QueryDefinition{Name: "connectivity", SQL: "SELECT 1", Kind: probe.ResultScalar}
	}

	timeout := query.Timeout
	if timeout <= 0 {
		timeout = target.CommandTimeout
	}
	if timeout <= 0 {
		timeout = cfg.Limits.DefaultTimeout()
	}
	release, err := w.gov.Acquire(ctx, governor.ClassDB, 2*timeout)
	if err != nil {
		w.handleAcquireFailure(ctx, job, cfg, err)
		return
	}
	defer release()

	if target.Serialize {
		unlock := w.gov.LockTarget(target.Name)
		defer unlock()
	}

	out := w.sqlExec.Execute(ctx, target, query)
	if out.Err != nil && out.Err.Kind == probe.ErrKindCancelled {
		w.cancelInFlight(job)
		return
	}

	cls := probe.ClassifySQL(out, query)
	rec := store.ResultRecord{
		ID:            uuid.NewString(),
		JobID:         job.ID,
		TargetID:      job.TargetName,
		QueryID:       job.QueryName,
		TargetName:    job.TargetName,
		QueryName:     job.QueryName,
		Status:        string(cls.Status),
		Message:       cls.Message,
		RawValue:      out.RawValue(),
		DurationMS:    out.Elapsed.Milliseconds(),
		Provider:      target.Driver,
		Environment:   target.Environment,
		ServerVersion: out.ServerVersion,
		DatabaseName:  out.DatabaseName,
		Timestamp:     time.Now().UTC(),
	}
	w.finishJob(job, cfg, rec, cls, out.Elapsed, errKindOf(out.Err), fanout.KindDatabase)
}

// finishJob applies the retry decision and delivers the attempt's result in
// order: metrics, event fan-out, durable write. Every attempt produces a
// result row; a retried failure keeps the job row non-terminal.
func (w *Worker) finishJob(job *queue.Job, cfg config.Config, rec store.ResultRecord, cls probe.Classification, elapsed time.Duration, errKind probe.ErrorKind, eventKind string) {
	retrying := errKind != "" && errKind.Retriable() && job.RetryCount < job.MaxRetries
	if retrying {
		job.RetryCount++
		policy := queue.BackoffPolicy{Base: cfg.Limits.RetryBaseBackoff(), Max: cfg.Limits.RetryMaxBackoff()}
		w.queue.RequeueWithBackoff(job, job.RetryCount, policy)
	} else {
		now := time.Now().UTC()
		job.CompletedAt = &now
		job.ResultStatus = cls.Status
		job.ResultMessage = cls.Message
		if errKind != "" {
			job.Status = queue.StatusFailed
		} else {
			job.Status = queue.StatusCompleted
		}
	}

	w.agg.RecordResult(job.TargetName, string(job.Kind), string(cls.Status), elapsed)
	w.bus.Publish(fanout.NewEvent(eventKind, rec))
	w.persistJob(job, &rec)

	if retrying {
		w.logger.Info("probe failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.String("target", job.TargetName),
			zap.Int("attempt", job.RetryCount),
			zap.String("error_kind", string(errKind)),
		)
	}
}

// handleAcquireFailure treats slot exhaustion as a retriable failure; a
// cancelled context abandons the job as cancelled.
func (w *Worker) handleAcquireFailure(ctx context.Context, job *queue.Job, cfg config.Config, err error) {
	if ctx.Err() != nil {
		w.cancelInFlight(job)
		return
	}
	if errors.Is(err, governor.ErrResourceExhausted) && job.RetryCount < job.MaxRetries {
		job.RetryCount++
		policy := queue.BackoffPolicy{Base: cfg.Limits.RetryBaseBackoff(), Max: cfg.Limits.RetryMaxBackoff()}
		w.queue.RequeueWithBackoff(job, job.RetryCount, policy)
		w.emitError(job, "resource slots exhausted", time.Now().UTC())
		return
	}
	w.failPermanent(job, "resource slots exhausted")
}

// cancelInFlight marks an interrupted job cancelled. No result row, no event,
// no result metric.
func (w *Worker) cancelInFlight(job *queue.Job) {
	now := time.Now().UTC()
	job.Status = queue.StatusCancelled
	job.CompletedAt = &now
	w.persistJob(job, nil)
}

// failPermanent ends a job that cannot produce a probe outcome (slot
// exhaustion after retries, target removed by a reload, unknown kind). The
// terminal Error still flows through metrics, fan-out, and the result store.
func (w *Worker) failPermanent(job *queue.Job, message string) {
	now := time.Now().UTC()
	job.Status = queue.StatusFailed
	job.CompletedAt = &now
	job.ResultStatus = probe.StatusError
	job.ResultMessage = message

	w.emitError(job, message, now)
	w.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("target", job.TargetName),
		zap.String("reason", message),
	)
}

// emitError delivers a synthetic Error result for an attempt that produced no
// probe outcome, in the usual order: metrics, fan-out, durable write.
func (w *Worker) emitError(job *queue.Job, message string, at time.Time) {
	rec := store.ResultRecord{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		TargetID:   job.TargetName,
		QueryID:    job.QueryName,
		TargetName: job.TargetName,
		QueryName:  job.QueryName,
		Status:     string(probe.StatusError),
		Message:    message,
		Timestamp:  at,
	}
	w.agg.RecordResult(job.TargetName, string(job.Kind), string(probe.StatusError), 0)
	w.bus.Publish(fanout.NewEvent(eventKindFor(job.Kind), rec))
	w.persistJob(job, &rec)
}

func eventKindFor(kind probe.Kind) string {
	if kind == probe.KindDatabase {
		return fanout.KindDatabase
	}
	return fanout.KindHTTP
}

// persistJob writes the durable job mirror; terminal states with a result ride
// the batched writer so row and result commit together.
func (w *Worker) persistJob(job *queue.Job, rec *store.ResultRecord) {
	jr := toRecord(job, w.instanceID)
	if rec != nil {
		if err := w.writer.Enqueue(store.Entry{Result: rec, Job: &jr}); err != nil {
			w.logger.Warn("writer rejected entry", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}
	if err := w.store.WriteJobState(jr); err != nil {
		w.logger.Warn("persist job state", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if err := w.store.Heartbeat(w.instanceID, now); err != nil {
				w.logger.Warn("heartbeat write failed", zap.Error(err))
				continue
			}
			w.agg.RecordHeartbeat()
			w.dumpMetrics(now)
		}
	}
}

// dumpMetrics appends the counter snapshot to worker_metrics alongside each
// heartbeat.
func (w *Worker) dumpMetrics(at time.Time) {
	snap := w.agg.Snapshot()
	rows := make([]store.MetricRow, 0, len(snap.Counters))
	for key, value := range snap.Counters {
		rows = append(rows, store.MetricRow{
			InstanceID: w.instanceID,
			Kind:       "counter",
			Name:       key,
			Value:      value,
			Timestamp:  at,
		})
	}
	if err := w.store.AppendMetrics(rows); err != nil {
		w.logger.Warn("metrics dump failed", zap.Error(err))
	}
}

func (w *Worker) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			retention := w.reloader.Current().Limits.DataRetention()
			if err := w.store.PruneOlderThan(retention); err != nil {
				w.logger.Warn("retention prune failed", zap.Error(err))
			}
		}
	}
}

func errKindOf(err *probe.Error) probe.ErrorKind {
	if err == nil {
		return ""
	}
	return err.Kind
}

func toRecord(job *queue.Job, instanceID string) store.JobRecord {
	rec := store.JobRecord{
		ID:            job.ID,
		InstanceID:    instanceID,
		Kind:          string(job.Kind),
		Name:          jobName(job),
		Status:        job.Status,
		Priority:      job.Priority,
		ScheduledAt:   job.ScheduledAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		ResultStatus:  string(job.ResultStatus),
		ResultMessage: job.ResultMessage,
		RetryCount:    job.RetryCount,
		MaxRetries:    job.MaxRetries,
		NextRetryAt:   job.NextRetryAt,
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		ms := job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
		rec.DurationMS = &ms
	}
	return rec
}

// jobName encodes target and query into the durable name column as
// "target" or "target/query".
func jobName(job *queue.Job) string {
	if job.QueryName == "" {
		return job.TargetName
	}
	return job.TargetName + "/" + job.QueryName
}

func targetOf(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return name[:i]
		}
	}
	return name
}

func queryOf(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return ""
}

func locationOf(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
