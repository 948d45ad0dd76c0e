package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/wftrace/wftrace/internal/log"
	"github.com/wftrace/wftrace/internal/retry"
	"github.com/wftrace/wftrace/internal/storage"
	"github.com/wftrace/wftrace/pkg/events"
)

var logger = log.GetLogger()

// Config holds the loader's operational knobs.
type Config struct {
	// Batch selects batched mode: handlers enqueue rows and the queues
	// are flushed on thresholds and barrier events. When false every
	// handler commits synchronously.
	Batch bool

	// FlushEvery is the number of processed events between flushes in
	// batched mode.
	FlushEvery int

	// FlushInterval flushes the queues when this much wall-clock time
	// has passed since the last flush, regardless of queue size.
	FlushInterval time.Duration

	// MaxQueued is a hard cap on the total number of queued rows. A
	// producer that never hits a barrier event cannot grow the queues
	// past it; exceeding the cap forces a flush. Zero disables the cap.
	MaxQueued int

	// MaxRetries bounds reconnect-and-retry attempts for connection
	// failures. The budget applies per Process or Flush call.
	MaxRetries int
}

// DefaultConfig returns the production defaults: batched mode, flush
// every 1000 events or 30 seconds, 100000 queued rows hard cap.
func DefaultConfig() Config {
	return Config{
		Batch:         true,
		FlushEvery:    1000,
		FlushInterval: 30 * time.Second,
		MaxQueued:     100000,
		MaxRetries:    10,
	}
}

// rowUpdate is one queued in-place update of an existing row.
type rowUpdate struct {
	model  any
	id     int64
	fields map[string]any
}

// purgeRef identifies a workflow whose caches must be dropped once its
// terminal state row has been committed.
type purgeRef struct {
	wfUUID string
	wfID   int64
}

// Loader consumes the totally ordered event stream and persists it. It is
// single-writer: one Loader owns its queues and caches and must not be
// shared across goroutines.
type Loader struct {
	cfg    Config
	dbcfg  *storage.Config
	db     *storage.DB
	caches *lookupCaches

	backoff retry.Strategy

	inserts    []any
	updates    []rowUpdate
	hostFixups []*events.Event
	purges     []purgeRef

	eventsSinceFlush int
	lastFlush        time.Time

	// per-workflow one-shot flush barriers before the first task map or
	// task edge event, so the task rows they reference are committed
	taskMapFlushed  map[string]bool
	taskEdgeFlushed map[string]bool
}

// New opens the database and returns a ready loader.
func New(cfg Config, dbcfg *storage.Config) (*Loader, error) {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}

	db, err := storage.NewDB(dbcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Loader{
		cfg:             cfg,
		dbcfg:           dbcfg,
		db:              db,
		caches:          newLookupCaches(),
		backoff:         retry.DefaultExponentialBackoff(),
		lastFlush:       time.Now(),
		taskMapFlushed:  make(map[string]bool),
		taskEdgeFlushed: make(map[string]bool),
	}, nil
}

// NewWithDB wraps an already-open database. Used by tests and callers
// that manage the connection themselves.
func NewWithDB(cfg Config, db *storage.DB) *Loader {
	l := &Loader{
		cfg:             cfg,
		db:              db,
		caches:          newLookupCaches(),
		backoff:         retry.DefaultExponentialBackoff(),
		lastFlush:       time.Now(),
		taskMapFlushed:  make(map[string]bool),
		taskEdgeFlushed: make(map[string]bool),
	}
	if l.cfg.FlushEvery <= 0 {
		l.cfg.FlushEvery = 1000
	}
	if l.cfg.FlushInterval <= 0 {
		l.cfg.FlushInterval = 30 * time.Second
	}
	if l.cfg.MaxRetries <= 0 {
		l.cfg.MaxRetries = 10
	}
	return l
}

// Process dispatches one event to its handler and persists the result.
//
// Constraint violations and failed lookups are logged and the event is
// skipped; the stream keeps flowing. Connection failures trigger a
// reconnect and a bounded retry of the same event; only an exhausted
// retry budget is returned as an error, and the caller should treat it
// as fatal.
func (l *Loader) Process(e *events.Event) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if attempt > l.cfg.MaxRetries {
			return fmt.Errorf("retries exhausted processing %s event: %w", e.Name, lastErr)
		}

		err := l.dispatch(e)
		if err == nil {
			break
		}
		if storage.IsConnectionFailure(err) {
			logger.Warnf("Connection seemingly lost processing %s, reconnecting (attempt %d)", e.Name, attempt)
			lastErr = err
			l.reconnect(attempt)
			continue
		}
		if storage.IsDuplicate(err) {
			logger.Errorf("Insert failed for %s event: %v", e.Name, err)
			break
		}
		logger.Errorf("Error processing %s event: %v", e.Name, err)
		break
	}

	return l.checkFlush()
}

// Flush forces a flush of the queued rows. It is a no-op in immediate
// mode. Intended for shutdown and for callers draining a finished stream.
func (l *Loader) Flush() error {
	return l.hardFlush()
}

// Close flushes pending work and releases the database connection.
func (l *Loader) Close() error {
	if err := l.hardFlush(); err != nil {
		logger.Errorf("Final flush failed: %v", err)
	}
	return l.db.Close()
}

// dispatch routes one event to its handler.
func (l *Loader) dispatch(e *events.Event) error {
	switch e.Kind {
	case events.KindWorkflowPlan:
		return l.handleWorkflow(e)
	case events.KindWorkflowStart, events.KindWorkflowEnd:
		return l.handleWorkflowState(e)
	case events.KindWorkflowMeta:
		return l.handleWorkflowMeta(e)
	case events.KindSubworkflowMap:
		return l.handleSubworkflowMap(e)

	case events.KindStaticStart, events.KindStaticMetaEnd, events.KindTaskMonitoring,
		events.KindGridSubmitStart, events.KindGlobusSubmitStart, events.KindInvocationStart:
		// intentionally ignored
		return nil
	case events.KindStaticEnd, events.KindStaticMetaStart:
		// barriers: everything queued before this point must be visible
		// to the lookups that follow
		return l.hardFlush()

	case events.KindTaskInfo:
		return l.handleTask(e)
	case events.KindTaskEdge:
		return l.handleTaskEdge(e)
	case events.KindTaskMap:
		return l.handleTaskMap(e)
	case events.KindTaskMeta:
		return l.handleTaskMeta(e)
	case events.KindJobInfo:
		return l.handleJob(e)
	case events.KindJobEdge:
		return l.handleJobEdge(e)

	case events.KindSubmitStart, events.KindPreScriptStart,
		events.KindMainEnd, events.KindPostScriptEnd:
		return l.handleJobInstance(e)
	case events.KindPreScriptTerm, events.KindPreScriptEnd,
		events.KindSubmitEnd, events.KindGridSubmitEnd, events.KindGlobusSubmitEnd,
		events.KindHeldStart, events.KindHeldEnd,
		events.KindMainStart, events.KindMainTerm,
		events.KindPostScriptStart, events.KindPostScriptTerm,
		events.KindImageInfo, events.KindAbortInfo,
		events.KindJobInstanceGeneric:
		return l.handleJobstate(e)
	case events.KindHostInfo:
		return l.handleHost(e)
	case events.KindTag:
		return l.handleTag(e)

	case events.KindInvocationEnd:
		return l.handleInvocation(e)
	case events.KindIntegrityMetric:
		return l.handleIntegrity(e)

	case events.KindFileMeta:
		return l.handleFileMeta(e)
	case events.KindFilePFN:
		return l.handleFilePFN(e)
	case events.KindWorkflowFileMap:
		return l.handleWorkflowFileMap(e)
	}

	logger.Errorf("No handler for event type %q", e.Name)
	return nil
}

// checkFlush flushes the queues when a threshold is crossed: the event
// count since the last flush, the wall-clock interval, or the hard cap
// on queued rows.
func (l *Loader) checkFlush() error {
	if !l.cfg.Batch {
		return nil
	}
	l.eventsSinceFlush++

	switch {
	case l.eventsSinceFlush >= l.cfg.FlushEvery:
	case time.Since(l.lastFlush) >= l.cfg.FlushInterval:
	case l.cfg.MaxQueued > 0 && l.queuedRows() >= l.cfg.MaxQueued:
	default:
		return nil
	}
	return l.hardFlush()
}

func (l *Loader) queuedRows() int {
	return len(l.inserts) + len(l.updates) + len(l.hostFixups)
}

// reconnect re-establishes the database connection, backing off before
// the attempt. Failures are logged; the caller's retry loop bounds how
// often this runs.
func (l *Loader) reconnect(attempt int) {
	time.Sleep(l.backoff.NextDelay(attempt))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.db.Ping(ctx); err == nil {
		return
	}

	if l.dbcfg == nil {
		logger.Error("Connection lost and no config to reconnect with")
		return
	}
	if err := l.db.Close(); err != nil {
		logger.Warnf("Error closing stale connection: %v", err)
	}
	db, err := storage.NewDB(l.dbcfg)
	if err != nil {
		logger.Errorf("Reconnect failed: %v", err)
		return
	}
	l.db = db
	logger.Info("Database connection re-established")
}

// queueInsert enqueues a new row in batched mode or writes it through
// immediately.
func (l *Loader) queueInsert(model any) error {
	if l.cfg.Batch {
		l.inserts = append(l.inserts, model)
		return nil
	}
	return l.db.DB.Create(model).Error
}

// queueUpdate enqueues an in-place update in batched mode or applies it
// immediately.
func (l *Loader) queueUpdate(model any, id int64, fields map[string]any) error {
	if l.cfg.Batch {
		l.updates = append(l.updates, rowUpdate{model: model, id: id, fields: fields})
		return nil
	}
	return l.db.DB.Model(model).Where("id = ?", id).Updates(fields).Error
}
