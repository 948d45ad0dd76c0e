package loader

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wftrace/wftrace/internal/storage"
)

// hardFlush commits the queued rows. The happy path is one transaction
// for all inserts and updates; a constraint violation anywhere in it
// rolls the transaction back and the batch is re-committed row by row so
// every good row still lands and exactly the offending rows are logged
// and dropped. Connection failures reconnect and retry the whole batch,
// bounded by the retry ceiling.
//
// Host-to-instance mappings run after the main commit, because they
// query the host rows the batch just created. Cache purges for finished
// workflows run last.
func (l *Loader) hardFlush() error {
	if !l.cfg.Batch {
		return nil
	}
	if l.queuedRows() == 0 && len(l.purges) == 0 {
		l.resetFlushState()
		return nil
	}

	logger.Debugf("Hard flush: inserts=%d updates=%d host_fixups=%d",
		len(l.inserts), len(l.updates), len(l.hostFixups))

	for attempt := 1; ; attempt++ {
		if attempt > l.cfg.MaxRetries {
			return fmt.Errorf("retries exhausted flushing batch of %d rows", l.queuedRows())
		}

		err := l.commitBatch()
		if err == nil {
			break
		}
		if storage.IsDuplicate(err) {
			logger.Errorf("Constraint violation on batch flush, committing per-row: %v", err)
			if err := l.commitPerRow(); err != nil {
				if storage.IsConnectionFailure(err) {
					l.reconnect(attempt)
					continue
				}
				return err
			}
			break
		}
		if storage.IsConnectionFailure(err) {
			logger.Warnf("Connection problem during flush, reconnecting (attempt %d)", attempt)
			l.reconnect(attempt)
			continue
		}
		return fmt.Errorf("batch flush failed: %w", err)
	}

	// mapping errors are logged inside; a failed mapping is not worth
	// failing the flush that already committed
	for _, e := range l.hostFixups {
		if err := l.mapHostToInstance(e); err != nil {
			logger.Errorf("Host mapping failed after flush: %v", err)
		}
	}

	for _, p := range l.purges {
		l.caches.purge(p.wfUUID, p.wfID)
		delete(l.taskMapFlushed, p.wfUUID)
		delete(l.taskEdgeFlushed, p.wfUUID)
	}

	l.inserts = nil
	l.updates = nil
	l.hostFixups = nil
	l.purges = nil
	l.resetFlushState()

	logger.Debug("Hard flush end")
	return nil
}

// commitBatch writes every queued row in one transaction.
func (l *Loader) commitBatch() error {
	return l.db.DB.Transaction(func(tx *gorm.DB) error {
		for _, model := range l.inserts {
			if err := tx.Create(model).Error; err != nil {
				return err
			}
		}
		for _, u := range l.updates {
			if err := tx.Model(u.model).Where("id = ?", u.id).Updates(u.fields).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// commitPerRow is the fallback after a constraint violation: each row in
// its own transaction, so one bad row only costs itself. Constraint
// violations are logged and skipped; any other error aborts.
func (l *Loader) commitPerRow() error {
	for _, model := range l.inserts {
		if err := l.db.DB.Create(model).Error; err != nil {
			if storage.IsDuplicate(err) {
				logger.Errorf("Dropping duplicate row %T: %v", model, err)
				continue
			}
			return err
		}
	}
	for _, u := range l.updates {
		if err := l.db.DB.Model(u.model).Where("id = ?", u.id).Updates(u.fields).Error; err != nil {
			if storage.IsDuplicate(err) {
				logger.Errorf("Dropping conflicting update of %T id=%d: %v", u.model, u.id, err)
				continue
			}
			return err
		}
	}
	return nil
}

func (l *Loader) resetFlushState() {
	l.eventsSinceFlush = 0
	l.lastFlush = time.Now()
}
