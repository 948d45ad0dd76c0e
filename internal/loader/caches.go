package loader

import (
	"errors"
	"fmt"

	"github.com/wftrace/wftrace/internal/storage"
)

type jobKey struct {
	wfID      int64
	execJobID string
}

type instanceKey struct {
	jobID     int64
	submitSeq int
}

type taskKey struct {
	wfID      int64
	absTaskID string
}

type lfnKey struct {
	wfID int64
	lfn  string
}

type hostKey struct {
	wfID     int64
	site     string
	hostname string
	ip       string
}

// lookupCaches memoizes natural-key to surrogate-id resolution so the hot
// path does not hit the database for every event. Entries for a workflow
// are purged once its terminal state event has been committed; a late
// event for a purged workflow simply re-populates the cache from the
// database.
type lookupCaches struct {
	wfID          map[string]int64
	rootWfID      map[string]int64
	jobID         map[jobKey]int64
	jobInstanceID map[instanceKey]int64
	taskID        map[taskKey]int64
	lfnID         map[lfnKey]int64

	// hostMapped records job instances whose host_id is already set, so
	// redundant host events for the same instance become no-ops.
	hostMapped map[instanceKey]bool

	// hostsWritten is seeded lazily from the host table on the first host
	// event and tracks which host rows exist. nil until seeded.
	hostsWritten map[hostKey]bool
}

func newLookupCaches() *lookupCaches {
	return &lookupCaches{
		wfID:          make(map[string]int64),
		rootWfID:      make(map[string]int64),
		jobID:         make(map[jobKey]int64),
		jobInstanceID: make(map[instanceKey]int64),
		taskID:        make(map[taskKey]int64),
		lfnID:         make(map[lfnKey]int64),
		hostMapped:    make(map[instanceKey]bool),
	}
}

// purge drops every entry belonging to the given workflow. Calling it for
// a workflow with no cached entries is a no-op, so it is safe to purge
// twice for the same terminal event.
func (c *lookupCaches) purge(wfUUID string, wfID int64) {
	delete(c.wfID, wfUUID)
	delete(c.rootWfID, wfUUID)

	wfJobs := make(map[int64]bool)
	for k, id := range c.jobID {
		if k.wfID == wfID {
			wfJobs[id] = true
			delete(c.jobID, k)
		}
	}
	for k := range c.jobInstanceID {
		if wfJobs[k.jobID] {
			delete(c.jobInstanceID, k)
		}
	}
	for k := range c.hostMapped {
		if wfJobs[k.jobID] {
			delete(c.hostMapped, k)
		}
	}
	for k := range c.taskID {
		if k.wfID == wfID {
			delete(c.taskID, k)
		}
	}
	for k := range c.lfnID {
		if k.wfID == wfID {
			delete(c.lfnID, k)
		}
	}
}

// workflowID resolves a workflow UUID to its surrogate id.
func (l *Loader) workflowID(wfUUID string) (int64, error) {
	if id, ok := l.caches.wfID[wfUUID]; ok {
		return id, nil
	}

	var rows []storage.WorkflowModel
	if err := l.db.DB.Where("wf_uuid = ?", wfUUID).Limit(2).Find(&rows).Error; err != nil {
		return 0, err
	}
	switch len(rows) {
	case 0:
		return 0, fmt.Errorf("workflow %s: %w", wfUUID, storage.ErrNotFound)
	case 1:
		l.caches.wfID[wfUUID] = rows[0].ID
		return rows[0].ID, nil
	default:
		return 0, fmt.Errorf("workflow %s: %w", wfUUID, storage.ErrAmbiguous)
	}
}

// rootWorkflowID resolves a workflow UUID to the id of the root of its
// workflow tree. Host rows attach to the root so sub-workflows share them.
func (l *Loader) rootWorkflowID(wfUUID string) (int64, error) {
	if id, ok := l.caches.rootWfID[wfUUID]; ok {
		return id, nil
	}

	var rows []storage.WorkflowModel
	if err := l.db.DB.Where("wf_uuid = ?", wfUUID).Limit(2).Find(&rows).Error; err != nil {
		return 0, err
	}
	switch len(rows) {
	case 0:
		return 0, fmt.Errorf("workflow %s: %w", wfUUID, storage.ErrNotFound)
	case 1:
		l.caches.rootWfID[wfUUID] = rows[0].RootWfID
		return rows[0].RootWfID, nil
	default:
		return 0, fmt.Errorf("workflow %s: %w", wfUUID, storage.ErrAmbiguous)
	}
}

// jobID resolves (workflow id, exec job id) to the static job row id.
func (l *Loader) jobID(wfID int64, execJobID string) (int64, error) {
	key := jobKey{wfID: wfID, execJobID: execJobID}
	if id, ok := l.caches.jobID[key]; ok {
		return id, nil
	}

	var rows []storage.JobModel
	if err := l.db.DB.Where("wf_id = ? AND exec_job_id = ?", wfID, execJobID).Limit(2).Find(&rows).Error; err != nil {
		return 0, err
	}
	switch len(rows) {
	case 0:
		return 0, fmt.Errorf("job %d/%s: %w", wfID, execJobID, storage.ErrNotFound)
	case 1:
		l.caches.jobID[key] = rows[0].ID
		return rows[0].ID, nil
	default:
		return 0, fmt.Errorf("job %d/%s: %w", wfID, execJobID, storage.ErrAmbiguous)
	}
}

// jobInstanceID resolves (job id, submit sequence) to the attempt row id.
func (l *Loader) jobInstanceID(jobID int64, submitSeq int) (int64, error) {
	key := instanceKey{jobID: jobID, submitSeq: submitSeq}
	if id, ok := l.caches.jobInstanceID[key]; ok {
		return id, nil
	}

	var rows []storage.JobInstanceModel
	if err := l.db.DB.Where("job_id = ? AND job_submit_seq = ?", jobID, submitSeq).Limit(2).Find(&rows).Error; err != nil {
		return 0, err
	}
	switch len(rows) {
	case 0:
		return 0, fmt.Errorf("job instance %d/%d: %w", jobID, submitSeq, storage.ErrNotFound)
	case 1:
		l.caches.jobInstanceID[key] = rows[0].ID
		return rows[0].ID, nil
	default:
		return 0, fmt.Errorf("job instance %d/%d: %w", jobID, submitSeq, storage.ErrAmbiguous)
	}
}

// taskID resolves (workflow id, abstract task id) to the task row id.
func (l *Loader) taskID(wfID int64, absTaskID string) (int64, error) {
	key := taskKey{wfID: wfID, absTaskID: absTaskID}
	if id, ok := l.caches.taskID[key]; ok {
		return id, nil
	}

	var rows []storage.TaskModel
	if err := l.db.DB.Where("wf_id = ? AND abs_task_id = ?", wfID, absTaskID).Limit(2).Find(&rows).Error; err != nil {
		return 0, err
	}
	switch len(rows) {
	case 0:
		return 0, fmt.Errorf("task %d/%s: %w", wfID, absTaskID, storage.ErrNotFound)
	case 1:
		l.caches.taskID[key] = rows[0].ID
		return rows[0].ID, nil
	default:
		return 0, fmt.Errorf("task %d/%s: %w", wfID, absTaskID, storage.ErrAmbiguous)
	}
}

// lfnID resolves a logical file name to its row id, inserting the row on
// first sight. The file table is global; the cache key carries the
// workflow id only so the entry can be purged with its workflow.
func (l *Loader) lfnID(wfID int64, lfn string) (int64, error) {
	key := lfnKey{wfID: wfID, lfn: lfn}
	if id, ok := l.caches.lfnID[key]; ok {
		return id, nil
	}

	id, err := l.queryLFNID(lfn)
	if err == nil {
		l.caches.lfnID[key] = id
		return id, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}

	file := storage.FileModel{LFN: lfn}
	if err := l.db.DB.Create(&file).Error; err != nil {
		if !storage.IsDuplicate(err) {
			return 0, err
		}
		// lost a race with another insert, the row is there now
		if file.ID, err = l.queryLFNID(lfn); err != nil {
			return 0, err
		}
	}
	l.caches.lfnID[key] = file.ID
	return file.ID, nil
}

func (l *Loader) queryLFNID(lfn string) (int64, error) {
	var rows []storage.FileModel
	if err := l.db.DB.Where("lfn = ?", lfn).Limit(2).Find(&rows).Error; err != nil {
		return 0, err
	}
	switch len(rows) {
	case 0:
		return 0, storage.ErrNotFound
	case 1:
		return rows[0].ID, nil
	default:
		return 0, fmt.Errorf("lfn %s: %w", lfn, storage.ErrAmbiguous)
	}
}
