package loader

import (
	"strings"

	"gorm.io/gorm/clause"

	"github.com/wftrace/wftrace/internal/storage"
	"github.com/wftrace/wftrace/pkg/events"
)

// handleWorkflow inserts the workflow row. The insert is always written
// through, even in batched mode, because nearly every later event needs
// the surrogate id this row gets on insert.
func (l *Loader) handleWorkflow(e *events.Event) error {
	wf := storage.WorkflowModel{
		WfUUID:         e.WorkflowUUID,
		DAGFileName:    e.DAGFileName,
		Timestamp:      e.Timestamp,
		SubmitHostname: e.SubmitHostname,
		SubmitDir:      e.SubmitDir,
		PlannerArgs:    e.PlannerArgs,
		User:           e.User,
		GridDN:         e.GridDN,
		PlannerVersion: e.PlannerVersion,
		DAXLabel:       e.DAXLabel,
		DAXVersion:     e.DAXVersion,
		DAXFile:        e.DAXFile,
	}

	isRoot := e.RootUUID == "" || e.RootUUID == e.WorkflowUUID
	if !isRoot {
		rootID, err := l.workflowID(e.RootUUID)
		if err != nil {
			if storage.IsConnectionFailure(err) {
				return err
			}
			logger.Warnf("Could not determine root workflow for %s: %v", e.WorkflowUUID, err)
		} else {
			wf.RootWfID = rootID
		}
	}
	if e.ParentUUID != "" {
		parentID, err := l.workflowID(e.ParentUUID)
		if err != nil {
			if storage.IsConnectionFailure(err) {
				return err
			}
			logger.Warnf("Could not determine parent workflow for %s: %v", e.WorkflowUUID, err)
		} else {
			wf.ParentWfID = &parentID
		}
	}

	if err := l.db.DB.Create(&wf).Error; err != nil {
		return err
	}
	l.caches.wfID[e.WorkflowUUID] = wf.ID

	// a root workflow points at itself; the id only exists after insert
	if isRoot {
		if err := l.db.DB.Model(&wf).Update("root_wf_id", wf.ID).Error; err != nil {
			return err
		}
		wf.RootWfID = wf.ID
	}
	l.caches.rootWfID[e.WorkflowUUID] = wf.RootWfID
	return nil
}

// handleWorkflowState appends to the workflow state log. The terminal
// event is also the barrier that purges the workflow's cache entries,
// after the row has been committed.
func (l *Loader) handleWorkflowState(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("workflow state", err)
	}

	state := "WORKFLOW_STARTED"
	if e.Kind == events.KindWorkflowEnd {
		state = "WORKFLOW_TERMINATED"
	}

	wfs := storage.WorkflowStateModel{
		WfID:      wfID,
		State:     state,
		Timestamp: e.Timestamp,
		Status:    e.Status,
	}
	if e.RestartCount != nil {
		wfs.RestartCount = *e.RestartCount
	}

	if l.cfg.Batch {
		l.inserts = append(l.inserts, &wfs)
		if e.TerminalWorkflowEvent() {
			l.purges = append(l.purges, purgeRef{wfUUID: e.WorkflowUUID, wfID: wfID})
		}
		return nil
	}

	if err := l.db.DB.Create(&wfs).Error; err != nil {
		return err
	}
	if e.TerminalWorkflowEvent() {
		l.caches.purge(e.WorkflowUUID, wfID)
		delete(l.taskMapFlushed, e.WorkflowUUID)
		delete(l.taskEdgeFlushed, e.WorkflowUUID)
	}
	return nil
}

func (l *Loader) handleWorkflowMeta(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("workflow meta", err)
	}
	return l.queueInsert(&storage.WorkflowMetaModel{
		WfID:  wfID,
		Key:   e.Key,
		Value: e.Value,
	})
}

func (l *Loader) handleJob(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("job", err)
	}

	job := storage.JobModel{
		WfID:       wfID,
		ExecJobID:  e.ExecJobID,
		SubmitFile: e.SubmitFile,
		TypeDesc:   e.JobType,
		Executable: e.Executable,
		Argv:       e.Argv,
	}
	if e.Clustered != nil {
		job.Clustered = *e.Clustered
	}
	if e.MaxRetries != nil {
		job.MaxRetries = *e.MaxRetries
	}
	if e.TaskCount != nil {
		job.TaskCount = *e.TaskCount
	}
	return l.queueInsert(&job)
}

func (l *Loader) handleJobEdge(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("job edge", err)
	}
	return l.queueInsert(&storage.JobEdgeModel{
		WfID:            wfID,
		ParentExecJobID: e.ParentExecJobID,
		ChildExecJobID:  e.ChildExecJobID,
	})
}

func (l *Loader) handleTask(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("task", err)
	}
	return l.queueInsert(&storage.TaskModel{
		WfID:           wfID,
		AbsTaskID:      e.AbsTaskID,
		Transformation: e.Transformation,
		Argv:           e.Argv,
		TypeDesc:       e.JobType,
	})
}

func (l *Loader) handleTaskEdge(e *events.Event) error {
	// flush once per workflow so the task rows referenced by the edges
	// are committed before anything queries them
	if !l.taskEdgeFlushed[e.WorkflowUUID] {
		if err := l.hardFlush(); err != nil {
			return err
		}
		l.taskEdgeFlushed[e.WorkflowUUID] = true
	}

	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("task edge", err)
	}
	return l.queueInsert(&storage.TaskEdgeModel{
		WfID:            wfID,
		ParentAbsTaskID: e.ParentAbsTaskID,
		ChildAbsTaskID:  e.ChildAbsTaskID,
	})
}

// handleTaskMap points a task row at the job that will run it. The first
// map event for a workflow forces a flush so the queued job rows exist.
func (l *Loader) handleTaskMap(e *events.Event) error {
	if !l.taskMapFlushed[e.WorkflowUUID] {
		if err := l.hardFlush(); err != nil {
			return err
		}
		l.taskMapFlushed[e.WorkflowUUID] = true
	}

	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("task map", err)
	}
	jobID, err := l.jobID(wfID, e.ExecJobID)
	if err != nil {
		return skipOnLookupFailure("task map", err)
	}
	taskID, err := l.taskID(wfID, e.AbsTaskID)
	if err != nil {
		return skipOnLookupFailure("task map", err)
	}

	return l.db.DB.Model(&storage.TaskModel{}).Where("id = ?", taskID).
		Update("job_id", jobID).Error
}

func (l *Loader) handleTaskMeta(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("task meta", err)
	}
	taskID, err := l.taskID(wfID, e.AbsTaskID)
	if err != nil {
		return skipOnLookupFailure("task meta", err)
	}
	return l.queueInsert(&storage.TaskMetaModel{
		TaskID: taskID,
		Key:    e.Key,
		Value:  e.Value,
	})
}

// handleJobInstance creates the attempt row when its submit phase is
// first seen and updates it in place when the attempt finishes. Both
// kinds of event also feed the phase log.
func (l *Loader) handleJobInstance(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("job instance", err)
	}
	jobID, err := l.jobID(wfID, e.ExecJobID)
	if err != nil {
		return skipOnLookupFailure("job instance", err)
	}
	if e.SubmitSeq == nil {
		logger.Errorf("Job instance event %s without submit sequence", e.Name)
		return nil
	}

	switch e.Kind {
	case events.KindSubmitStart, events.KindPreScriptStart:
		// redundant create events for the same attempt are possible
		if _, err := l.jobInstanceID(jobID, *e.SubmitSeq); err == nil {
			if e.Kind == events.KindPreScriptStart {
				return l.handleJobstate(e)
			}
			return nil
		} else if storage.IsConnectionFailure(err) {
			return err
		}

		ji := storage.JobInstanceModel{
			JobID:            jobID,
			JobSubmitSeq:     *e.SubmitSeq,
			SchedID:          e.SchedID,
			Site:             e.Site,
			User:             e.User,
			WorkDir:          e.WorkDir,
			StdinFile:        e.StdinFile,
			StdoutFile:       e.StdoutFile,
			StderrFile:       e.StderrFile,
			MultiplierFactor: 1,
		}
		if e.MultiplierFactor != nil {
			ji.MultiplierFactor = *e.MultiplierFactor
		}

		// written through even when batching: later events in the same
		// batch window resolve against this row
		if err := l.db.DB.Create(&ji).Error; err != nil {
			return err
		}
		l.caches.jobInstanceID[instanceKey{jobID: jobID, submitSeq: *e.SubmitSeq}] = ji.ID

		if e.Kind == events.KindPreScriptStart {
			return l.handleJobstate(e)
		}
		return nil

	case events.KindMainEnd, events.KindPostScriptEnd:
		instanceID, err := l.jobInstanceID(jobID, *e.SubmitSeq)
		if err != nil {
			return skipOnLookupFailure("job instance", err)
		}

		fields := map[string]any{}
		if e.Status != nil {
			fields["exitcode"] = *e.Status
		}
		if e.LocalDuration != nil {
			fields["local_duration"] = *e.LocalDuration
		}
		if e.ClusterStart != nil {
			fields["cluster_start"] = *e.ClusterStart
		}
		if e.ClusterDuration != nil {
			fields["cluster_duration"] = *e.ClusterDuration
		}
		if e.MultiplierFactor != nil {
			fields["multiplier_factor"] = *e.MultiplierFactor
		}
		if e.StdoutFile != "" {
			fields["stdout_file"] = e.StdoutFile
		}
		if e.StderrFile != "" {
			fields["stderr_file"] = e.StderrFile
		}
		if e.StdoutText != "" {
			fields["stdout_text"] = e.StdoutText
		}
		if e.StderrText != "" {
			fields["stderr_text"] = e.StderrText
		}
		if e.Site != "" {
			fields["site"] = e.Site
		}
		if e.WorkDir != "" {
			fields["work_dir"] = e.WorkDir
		}

		if err := l.queueUpdate(&storage.JobInstanceModel{}, instanceID, fields); err != nil {
			return err
		}
		return l.handleJobstate(e)
	}

	logger.Errorf("Unexpected job instance event %s", e.Name)
	return nil
}

// jobStateName maps a lifecycle event to the state label recorded in the
// phase log. End-of-phase events split on the status sign; events the
// vocabulary does not know fall back to the uppercased phase token of
// the event name.
func jobStateName(e *events.Event) string {
	failed := e.Status != nil && *e.Status != 0

	pick := func(fail, ok string) string {
		if failed {
			return fail
		}
		return ok
	}

	switch e.Kind {
	case events.KindPreScriptStart:
		return "PRE_SCRIPT_STARTED"
	case events.KindPreScriptTerm:
		return "PRE_SCRIPT_TERMINATED"
	case events.KindPreScriptEnd:
		return pick("PRE_SCRIPT_FAILED", "PRE_SCRIPT_SUCCESS")
	case events.KindSubmitEnd:
		return pick("SUBMIT_FAILED", "SUBMIT")
	case events.KindGridSubmitEnd:
		return pick("GRID_SUBMIT_FAILED", "GRID_SUBMIT")
	case events.KindGlobusSubmitEnd:
		return pick("GLOBUS_SUBMIT_FAILED", "GLOBUS_SUBMIT")
	case events.KindMainStart:
		return "EXECUTE"
	case events.KindMainTerm:
		return pick("JOB_EVICTED", "JOB_TERMINATED")
	case events.KindMainEnd:
		return pick("JOB_FAILURE", "JOB_SUCCESS")
	case events.KindPostScriptStart:
		return "POST_SCRIPT_STARTED"
	case events.KindPostScriptTerm:
		return "POST_SCRIPT_TERMINATED"
	case events.KindPostScriptEnd:
		return pick("POST_SCRIPT_FAILED", "POST_SCRIPT_SUCCESS")
	case events.KindHeldStart:
		return "JOB_HELD"
	case events.KindHeldEnd:
		return "JOB_RELEASED"
	case events.KindImageInfo:
		return "IMAGE_SIZE"
	case events.KindAbortInfo:
		return "JOB_ABORTED"
	}

	// generic fallback: job_inst.<phase>... becomes PHASE
	parts := strings.Split(e.Name, ".")
	if len(parts) >= 2 {
		return strings.ToUpper(parts[1])
	}
	return strings.ToUpper(e.Name)
}

// handleJobstate appends one row to the per-attempt phase log.
func (l *Loader) handleJobstate(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("jobstate", err)
	}
	jobID, err := l.jobID(wfID, e.ExecJobID)
	if err != nil {
		return skipOnLookupFailure("jobstate", err)
	}
	if e.SubmitSeq == nil {
		logger.Errorf("Jobstate event %s without submit sequence", e.Name)
		return nil
	}
	instanceID, err := l.jobInstanceID(jobID, *e.SubmitSeq)
	if err != nil {
		return skipOnLookupFailure("jobstate", err)
	}

	js := storage.JobstateModel{
		JobInstanceID: instanceID,
		State:         jobStateName(e),
		Timestamp:     e.Timestamp,
	}
	if e.JobStateSeq != nil {
		js.JobstateSubmitSeq = *e.JobStateSeq
	}
	return l.queueInsert(&js)
}

// handleHost inserts the host row (attached to the root workflow, once
// per distinct host) and maps the host to the job instance that reported
// it. In batched mode the mapping is deferred until after the flush so
// the host row exists.
func (l *Loader) handleHost(e *events.Event) error {
	if l.caches.hostsWritten == nil {
		cache := make(map[hostKey]bool)
		var rows []storage.HostModel
		if err := l.db.DB.Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			cache[hostKey{wfID: row.WfID, site: row.Site, hostname: row.Hostname, ip: row.IP}] = true
		}
		l.caches.hostsWritten = cache
	}

	rootID, err := l.rootWorkflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("host", err)
	}

	key := hostKey{wfID: rootID, site: e.Site, hostname: e.Hostname, ip: e.IP}
	if !l.caches.hostsWritten[key] {
		host := storage.HostModel{
			WfID:        rootID,
			Site:        e.Site,
			Hostname:    e.Hostname,
			IP:          e.IP,
			Uname:       e.Uname,
			TotalMemory: e.TotalMemory,
		}
		if err := l.queueInsert(&host); err != nil {
			return err
		}
		l.caches.hostsWritten[key] = true
	}

	if l.cfg.Batch {
		l.hostFixups = append(l.hostFixups, e)
		return nil
	}
	return l.mapHostToInstance(e)
}

// mapHostToInstance sets host_id on the job instance that reported the
// host event. Redundant host events for the same instance are no-ops.
func (l *Loader) mapHostToInstance(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("host map", err)
	}
	jobID, err := l.jobID(wfID, e.ExecJobID)
	if err != nil {
		return skipOnLookupFailure("host map", err)
	}
	if e.SubmitSeq == nil {
		logger.Errorf("Host event for %s without submit sequence", e.ExecJobID)
		return nil
	}

	key := instanceKey{jobID: jobID, submitSeq: *e.SubmitSeq}
	if l.caches.hostMapped[key] {
		return nil
	}

	rootID, err := l.rootWorkflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("host map", err)
	}
	var hosts []storage.HostModel
	if err := l.db.DB.Where("wf_id = ? AND site = ? AND hostname = ? AND ip = ?",
		rootID, e.Site, e.Hostname, e.IP).Limit(2).Find(&hosts).Error; err != nil {
		return err
	}
	if len(hosts) != 1 {
		logger.Errorf("Expected one host row for %s/%s, found %d", e.Site, e.Hostname, len(hosts))
		return nil
	}

	instanceID, err := l.jobInstanceID(jobID, *e.SubmitSeq)
	if err != nil {
		return skipOnLookupFailure("host map", err)
	}
	if err := l.db.DB.Model(&storage.JobInstanceModel{}).Where("id = ?", instanceID).
		Update("host_id", hosts[0].ID).Error; err != nil {
		return err
	}
	l.caches.hostMapped[key] = true
	return nil
}

// handleSubworkflowMap points the job instance that spawned a
// sub-workflow at the sub-workflow's row.
func (l *Loader) handleSubworkflowMap(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("subworkflow map", err)
	}
	subwfID, err := l.workflowID(e.SubWorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("subworkflow map", err)
	}
	jobID, err := l.jobID(wfID, e.ExecJobID)
	if err != nil {
		return skipOnLookupFailure("subworkflow map", err)
	}
	if e.SubmitSeq == nil {
		logger.Errorf("Subworkflow map for %s without submit sequence", e.ExecJobID)
		return nil
	}
	instanceID, err := l.jobInstanceID(jobID, *e.SubmitSeq)
	if err != nil {
		return skipOnLookupFailure("subworkflow map", err)
	}

	return l.db.DB.Model(&storage.JobInstanceModel{}).Where("id = ?", instanceID).
		Update("subwf_id", subwfID).Error
}

// handleInvocation inserts one executed task attempt.
func (l *Loader) handleInvocation(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("invocation", err)
	}
	jobID, err := l.jobID(wfID, e.ExecJobID)
	if err != nil {
		return skipOnLookupFailure("invocation", err)
	}
	if e.SubmitSeq == nil || e.TaskSubmitSeq == nil {
		logger.Errorf("Invocation event for %s missing sequence numbers", e.ExecJobID)
		return nil
	}
	instanceID, err := l.jobInstanceID(jobID, *e.SubmitSeq)
	if err != nil {
		return skipOnLookupFailure("invocation", err)
	}

	inv := storage.InvocationModel{
		JobInstanceID:  instanceID,
		TaskSubmitSeq:  *e.TaskSubmitSeq,
		WfID:           wfID,
		RemoteDuration: e.RemoteDuration,
		RemoteCPUTime:  e.RemoteCPUTime,
		AvgCPU:         e.AvgCPU,
		MaxRSS:         e.MaxRSS,
		Exitcode:       e.ExitCode,
		Transformation: e.Transformation,
		Executable:     e.Executable,
		Argv:           e.Argv,
	}
	if e.StartTime != nil {
		inv.StartTime = *e.StartTime
	}
	if e.AbsTaskID != "" {
		id := e.AbsTaskID
		inv.AbsTaskID = &id
	}
	return l.queueInsert(&inv)
}

// handleIntegrity inserts the accumulated integrity counters for a job
// instance.
func (l *Loader) handleIntegrity(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("integrity metric", err)
	}
	jobID, err := l.jobID(wfID, e.ExecJobID)
	if err != nil {
		return skipOnLookupFailure("integrity metric", err)
	}
	if e.SubmitSeq == nil {
		logger.Errorf("Integrity metric for %s without submit sequence", e.ExecJobID)
		return nil
	}
	instanceID, err := l.jobInstanceID(jobID, *e.SubmitSeq)
	if err != nil {
		return skipOnLookupFailure("integrity metric", err)
	}

	m := storage.IntegrityModel{
		JobInstanceID: instanceID,
		Type:          e.IntegrityType,
		FileType:      e.IntegrityFileType,
	}
	if e.IntegrityCount != nil {
		m.Count = *e.IntegrityCount
	}
	if e.IntegritySucceeded != nil {
		m.Succeeded = *e.IntegritySucceeded
	}
	if e.IntegrityFailed != nil {
		m.Failed = *e.IntegrityFailed
	}
	if e.IntegrityDuration != nil {
		m.Duration = *e.IntegrityDuration
	}
	return l.queueInsert(&m)
}

// handleTag inserts a named counter attached to a job instance.
func (l *Loader) handleTag(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("tag", err)
	}
	jobID, err := l.jobID(wfID, e.ExecJobID)
	if err != nil {
		return skipOnLookupFailure("tag", err)
	}
	if e.SubmitSeq == nil {
		logger.Errorf("Tag event for %s without submit sequence", e.ExecJobID)
		return nil
	}
	instanceID, err := l.jobInstanceID(jobID, *e.SubmitSeq)
	if err != nil {
		return skipOnLookupFailure("tag", err)
	}

	tag := storage.TagModel{
		WfID:          wfID,
		JobInstanceID: instanceID,
		Name:          e.TagName,
	}
	if e.TagCount != nil {
		tag.Count = *e.TagCount
	}
	return l.queueInsert(&tag)
}

// handleFileMeta upserts one key/value annotation on a logical file.
// Written through individually: the same key can arrive more than once
// and batching it would turn the second arrival into a constraint
// violation for the whole batch.
func (l *Loader) handleFileMeta(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("file meta", err)
	}
	lfnID, err := l.lfnID(wfID, e.LFN)
	if err != nil {
		return skipOnLookupFailure("file meta", err)
	}

	meta := storage.FileMetaModel{
		LFNID: lfnID,
		Key:   e.Key,
		Value: e.Value,
	}
	return l.db.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lfn_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&meta).Error
}

// handleFilePFN inserts one physical location of a logical file.
func (l *Loader) handleFilePFN(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("file pfn", err)
	}
	lfnID, err := l.lfnID(wfID, e.LFN)
	if err != nil {
		return skipOnLookupFailure("file pfn", err)
	}
	return l.queueInsert(&storage.FilePFNModel{
		LFNID: lfnID,
		PFN:   e.PFN,
		Site:  e.Site,
	})
}

// handleWorkflowFileMap associates a logical file with the task that
// uses it.
func (l *Loader) handleWorkflowFileMap(e *events.Event) error {
	wfID, err := l.workflowID(e.WorkflowUUID)
	if err != nil {
		return skipOnLookupFailure("workflow file map", err)
	}
	taskID, err := l.taskID(wfID, e.AbsTaskID)
	if err != nil {
		return skipOnLookupFailure("workflow file map", err)
	}
	lfnID, err := l.lfnID(wfID, e.LFN)
	if err != nil {
		return skipOnLookupFailure("workflow file map", err)
	}
	return l.queueInsert(&storage.WorkflowFilesModel{
		WfID:   wfID,
		TaskID: taskID,
		LFNID:  lfnID,
	})
}

// skipOnLookupFailure logs a failed natural-key resolution and drops the
// event, unless the failure is connection-level, in which case it is
// surfaced so the retry loop can reconnect and replay.
func skipOnLookupFailure(what string, err error) error {
	if storage.IsConnectionFailure(err) {
		return err
	}
	logger.Errorf("Could not resolve %s event: %v", what, err)
	return nil
}
