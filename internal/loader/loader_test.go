package loader

import (
	"testing"

	"github.com/wftrace/wftrace/internal/storage"
	"github.com/wftrace/wftrace/pkg/events"
)

const (
	testWfUUID    = "5a9c8e12-44d1-4f0a-9f3c-6d2b1e7a0c44"
	testSubWfUUID = "77b1f3d0-9a42-4c5e-8d1f-0e6a2b9c3d55"
)

func mustDecode(t *testing.T, raw map[string]string) *events.Event {
	t.Helper()
	e, err := events.Decode(raw)
	if err != nil {
		t.Fatalf("decode %v: %v", raw["event"], err)
	}
	return e
}

func intp(n int) *int { return &n }

func TestCachePurgeIdempotent(t *testing.T) {
	c := newLookupCaches()
	c.wfID[testWfUUID] = 1
	c.rootWfID[testWfUUID] = 1
	c.jobID[jobKey{wfID: 1, execJobID: "preprocess_ID1"}] = 10
	c.jobInstanceID[instanceKey{jobID: 10, submitSeq: 1}] = 100
	c.taskID[taskKey{wfID: 1, absTaskID: "ID1"}] = 20
	c.lfnID[lfnKey{wfID: 1, lfn: "f.a"}] = 30
	c.hostMapped[instanceKey{jobID: 10, submitSeq: 1}] = true

	// an unrelated workflow must survive the purge
	c.wfID["other"] = 2
	c.jobID[jobKey{wfID: 2, execJobID: "other_job"}] = 11

	c.purge(testWfUUID, 1)
	c.purge(testWfUUID, 1) // second purge must be a no-op

	if _, ok := c.wfID[testWfUUID]; ok {
		t.Error("workflow id entry survived purge")
	}
	if _, ok := c.jobID[jobKey{wfID: 1, execJobID: "preprocess_ID1"}]; ok {
		t.Error("job id entry survived purge")
	}
	if _, ok := c.jobInstanceID[instanceKey{jobID: 10, submitSeq: 1}]; ok {
		t.Error("job instance entry survived purge")
	}
	if _, ok := c.taskID[taskKey{wfID: 1, absTaskID: "ID1"}]; ok {
		t.Error("task entry survived purge")
	}
	if _, ok := c.lfnID[lfnKey{wfID: 1, lfn: "f.a"}]; ok {
		t.Error("lfn entry survived purge")
	}
	if c.hostMapped[instanceKey{jobID: 10, submitSeq: 1}] {
		t.Error("host mapping entry survived purge")
	}

	if c.wfID["other"] != 2 {
		t.Error("unrelated workflow entry was purged")
	}
	if c.jobID[jobKey{wfID: 2, execJobID: "other_job"}] != 11 {
		t.Error("unrelated job entry was purged")
	}
}

func TestJobStateName(t *testing.T) {
	tests := []struct {
		name   string
		kind   events.Kind
		event  string
		status *int
		want   string
	}{
		{"pre script start", events.KindPreScriptStart, "job_inst.pre.start", nil, "PRE_SCRIPT_STARTED"},
		{"pre script ok", events.KindPreScriptEnd, "job_inst.pre.end", intp(0), "PRE_SCRIPT_SUCCESS"},
		{"pre script failed", events.KindPreScriptEnd, "job_inst.pre.end", intp(-1), "PRE_SCRIPT_FAILED"},
		{"submit ok", events.KindSubmitEnd, "job_inst.submit.end", intp(0), "SUBMIT"},
		{"submit failed", events.KindSubmitEnd, "job_inst.submit.end", intp(-1), "SUBMIT_FAILED"},
		{"execute", events.KindMainStart, "job_inst.main.start", nil, "EXECUTE"},
		{"evicted", events.KindMainTerm, "job_inst.main.term", intp(-1), "JOB_EVICTED"},
		{"terminated", events.KindMainTerm, "job_inst.main.term", intp(0), "JOB_TERMINATED"},
		{"job success", events.KindMainEnd, "job_inst.main.end", intp(0), "JOB_SUCCESS"},
		{"job failure", events.KindMainEnd, "job_inst.main.end", intp(1), "JOB_FAILURE"},
		{"post script ok", events.KindPostScriptEnd, "job_inst.post.end", intp(0), "POST_SCRIPT_SUCCESS"},
		{"held", events.KindHeldStart, "job_inst.held.start", nil, "JOB_HELD"},
		{"released", events.KindHeldEnd, "job_inst.held.end", nil, "JOB_RELEASED"},
		{"image size", events.KindImageInfo, "job_inst.image.info", nil, "IMAGE_SIZE"},
		{"aborted", events.KindAbortInfo, "job_inst.abort.info", nil, "JOB_ABORTED"},
		{"grid submit ok", events.KindGridSubmitEnd, "job_inst.grid.submit.end", intp(0), "GRID_SUBMIT"},
		{"globus submit failed", events.KindGlobusSubmitEnd, "job_inst.globus.submit.end", intp(-1), "GLOBUS_SUBMIT_FAILED"},
		{"generic fallback", events.KindJobInstanceGeneric, "job_inst.suspend.info", nil, "SUSPEND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &events.Event{Kind: tt.kind, Name: tt.event, Status: tt.status}
			if got := jobStateName(e); got != tt.want {
				t.Errorf("jobStateName() = %q, want %q", got, tt.want)
			}
		})
	}
}

// planEvents is the static prologue shared by the integration scenarios.
func planEvents(t *testing.T) []*events.Event {
	t.Helper()
	return []*events.Event{
		mustDecode(t, map[string]string{
			"event": "wf.plan", "ts": "1000.0", "xwf.id": testWfUUID,
			"root.xwf.id": testWfUUID, "submit.dir": "/runs/run0001",
			"user": "vahi", "planner.version": "5.0.1", "dag.file.name": "diamond-0.dag",
		}),
		mustDecode(t, map[string]string{
			"event": "static.start", "ts": "1000.1", "xwf.id": testWfUUID,
		}),
		mustDecode(t, map[string]string{
			"event": "task.info", "ts": "1000.2", "xwf.id": testWfUUID,
			"task.id": "ID1", "transformation": "diamond::preprocess", "type_desc": "compute",
		}),
		mustDecode(t, map[string]string{
			"event": "job.info", "ts": "1000.3", "xwf.id": testWfUUID,
			"job.id": "preprocess_ID1", "submit_file": "preprocess_ID1.sub",
			"type_desc": "compute", "clustered": "0", "max_retries": "3", "task.count": "1",
		}),
		mustDecode(t, map[string]string{
			"event": "wf.map.task_job", "ts": "1000.4", "xwf.id": testWfUUID,
			"task.id": "ID1", "job.id": "preprocess_ID1",
		}),
		mustDecode(t, map[string]string{
			"event": "static.end", "ts": "1000.5", "xwf.id": testWfUUID,
		}),
	}
}

func TestLoaderImmediateScenario(t *testing.T) {
	db, cleanup := storage.SetupTestDB(t)
	defer cleanup()

	l := NewWithDB(Config{Batch: false}, db)

	stream := planEvents(t)
	stream = append(stream,
		mustDecode(t, map[string]string{
			"event": "xwf.start", "ts": "1001.0", "xwf.id": testWfUUID, "restart_count": "0",
		}),
		mustDecode(t, map[string]string{
			"event": "job_inst.submit.start", "ts": "1002.0", "xwf.id": testWfUUID,
			"job.id": "preprocess_ID1", "job_inst.id": "1", "js.id": "1",
		}),
		mustDecode(t, map[string]string{
			"event": "job_inst.submit.end", "ts": "1002.5", "xwf.id": testWfUUID,
			"job.id": "preprocess_ID1", "job_inst.id": "1", "js.id": "2", "status": "0",
		}),
		mustDecode(t, map[string]string{
			"event": "job_inst.main.start", "ts": "1003.0", "xwf.id": testWfUUID,
			"job.id": "preprocess_ID1", "job_inst.id": "1", "js.id": "3",
		}),
		mustDecode(t, map[string]string{
			"event": "job_inst.host.info", "ts": "1003.1", "xwf.id": testWfUUID,
			"job.id": "preprocess_ID1", "job_inst.id": "1",
			"site": "condorpool", "hostname": "worker-01", "ip": "10.0.0.5", "total_memory": "16384",
		}),
		mustDecode(t, map[string]string{
			"event": "job_inst.main.end", "ts": "1060.0", "xwf.id": testWfUUID,
			"job.id": "preprocess_ID1", "job_inst.id": "1", "js.id": "4",
			"status": "0", "local.dur": "57.0", "multiplier_factor": "1",
			"stdout.file": "preprocess_ID1.out", "stdout.text": "#@ 1 stdout\n\nok\n",
		}),
		mustDecode(t, map[string]string{
			"event": "inv.end", "ts": "1060.1", "xwf.id": testWfUUID,
			"job.id": "preprocess_ID1", "job_inst.id": "1", "inv.id": "1",
			"start_time": "1003.2", "dur": "55.5", "exitcode": "0",
			"transformation": "diamond::preprocess", "task.id": "ID1",
		}),
		mustDecode(t, map[string]string{
			"event": "xwf.end", "ts": "1061.0", "xwf.id": testWfUUID, "restart_count": "0", "status": "0",
		}),
	)

	for _, e := range stream {
		if err := l.Process(e); err != nil {
			t.Fatalf("Process(%s): %v", e.Name, err)
		}
	}

	var wf storage.WorkflowModel
	if err := db.DB.Where("wf_uuid = ?", testWfUUID).First(&wf).Error; err != nil {
		t.Fatalf("workflow row: %v", err)
	}
	if wf.RootWfID != wf.ID {
		t.Errorf("root workflow should point at itself: root=%d id=%d", wf.RootWfID, wf.ID)
	}

	var task storage.TaskModel
	if err := db.DB.Where("wf_id = ? AND abs_task_id = ?", wf.ID, "ID1").First(&task).Error; err != nil {
		t.Fatalf("task row: %v", err)
	}
	if task.JobID == nil {
		t.Error("task was not mapped to its job")
	}

	var ji storage.JobInstanceModel
	if err := db.DB.Where("job_id = ? AND job_submit_seq = ?", *task.JobID, 1).First(&ji).Error; err != nil {
		t.Fatalf("job instance row: %v", err)
	}
	if ji.Exitcode == nil || *ji.Exitcode != 0 {
		t.Errorf("job instance exitcode = %v, want 0", ji.Exitcode)
	}
	if ji.HostID == nil {
		t.Error("job instance was not mapped to its host")
	}
	if ji.StdoutText == "" {
		t.Error("job instance stdout text was not stored")
	}

	var states []storage.JobstateModel
	if err := db.DB.Where("job_instance_id = ?", ji.ID).Order("jobstate_submit_seq").Find(&states).Error; err != nil {
		t.Fatalf("jobstate rows: %v", err)
	}
	want := []string{"SUBMIT", "EXECUTE", "JOB_SUCCESS"}
	if len(states) != len(want) {
		t.Fatalf("got %d jobstate rows, want %d", len(states), len(want))
	}
	for i, s := range states {
		if s.State != want[i] {
			t.Errorf("jobstate[%d] = %q, want %q", i, s.State, want[i])
		}
	}

	var inv storage.InvocationModel
	if err := db.DB.Where("job_instance_id = ? AND task_submit_seq = ?", ji.ID, 1).First(&inv).Error; err != nil {
		t.Fatalf("invocation row: %v", err)
	}
	if inv.RemoteDuration == nil || *inv.RemoteDuration != 55.5 {
		t.Errorf("invocation remote duration = %v, want 55.5", inv.RemoteDuration)
	}

	// terminal event must have purged the workflow's cache entries
	if _, ok := l.caches.wfID[testWfUUID]; ok {
		t.Error("caches not purged after terminal workflow event")
	}
}

func TestLoaderOutOfOrderJobstateSkipped(t *testing.T) {
	db, cleanup := storage.SetupTestDB(t)
	defer cleanup()

	l := NewWithDB(Config{Batch: false}, db)

	stream := planEvents(t)
	stream = append(stream,
		mustDecode(t, map[string]string{
			"event": "xwf.start", "ts": "1001.0", "xwf.id": testWfUUID, "restart_count": "0",
		}),
		// phase event before the attempt's defining submit event: must be
		// dropped with a logged resolution failure, never an error
		mustDecode(t, map[string]string{
			"event": "job_inst.main.start", "ts": "1003.0", "xwf.id": testWfUUID,
			"job.id": "preprocess_ID1", "job_inst.id": "1", "js.id": "1",
		}),
	)

	for _, e := range stream {
		if err := l.Process(e); err != nil {
			t.Fatalf("Process(%s): %v", e.Name, err)
		}
	}

	var count int64
	if err := db.DB.Model(&storage.JobstateModel{}).Count(&count).Error; err != nil {
		t.Fatalf("counting jobstate rows: %v", err)
	}
	if count != 0 {
		t.Errorf("got %d jobstate rows for an unresolvable attempt, want 0", count)
	}
}

func TestLoaderBatchPerRowFallback(t *testing.T) {
	db, cleanup := storage.SetupTestDB(t)
	defer cleanup()

	l := NewWithDB(Config{Batch: true, FlushEvery: 1000}, db)

	for _, e := range planEvents(t) {
		if err := l.Process(e); err != nil {
			t.Fatalf("Process(%s): %v", e.Name, err)
		}
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var wf storage.WorkflowModel
	if err := db.DB.Where("wf_uuid = ?", testWfUUID).First(&wf).Error; err != nil {
		t.Fatalf("workflow row: %v", err)
	}

	// three queued job rows, one a duplicate: the fallback must commit
	// exactly the two good ones
	batch := []*events.Event{
		mustDecode(t, map[string]string{
			"event": "job.info", "ts": "1010.0", "xwf.id": testWfUUID,
			"job.id": "findrange_ID2", "submit_file": "findrange_ID2.sub", "type_desc": "compute",
		}),
		mustDecode(t, map[string]string{
			"event": "job.info", "ts": "1010.1", "xwf.id": testWfUUID,
			"job.id": "findrange_ID2", "submit_file": "findrange_ID2.sub", "type_desc": "compute",
		}),
		mustDecode(t, map[string]string{
			"event": "job.info", "ts": "1010.2", "xwf.id": testWfUUID,
			"job.id": "analyze_ID3", "submit_file": "analyze_ID3.sub", "type_desc": "compute",
		}),
	}
	for _, e := range batch {
		if err := l.Process(e); err != nil {
			t.Fatalf("Process(%s): %v", e.Name, err)
		}
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("Flush with duplicate row: %v", err)
	}

	var count int64
	if err := db.DB.Model(&storage.JobModel{}).Where("wf_id = ? AND exec_job_id LIKE ?", wf.ID, "%_ID%").Count(&count).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	// preprocess_ID1 from the prologue plus the two distinct new jobs
	if count != 3 {
		t.Errorf("got %d job rows, want 3", count)
	}

	// the loader must still be usable after the fallback
	follow := mustDecode(t, map[string]string{
		"event": "job.edge", "ts": "1011.0", "xwf.id": testWfUUID,
		"parent.job.id": "preprocess_ID1", "child.job.id": "findrange_ID2",
	})
	if err := l.Process(follow); err != nil {
		t.Fatalf("Process after fallback: %v", err)
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("Flush after fallback: %v", err)
	}
	var edges int64
	if err := db.DB.Model(&storage.JobEdgeModel{}).Where("wf_id = ?", wf.ID).Count(&edges).Error; err != nil {
		t.Fatalf("count edges: %v", err)
	}
	if edges != 1 {
		t.Errorf("got %d job edge rows, want 1", edges)
	}
}

func TestLoaderBatchBarrierFlush(t *testing.T) {
	db, cleanup := storage.SetupTestDB(t)
	defer cleanup()

	l := NewWithDB(Config{Batch: true, FlushEvery: 1000}, db)

	stream := planEvents(t)
	for _, e := range stream[:len(stream)-1] {
		if err := l.Process(e); err != nil {
			t.Fatalf("Process(%s): %v", e.Name, err)
		}
	}

	// wf.map.task_job forces a flush before its lookups, so by now the
	// queued task and job rows must be committed
	var wf storage.WorkflowModel
	if err := db.DB.Where("wf_uuid = ?", testWfUUID).First(&wf).Error; err != nil {
		t.Fatalf("workflow row: %v", err)
	}
	var tasks int64
	if err := db.DB.Model(&storage.TaskModel{}).Where("wf_id = ?", wf.ID).Count(&tasks).Error; err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if tasks != 1 {
		t.Errorf("got %d task rows before barrier, want 1", tasks)
	}

	// static.end is a barrier too: nothing should remain queued after it
	if err := l.Process(stream[len(stream)-1]); err != nil {
		t.Fatalf("Process(static.end): %v", err)
	}
	if got := l.queuedRows(); got != 0 {
		t.Errorf("queuedRows() = %d after barrier, want 0", got)
	}
}

func TestLoaderMetadataAndFiles(t *testing.T) {
	db, cleanup := storage.SetupTestDB(t)
	defer cleanup()

	l := NewWithDB(Config{Batch: false}, db)

	stream := planEvents(t)
	stream = append(stream,
		mustDecode(t, map[string]string{
			"event": "xwf.meta", "ts": "1001.0", "xwf.id": testWfUUID,
			"key": "experiment", "value": "ligo-o3",
		}),
		mustDecode(t, map[string]string{
			"event": "task.meta", "ts": "1001.1", "xwf.id": testWfUUID,
			"task.id": "ID1", "key": "priority", "value": "high",
		}),
		mustDecode(t, map[string]string{
			"event": "rc.meta", "ts": "1001.2", "xwf.id": testWfUUID,
			"lfn.id": "f.a", "key": "size", "value": "1024",
		}),
		// same key again: must update, not violate the constraint
		mustDecode(t, map[string]string{
			"event": "rc.meta", "ts": "1001.3", "xwf.id": testWfUUID,
			"lfn.id": "f.a", "key": "size", "value": "2048",
		}),
		mustDecode(t, map[string]string{
			"event": "rc.pfn", "ts": "1001.4", "xwf.id": testWfUUID,
			"lfn.id": "f.a", "pfn": "gsiftp://staging/f.a", "site": "staging",
		}),
		mustDecode(t, map[string]string{
			"event": "wf.map.file", "ts": "1001.5", "xwf.id": testWfUUID,
			"lfn.id": "f.a", "task.id": "ID1",
		}),
	)
	for _, e := range stream {
		if err := l.Process(e); err != nil {
			t.Fatalf("Process(%s): %v", e.Name, err)
		}
	}

	var file storage.FileModel
	if err := db.DB.Where("lfn = ?", "f.a").First(&file).Error; err != nil {
		t.Fatalf("file row: %v", err)
	}

	var meta storage.FileMetaModel
	if err := db.DB.Where("lfn_id = ? AND key = ?", file.ID, "size").First(&meta).Error; err != nil {
		t.Fatalf("file meta row: %v", err)
	}
	if meta.Value != "2048" {
		t.Errorf("file meta value = %q, want %q (second write must win)", meta.Value, "2048")
	}

	var pfns int64
	if err := db.DB.Model(&storage.FilePFNModel{}).Where("lfn_id = ?", file.ID).Count(&pfns).Error; err != nil {
		t.Fatalf("count pfns: %v", err)
	}
	if pfns != 1 {
		t.Errorf("got %d pfn rows, want 1", pfns)
	}

	var maps int64
	if err := db.DB.Model(&storage.WorkflowFilesModel{}).Where("lfn_id = ?", file.ID).Count(&maps).Error; err != nil {
		t.Fatalf("count workflow file maps: %v", err)
	}
	if maps != 1 {
		t.Errorf("got %d workflow file rows, want 1", maps)
	}
}
