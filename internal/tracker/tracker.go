package tracker

import (
	"path/filepath"

	"github.com/wftrace/wftrace/internal/kickstart"
	"github.com/wftrace/wftrace/internal/lifecycle"
	"github.com/wftrace/wftrace/internal/log"
	"github.com/wftrace/wftrace/internal/publish"
	"github.com/wftrace/wftrace/pkg/events"
)

var logger = log.GetLogger()

// Sink consumes the event stream the tracker produces. The loader is the
// production sink.
type Sink interface {
	Process(*events.Event) error
}

// Config holds the tracker knobs.
type Config struct {
	// OutputCeiling bounds the captured task output folded into the
	// terminal job event. Zero means lifecycle.DefaultOutputCeiling.
	OutputCeiling int
}

type jobKey struct {
	wfUUID    string
	execJobID string
	submitSeq int
}

// Tracker owns one lifecycle state object per job attempt, routes
// scheduler events through it, and on job termination parses the wrapper
// output file and emits the derived invocation, host and telemetry events
// ahead of the enriched terminal event. Single-writer, like the loader it
// feeds.
type Tracker struct {
	cfg  Config
	sink Sink
	pub  publish.Publisher

	jobs       map[jobKey]*lifecycle.Job
	submitDirs map[string]string
}

// New returns a tracker feeding the given sink. pub receives a copy of
// every job-instance event for side-channel consumers; pass a
// NopPublisher when there is none.
func New(cfg Config, sink Sink, pub publish.Publisher) *Tracker {
	if pub == nil {
		pub = publish.NopPublisher{}
	}
	return &Tracker{
		cfg:        cfg,
		sink:       sink,
		pub:        pub,
		jobs:       make(map[jobKey]*lifecycle.Job),
		submitDirs: make(map[string]string),
	}
}

// Track routes one event: job-instance lifecycle events pass through the
// owned state object, terminal job events trigger wrapper output folding,
// and everything else is forwarded untouched.
func (t *Tracker) Track(e *events.Event) error {
	switch {
	case e.Kind == events.KindWorkflowPlan:
		if e.SubmitDir != "" {
			t.submitDirs[e.WorkflowUUID] = e.SubmitDir
		}
		return t.sink.Process(e)

	case e.Kind == events.KindMainEnd:
		return t.JobTerminated(e)

	case e.JobInstanceEvent():
		return t.TrackState(e)

	case e.TerminalWorkflowEvent():
		err := t.sink.Process(e)
		t.dropWorkflow(e.WorkflowUUID)
		return err
	}

	return t.sink.Process(e)
}

// TrackState feeds one lifecycle event into the owned job state and
// forwards it.
func (t *Tracker) TrackState(e *events.Event) error {
	job := t.jobFor(e)
	if job != nil {
		if state, ok := stateOf(e); ok {
			job.ApplyState(state, e.SchedID, int64(e.Timestamp), e.Status)
		}
	}
	if err := t.pub.Publish(e); err != nil {
		logger.Warnf("Side-channel publish failed for %s: %v", e.Name, err)
	}
	return t.sink.Process(e)
}

// JobTerminated handles the terminal main-phase event: parse the job's
// wrapper output file, fold it into the lifecycle state, emit the derived
// events, then forward the terminal event enriched with captured output
// and clustering figures.
func (t *Tracker) JobTerminated(e *events.Event) error {
	job := t.jobFor(e)
	if job == nil {
		// never saw the attempt open; record what the event itself carries
		return t.sink.Process(e)
	}
	if state, ok := stateOf(e); ok {
		job.ApplyState(state, e.SchedID, int64(e.Timestamp), e.Status)
	}

	var records []kickstart.Record
	if path := t.outputPath(e); path != "" {
		records = kickstart.ParseFile(path)
	}
	if len(records) > 0 {
		job.ExtractOutput(records)
		job.AttachInvocations(lifecycle.TasksFromRecords(records))
	}

	t.enrichTerminal(e, job)
	if err := t.pub.Publish(e); err != nil {
		logger.Warnf("Side-channel publish failed for %s: %v", e.Name, err)
	}
	if err := t.sink.Process(e); err != nil {
		return err
	}

	if err := t.emitHost(e, job, records); err != nil {
		return err
	}
	if err := t.emitInvocations(e, job); err != nil {
		return err
	}
	return t.emitIntegrity(e, job)
}

// jobFor returns the lifecycle state for the event's attempt, creating it
// on the phases that open an attempt.
func (t *Tracker) jobFor(e *events.Event) *lifecycle.Job {
	if e.SubmitSeq == nil {
		return nil
	}
	key := jobKey{wfUUID: e.WorkflowUUID, execJobID: e.ExecJobID, submitSeq: *e.SubmitSeq}
	if job, ok := t.jobs[key]; ok {
		return job
	}
	if e.Kind != events.KindSubmitStart && e.Kind != events.KindPreScriptStart {
		logger.Warnf("Event %s for unknown job attempt %s/%d", e.Name, e.ExecJobID, *e.SubmitSeq)
		return nil
	}
	job := lifecycle.NewJob(e.WorkflowUUID, e.ExecJobID, t.submitDirs[e.WorkflowUUID], *e.SubmitSeq)
	job.OutputCeiling = t.cfg.OutputCeiling
	job.SchedID = e.SchedID
	job.StdoutFile = e.StdoutFile
	job.StderrFile = e.StderrFile
	job.StdinFile = e.StdinFile
	t.jobs[key] = job
	return job
}

func (t *Tracker) dropWorkflow(wfUUID string) {
	for k := range t.jobs {
		if k.wfUUID == wfUUID {
			delete(t.jobs, k)
		}
	}
	delete(t.submitDirs, wfUUID)
}

// outputPath resolves the wrapper output file of the attempt, relative to
// the workflow submit directory when not absolute.
func (t *Tracker) outputPath(e *events.Event) string {
	path := e.StdoutFile
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) {
		if dir := t.submitDirs[e.WorkflowUUID]; dir != "" {
			path = filepath.Join(dir, path)
		}
	}
	return path
}

// enrichTerminal copies the folded output and clustering figures onto the
// terminal event before it reaches the loader.
func (t *Tracker) enrichTerminal(e *events.Event, job *lifecycle.Job) {
	if job.StdoutText != "" && e.StdoutText == "" {
		e.StdoutText = job.StdoutText
	}
	if job.StderrText != "" && e.StderrText == "" {
		e.StderrText = job.StderrText
	}
	if e.Site == "" {
		e.Site = job.Site
	}
	if e.WorkDir == "" {
		e.WorkDir = job.RemoteWorkDir
	}
	if e.ClusterStart == nil {
		e.ClusterStart = job.ClusterStart
	}
	if e.ClusterDuration == nil {
		e.ClusterDuration = job.ClusterDuration
	}
	if n := job.IntegrityErrorCount(); n > 0 && e.IntErrorCount == nil {
		e.IntErrorCount = &n
	}
}

// emitHost derives a host event from the first invocation record, so a
// wrapper-reported host still lands when the scheduler log never carried
// one.
func (t *Tracker) emitHost(e *events.Event, job *lifecycle.Job, records []kickstart.Record) error {
	if job.Hostname == "" {
		return nil
	}

	host := &events.Event{
		Kind:         events.KindHostInfo,
		Name:         "job_inst.host.info",
		Timestamp:    e.Timestamp,
		WorkflowUUID: e.WorkflowUUID,
		ExecJobID:    e.ExecJobID,
		SubmitSeq:    e.SubmitSeq,
		Site:         job.Site,
		Hostname:     job.Hostname,
		IP:           job.HostIP,
	}
	for i := range records {
		rec := &records[i]
		if rec.Kind != kickstart.RecordInvocation {
			continue
		}
		inv := rec.Invocation
		if inv.RAMTotal != nil {
			host.TotalMemory = inv.RAMTotal
		}
		if inv.System != "" {
			host.Uname = inv.System + " " + inv.Release + " " + inv.Machine
		}
		break
	}
	return t.sink.Process(host)
}

// emitInvocations derives one inv.end per attached task, plus the
// pre/post script slots when those phases ran.
func (t *Tracker) emitInvocations(e *events.Event, job *lifecycle.Job) error {
	for _, task := range job.Tasks() {
		inv := &events.Event{
			Kind:           events.KindInvocationEnd,
			Name:           "inv.end",
			Timestamp:      e.Timestamp,
			WorkflowUUID:   e.WorkflowUUID,
			ExecJobID:      e.ExecJobID,
			SubmitSeq:      e.SubmitSeq,
			Transformation: task.Transformation,
			Executable:     task.Executable,
			Argv:           task.Args,
		}
		seq := task.Seq
		inv.TaskSubmitSeq = &seq
		start := task.Start
		inv.StartTime = &start
		dur := task.Duration
		inv.RemoteDuration = &dur
		exit := task.ExitCode
		inv.ExitCode = &exit

		if k := task.Invocation; k != nil {
			if k.Utime != nil || k.Stime != nil {
				var cpu float64
				if k.Utime != nil {
					cpu += *k.Utime
				}
				if k.Stime != nil {
					cpu += *k.Stime
				}
				inv.RemoteCPUTime = &cpu
			}
			if k.MaxRSS != nil {
				rss := int(*k.MaxRSS)
				inv.MaxRSS = &rss
			}
		}

		if err := t.sink.Process(inv); err != nil {
			return err
		}
	}

	if err := t.emitScript(e, lifecycle.PreScriptSeq, "dagman::pre",
		job.PreScriptStart, job.PreScriptDone, job.PreScriptExit); err != nil {
		return err
	}
	return t.emitScript(e, lifecycle.PostScriptSeq, "dagman::post",
		job.PostScriptStart, job.PostScriptDone, job.PostScriptExit)
}

// emitScript synthesizes the invocation row for a script phase from the
// scheduler timestamps, since no wrapper record exists for it.
func (t *Tracker) emitScript(e *events.Event, seq int, transformation string, start, done *int64, exit *int) error {
	if start == nil {
		return nil
	}

	inv := &events.Event{
		Kind:           events.KindInvocationEnd,
		Name:           "inv.end",
		Timestamp:      e.Timestamp,
		WorkflowUUID:   e.WorkflowUUID,
		ExecJobID:      e.ExecJobID,
		SubmitSeq:      e.SubmitSeq,
		Transformation: transformation,
		ExitCode:       exit,
	}
	s := seq
	inv.TaskSubmitSeq = &s
	st := float64(*start)
	inv.StartTime = &st
	if done != nil {
		dur := float64(*done - *start)
		inv.RemoteDuration = &dur
	}
	return t.sink.Process(inv)
}

// emitIntegrity derives one int.metric per accumulated counter bucket.
func (t *Tracker) emitIntegrity(e *events.Event, job *lifecycle.Job) error {
	for _, m := range job.IntegrityMetrics() {
		ev := &events.Event{
			Kind:              events.KindIntegrityMetric,
			Name:              "int.metric",
			Timestamp:         e.Timestamp,
			WorkflowUUID:      e.WorkflowUUID,
			ExecJobID:         e.ExecJobID,
			SubmitSeq:         e.SubmitSeq,
			IntegrityType:     m.Type,
			IntegrityFileType: m.FileType,
		}
		count, succeeded, failed, dur := m.Count, m.Succeeded, m.Failed, m.Duration
		ev.IntegrityCount = &count
		ev.IntegritySucceeded = &succeeded
		ev.IntegrityFailed = &failed
		ev.IntegrityDuration = &dur

		if err := t.sink.Process(ev); err != nil {
			return err
		}
	}
	return nil
}

// stateOf maps a scheduler event to the lifecycle phase it advances.
// Events that do not advance a phase (host info, tags) report false.
func stateOf(e *events.Event) (lifecycle.State, bool) {
	failed := e.Status != nil && *e.Status != 0

	pick := func(fail, ok lifecycle.State) (lifecycle.State, bool) {
		if failed {
			return fail, true
		}
		return ok, true
	}

	switch e.Kind {
	case events.KindPreScriptStart:
		return lifecycle.StatePreScriptStarted, true
	case events.KindPreScriptEnd:
		return pick(lifecycle.StatePreScriptFailure, lifecycle.StatePreScriptSuccess)
	case events.KindSubmitEnd:
		return pick(lifecycle.StateSubmitFailed, lifecycle.StateSubmit)
	case events.KindGridSubmitEnd:
		return pick(lifecycle.StateGridSubmitFailed, lifecycle.StateGridSubmit)
	case events.KindGlobusSubmitEnd:
		return pick(lifecycle.StateGlobusSubmitFailed, lifecycle.StateGlobusSubmit)
	case events.KindHeldStart:
		return lifecycle.StateJobHeld, true
	case events.KindHeldEnd:
		return lifecycle.StateJobReleased, true
	case events.KindMainStart:
		return lifecycle.StateExecute, true
	case events.KindMainTerm:
		return pick(lifecycle.StateJobEvicted, lifecycle.StateJobTerminated)
	case events.KindMainEnd:
		return pick(lifecycle.StateJobFailure, lifecycle.StateJobSuccess)
	case events.KindAbortInfo:
		return lifecycle.StateJobAborted, true
	case events.KindPostScriptStart:
		return lifecycle.StatePostScriptStarted, true
	case events.KindPostScriptTerm:
		return lifecycle.StatePostScriptTerm, true
	case events.KindPostScriptEnd:
		return pick(lifecycle.StatePostScriptFailure, lifecycle.StatePostScriptSuccess)
	}
	return "", false
}
