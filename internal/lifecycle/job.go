package lifecycle

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wftrace/wftrace/internal/kickstart"
	"github.com/wftrace/wftrace/internal/log"
)

var logger = log.GetLogger()

// DefaultOutputCeiling caps how much captured task output is kept per job.
const DefaultOutputCeiling = 1<<16 - 1

// Task sequence numbers for the script phases. Main task invocations count
// up from 1; the scripts run outside the main phase and get fixed negative
// slots.
const (
	PreScriptSeq  = -1
	PostScriptSeq = -2
)

// State is one scheduler-visible phase of a job attempt.
type State string

const (
	StatePreScriptStarted   State = "PRE_SCRIPT_STARTED"
	StatePreScriptSuccess   State = "PRE_SCRIPT_SUCCESS"
	StatePreScriptFailure   State = "PRE_SCRIPT_FAILURE"
	StateSubmit             State = "SUBMIT"
	StateSubmitFailed       State = "SUBMIT_FAILED"
	StateGridSubmit         State = "GRID_SUBMIT"
	StateGridSubmitFailed   State = "GRID_SUBMIT_FAILED"
	StateGlobusSubmit       State = "GLOBUS_SUBMIT"
	StateGlobusSubmitFailed State = "GLOBUS_SUBMIT_FAILED"
	StateJobHeld            State = "JOB_HELD"
	StateJobReleased        State = "JOB_RELEASED"
	StateExecute            State = "EXECUTE"
	StateJobEvicted         State = "JOB_EVICTED"
	StateJobTerminated      State = "JOB_TERMINATED"
	StateJobAborted         State = "JOB_ABORTED"
	StateJobSuccess         State = "JOB_SUCCESS"
	StateJobFailure         State = "JOB_FAILURE"
	StatePostScriptStarted  State = "POST_SCRIPT_STARTED"
	StatePostScriptTerm     State = "POST_SCRIPT_TERMINATED"
	StatePostScriptSuccess  State = "POST_SCRIPT_SUCCESS"
	StatePostScriptFailure  State = "POST_SCRIPT_FAILURE"
)

// Outcome classifies a job attempt from the states observed so far.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeRunning
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRunning:
		return "running"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	}
	return "unknown"
}

// TaskRecord is one executed task attempt attached to a job: either a main
// task invocation parsed from wrapper output (positive Seq) or a pre/post
// script execution synthesized from scheduler timestamps (negative Seq).
type TaskRecord struct {
	Seq            int
	Start          float64
	Duration       float64
	ExitCode       int
	Transformation string
	Executable     string
	Args           string
	Invocation     *kickstart.Invocation
}

// Job tracks one job attempt from the first scheduler event through wrapper
// output extraction. It is single-writer state owned by the tracking loop.
type Job struct {
	WorkflowUUID string
	ExecJobID    string
	SubmitSeq    int
	SubmitDir    string

	SchedID       string
	Site          string
	Hostname      string
	HostIP        string
	RemoteUser    string
	RemoteWorkDir string
	JobType       string

	State          State
	StateSeq       int
	StateTimestamp int64

	PreScriptStart   *int64
	PreScriptDone    *int64
	PreScriptExit    *int
	MainJobStart     *int64
	MainJobDone      *int64
	MainJobExit      *int
	PostScriptStart  *int64
	PostScriptDone   *int64
	PostScriptExit   *int

	Transformation   string
	Derivation       string
	Executable       string
	Arguments        string
	MultiplierFactor int

	ClusterStart    *float64
	ClusterDuration *float64

	StdoutFile string
	StderrFile string
	StdinFile  string
	StdoutText string
	StderrText string

	// OutputCeiling bounds StdoutText; zero means DefaultOutputCeiling.
	OutputCeiling int

	KickstartParsed bool

	firstSubmit     *int64
	firstGridSubmit *int64
	firstExecute    *int64
	sawSuccess      bool
	sawFailure      bool

	tasks            []TaskRecord
	monitoringEvents []map[string]any
	multipartEvents  []map[string]any
	integrityMetrics []*IntegrityMetric
}

// NewJob starts tracking a job attempt. Jobs are created when the first
// pre-script or submit phase event for the attempt is seen.
func NewJob(wfUUID, execJobID, submitDir string, submitSeq int) *Job {
	return &Job{
		WorkflowUUID: wfUUID,
		ExecJobID:    execJobID,
		SubmitDir:    submitDir,
		SubmitSeq:    submitSeq,
	}
}

func (j *Job) ceiling() int {
	if j.OutputCeiling > 0 {
		return j.OutputCeiling
	}
	return DefaultOutputCeiling
}

// ApplyState advances the job to a new scheduler phase, recording the
// timestamps that phase defines. Phases that imply the main job ended
// without a termination event having been seen back-fill the completion
// timestamp, so a dropped event never leaves the attempt open.
func (j *Job) ApplyState(state State, schedID string, timestamp int64, status *int) {
	j.State = state
	j.StateTimestamp = timestamp
	j.StateSeq++
	if j.SchedID == "" {
		j.SchedID = schedID
	}

	switch state {
	case StatePreScriptStarted:
		j.PreScriptStart = &timestamp
	case StatePreScriptSuccess, StatePreScriptFailure:
		j.PreScriptDone = &timestamp
		j.PreScriptExit = status
		if state == StatePreScriptFailure {
			j.sawFailure = true
		}
	case StateSubmit:
		if j.firstSubmit == nil {
			j.firstSubmit = &timestamp
		}
	case StateGridSubmit, StateGlobusSubmit:
		if j.firstGridSubmit == nil {
			j.firstGridSubmit = &timestamp
		}
	case StateExecute:
		j.MainJobStart = &timestamp
		if j.firstExecute == nil {
			j.firstExecute = &timestamp
		}
	case StateJobTerminated:
		j.MainJobDone = &timestamp
	case StateJobAborted, StateSubmitFailed, StateGridSubmitFailed, StateGlobusSubmitFailed:
		// the termination event most likely never happened
		j.MainJobDone = &timestamp
		j.sawFailure = true
	case StateJobSuccess, StateJobFailure:
		j.MainJobExit = status
		if state == StateJobFailure {
			j.sawFailure = true
		} else {
			j.sawSuccess = true
		}
	case StatePostScriptStarted:
		j.PostScriptStart = &timestamp
	case StatePostScriptTerm:
		j.PostScriptDone = &timestamp
	case StatePostScriptSuccess, StatePostScriptFailure:
		j.PostScriptExit = status
		if j.MainJobDone == nil {
			// missing termination event, the post script could not have
			// run before the main job ended
			j.MainJobDone = &timestamp
		}
		if state == StatePostScriptFailure {
			j.sawFailure = true
		} else {
			j.sawSuccess = true
		}
	}
}

// Outcome reports the classification of the attempt. Failure dominates:
// a later success-looking state after a failure (a retry artifact) never
// flips a failed attempt back to success.
func (j *Job) Outcome() Outcome {
	switch {
	case j.sawFailure:
		return OutcomeFailure
	case j.sawSuccess:
		return OutcomeSuccess
	case j.StateSeq > 0:
		return OutcomeRunning
	}
	return OutcomeUnknown
}

// ResourceDelay is the time the job spent waiting for a remote resource:
// first execution minus first grid submission.
func (j *Job) ResourceDelay() (float64, bool) {
	if j.firstExecute == nil || j.firstGridSubmit == nil {
		return 0, false
	}
	return float64(*j.firstExecute - *j.firstGridSubmit), true
}

// Runtime is the scheduler-visible wall time of the attempt: termination
// minus first execution, falling back to first submission when the
// execution event was never seen.
func (j *Job) Runtime() (float64, bool) {
	if j.MainJobDone == nil {
		return 0, false
	}
	start := j.firstExecute
	if start == nil {
		start = j.firstSubmit
	}
	if start == nil {
		return 0, false
	}
	return float64(*j.MainJobDone - *start), true
}

// ExtractOutput folds parsed wrapper output into the job: identity fields
// from the first invocation record, captured stdout/stderr with embedded
// telemetry split out, integrity counters from multipart blocks, and
// clustering figures from the summary record.
// It reports whether at least one invocation record was found.
func (j *Job) ExtractOutput(records []kickstart.Record) bool {
	if len(records) == 0 {
		return false
	}
	j.KickstartParsed = true

	found := false
	taskNumber := 0
	outputSize := 0
	var outputs []string

	for i := range records {
		rec := &records[i]
		switch rec.Kind {
		case kickstart.RecordMultipart:
			j.addMultipartEvent(rec.Multipart)
			continue
		case kickstart.RecordInvocation:
		default:
			continue
		}

		inv := rec.Invocation
		taskNumber++
		if !found {
			if inv.Resource != "" {
				j.Site = inv.Resource
			}
			if inv.User != "" {
				j.RemoteUser = inv.User
			}
			if inv.Cwd != "" {
				j.RemoteWorkDir = inv.Cwd
			}
			found = true
		}
		if inv.Hostname != "" && j.Hostname == "" {
			j.Hostname = inv.Hostname
			j.HostIP = inv.HostAddr
		}

		if inv.Stdout != "" {
			split := SplitTaskOutput(inv.Stdout)
			j.addMonitoringEvents(split.Events)
			if snippet, ok := j.snippet(split.UserData, outputSize); ok {
				outputs = append(outputs, fmt.Sprintf("#@ %d stdout\n", taskNumber), snippet, "\n")
				outputSize += len(snippet) + 20
			}
		}
		if inv.Stderr != "" {
			split := SplitTaskOutput(inv.Stderr)
			j.addMonitoringEvents(split.Events)
			data := signalMessage(inv) + split.UserData
			if snippet, ok := j.snippet(data, outputSize); ok {
				outputs = append(outputs, fmt.Sprintf("#@ %d stderr\n", taskNumber), snippet, "\n")
				outputSize += len(snippet) + 20
			}
		}
	}

	if len(outputs) > 0 {
		j.StdoutText = strings.Join(outputs, "")
	}

	for i := range records {
		rec := &records[i]
		if rec.Kind != kickstart.RecordClusterSummary {
			continue
		}
		if d, ok := rec.PropFloat("duration"); ok {
			j.ClusterDuration = &d
		}
		if s, ok := rec.Prop("start"); ok {
			if epoch, err := epochOf(s); err == nil {
				j.ClusterStart = &epoch
			}
		}
		break
	}

	if !found {
		logger.Debugf("no invocation record in wrapper output for job %s", j.ExecJobID)
	}
	return found
}

// AttachInvocations folds executed task attempts into the job. The first
// main-task record seeds the transformation name; main-task durations
// accumulate as a sum because clustered tasks run serially inside one
// attempt. Script records fill their own phase fields. A clustering figure
// already supplied by a summary record is never overridden here.
func (j *Job) AttachInvocations(tasks []TaskRecord) {
	var sum float64
	var haveSum bool
	var firstStart float64
	var haveStart bool

	for _, task := range tasks {
		j.tasks = append(j.tasks, task)
		switch {
		case task.Seq > 0:
			if j.Transformation == "" && task.Transformation != "" {
				j.Transformation = task.Transformation
			}
			sum += task.Duration
			haveSum = true
			if !haveStart || task.Start < firstStart {
				firstStart = task.Start
				haveStart = true
			}
		case task.Seq == PreScriptSeq:
			if j.PreScriptStart == nil && task.Start > 0 {
				start := int64(task.Start)
				j.PreScriptStart = &start
			}
			if j.PreScriptDone == nil && task.Duration > 0 {
				done := int64(task.Start + task.Duration)
				j.PreScriptDone = &done
			}
		case task.Seq == PostScriptSeq:
			if j.PostScriptStart == nil && task.Start > 0 {
				start := int64(task.Start)
				j.PostScriptStart = &start
			}
			if j.PostScriptDone == nil && task.Duration > 0 {
				done := int64(task.Start + task.Duration)
				j.PostScriptDone = &done
			}
		}
	}

	if j.ClusterDuration == nil && haveSum {
		j.ClusterDuration = &sum
	}
	if j.ClusterStart == nil && haveStart {
		j.ClusterStart = &firstStart
	}
}

// Tasks returns the attached task attempts in arrival order.
func (j *Job) Tasks() []TaskRecord {
	return j.tasks
}

// MonitoringEvents returns the telemetry events split out of task output.
func (j *Job) MonitoringEvents() []map[string]any {
	return j.monitoringEvents
}

// MultipartEvents returns the non-integrity multipart telemetry documents.
func (j *Job) MultipartEvents() []map[string]any {
	return j.multipartEvents
}

// IntegrityMetrics returns the accumulated integrity counters.
func (j *Job) IntegrityMetrics() []*IntegrityMetric {
	return j.integrityMetrics
}

// IntegrityErrorCount sums the failed counters across all metrics.
func (j *Job) IntegrityErrorCount() int {
	n := 0
	for _, m := range j.integrityMetrics {
		n += m.Failed
	}
	return n
}

// AddIntegrityMetric records a metric, merging it into an existing one with
// the same type and file type.
func (j *Job) AddIntegrityMetric(metric *IntegrityMetric) {
	if metric == nil {
		return
	}
	for _, m := range j.integrityMetrics {
		if m.Key() == metric.Key() {
			if err := m.Merge(metric); err != nil {
				logger.Errorf("job %s: %v", j.ExecJobID, err)
			}
			return
		}
	}
	j.integrityMetrics = append(j.integrityMetrics, metric)
}

// addMultipartEvent routes one multipart telemetry document: integrity
// summaries fold into the metric accumulator, everything else is kept for
// the composite event.
func (j *Job) addMultipartEvent(event map[string]any) {
	if summary, ok := event["integrity_summary"].(map[string]any); ok {
		j.AddIntegrityMetric(&IntegrityMetric{
			Type:      "check",
			FileType:  "input",
			Succeeded: int(numField(summary, "succeeded")),
			Failed:    int(numField(summary, "failed")),
			Duration:  numField(summary, "duration"),
		})
		return
	}
	j.multipartEvents = append(j.multipartEvents, event)
}

// addMonitoringEvents routes telemetry split out of task output. Integrity
// metric events fold into the accumulator; the rest are kept verbatim.
func (j *Job) addMonitoringEvents(events []map[string]any) {
	for _, event := range events {
		if strField(event, "monitoring_event") == "int.metric" {
			payload, _ := event["payload"].([]any)
			for _, raw := range payload {
				m, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				j.AddIntegrityMetric(&IntegrityMetric{
					Type:      strField(m, "event"),
					FileType:  strField(m, "file_type"),
					Count:     int(numField(m, "count")),
					Succeeded: int(numField(m, "succeeded")),
					Failed:    int(numField(m, "failed")),
					Duration:  numField(m, "duration"),
				})
			}
			continue
		}
		j.monitoringEvents = append(j.monitoringEvents, event)
	}
}

// snippet returns as much of one task's output as still fits under the
// ceiling, preserving the oldest content when truncating.
func (j *Job) snippet(data string, used int) (string, bool) {
	remaining := j.ceiling() - used - 20
	if len(data) <= remaining {
		return data, true
	}
	if remaining > 0 {
		return data[:remaining], true
	}
	return "", false
}

// signalMessage renders the signal information of an invocation as a short
// prefix for the captured stderr.
func signalMessage(inv *kickstart.Invocation) string {
	if inv.Signal == nil && inv.Action == "" {
		return " "
	}
	msg := "Job was " + inv.Action
	if inv.Signal != nil {
		msg += " with signal " + strconv.Itoa(*inv.Signal)
	}
	return msg
}

// epochOf converts a wrapper ISO-8601 timestamp to epoch seconds.
func epochOf(stamp string) (float64, error) {
	for _, layout := range []string{
		"2006-01-02T15:04:05.000-07:00",
		"2006-01-02T15:04:05-07:00",
		time.RFC3339Nano,
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, stamp); err == nil {
			return float64(t.UnixNano()) / float64(time.Second), nil
		}
	}
	return 0, fmt.Errorf("unparseable timestamp %q", stamp)
}
