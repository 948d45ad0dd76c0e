package events

// Kind identifies one event type in the workflow tracking vocabulary.
// The set is closed: the decoder maps every recognized wire name to exactly
// one Kind, and the loader dispatches with an exhaustive switch over it.
type Kind int

const (
	KindUnknown Kind = iota

	// Static workflow definition events.
	KindWorkflowPlan
	KindStaticStart
	KindStaticEnd
	KindTaskInfo
	KindTaskEdge
	KindTaskMap
	KindJobInfo
	KindJobEdge

	// Workflow run state events.
	KindWorkflowStart
	KindWorkflowEnd
	KindSubworkflowMap

	// Job instance lifecycle events.
	KindPreScriptStart
	KindPreScriptTerm
	KindPreScriptEnd
	KindSubmitStart
	KindSubmitEnd
	KindGridSubmitStart
	KindGridSubmitEnd
	KindGlobusSubmitStart
	KindGlobusSubmitEnd
	KindHeldStart
	KindHeldEnd
	KindMainStart
	KindMainTerm
	KindMainEnd
	KindPostScriptStart
	KindPostScriptTerm
	KindPostScriptEnd
	KindImageInfo
	KindAbortInfo
	KindHostInfo
	KindTag

	// Unrecognized job-instance event routed to the generic state handler.
	KindJobInstanceGeneric

	// Task invocation events.
	KindInvocationStart
	KindInvocationEnd

	// Metadata and file annotation events.
	KindStaticMetaStart
	KindStaticMetaEnd
	KindWorkflowMeta
	KindTaskMeta
	KindFileMeta
	KindFilePFN
	KindWorkflowFileMap
	KindIntegrityMetric
	KindTaskMonitoring
)

// kindNames maps wire event names to kinds. The names are the tracking-log
// vocabulary emitted by the log reader.
var kindNames = map[string]Kind{
	"wf.plan":                  KindWorkflowPlan,
	"static.start":             KindStaticStart,
	"static.end":               KindStaticEnd,
	"task.info":                KindTaskInfo,
	"task.edge":                KindTaskEdge,
	"wf.map.task_job":          KindTaskMap,
	"job.info":                 KindJobInfo,
	"job.edge":                 KindJobEdge,
	"xwf.start":                KindWorkflowStart,
	"xwf.end":                  KindWorkflowEnd,
	"xwf.map.subwf_job":        KindSubworkflowMap,
	"job_inst.pre.start":       KindPreScriptStart,
	"job_inst.pre.term":        KindPreScriptTerm,
	"job_inst.pre.end":         KindPreScriptEnd,
	"job_inst.submit.start":    KindSubmitStart,
	"job_inst.submit.end":      KindSubmitEnd,
	"job_inst.grid.submit.start":   KindGridSubmitStart,
	"job_inst.grid.submit.end":     KindGridSubmitEnd,
	"job_inst.globus.submit.start": KindGlobusSubmitStart,
	"job_inst.globus.submit.end":   KindGlobusSubmitEnd,
	"job_inst.held.start":      KindHeldStart,
	"job_inst.held.end":        KindHeldEnd,
	"job_inst.main.start":      KindMainStart,
	"job_inst.main.term":       KindMainTerm,
	"job_inst.main.end":        KindMainEnd,
	"job_inst.post.start":      KindPostScriptStart,
	"job_inst.post.term":       KindPostScriptTerm,
	"job_inst.post.end":        KindPostScriptEnd,
	"job_inst.image.info":      KindImageInfo,
	"job_inst.abort.info":      KindAbortInfo,
	"job_inst.host.info":       KindHostInfo,
	"job_inst.tag":             KindTag,
	"inv.start":                KindInvocationStart,
	"inv.end":                  KindInvocationEnd,
	"static.meta.start":        KindStaticMetaStart,
	"static.meta.end":          KindStaticMetaEnd,
	"xwf.meta":                 KindWorkflowMeta,
	"task.meta":                KindTaskMeta,
	"rc.meta":                  KindFileMeta,
	"rc.pfn":                   KindFilePFN,
	"wf.map.file":              KindWorkflowFileMap,
	"int.metric":               KindIntegrityMetric,
	"task.monitoring":          KindTaskMonitoring,
}

// Event is one decoded workflow tracking event. The decoder produces a fully
// typed value; handlers never see the raw string map. Optional numeric fields
// are pointers so that "absent" is distinguishable from zero.
type Event struct {
	Kind      Kind
	Name      string
	Timestamp float64
	Level     string

	// Workflow identity.
	WorkflowUUID    string
	RootUUID        string
	ParentUUID      string
	SubWorkflowUUID string

	// Workflow plan attributes.
	SubmitDir      string
	SubmitHostname string
	PlannerVersion string
	PlannerArgs    string
	User           string
	GridDN         string
	DAGFileName    string
	DAXLabel       string
	DAXVersion     string
	DAXFile        string

	// Run state attributes.
	RestartCount *int
	Status       *int

	// Job identity and static job attributes.
	ExecJobID       string
	ParentExecJobID string
	ChildExecJobID  string
	SubmitFile      string
	JobType         string
	Clustered       *bool
	MaxRetries      *int
	TaskCount       *int
	Executable      string
	Argv            string

	// Task identity.
	AbsTaskID       string
	ParentAbsTaskID string
	ChildAbsTaskID  string
	Transformation  string

	// Job instance attributes.
	SubmitSeq        *int
	JobStateSeq      *int
	SchedID          string
	Site             string
	WorkDir          string
	StdinFile        string
	StdoutFile       string
	StderrFile       string
	StdoutText       string
	StderrText       string
	MultiplierFactor *int
	ClusterStart     *float64
	ClusterDuration  *float64
	LocalDuration    *float64

	// Invocation attributes.
	TaskSubmitSeq  *int
	StartTime      *float64
	RemoteDuration *float64
	RemoteCPUTime  *float64
	AvgCPU         *float64
	ExitCode       *int
	MaxRSS         *int

	// Host attributes.
	Hostname    string
	IP          string
	Uname       string
	TotalMemory *int64

	// File annotation attributes.
	LFN  string
	PFN  string
	Key  string
	Value string

	// Integrity metric attributes.
	IntegrityType     string
	IntegrityFileType string
	IntegrityCount    *int
	IntegritySucceeded *int
	IntegrityFailed   *int
	IntegrityDuration *float64
	IntErrorCount     *int

	// Tag attributes.
	TagName  string
	TagCount *int

	// Extension attributes that have no dedicated field (for example
	// flattened task metadata carried on composite events).
	Attrs map[string]string
}

// TerminalWorkflowEvent reports whether the event closes a workflow run, which
// is the barrier that triggers a flush and a cache purge in the loader.
func (e *Event) TerminalWorkflowEvent() bool {
	return e.Kind == KindWorkflowEnd
}

// JobInstanceEvent reports whether the event addresses one job instance, i.e.
// carries the (workflow, job, submit-sequence) triple.
func (e *Event) JobInstanceEvent() bool {
	switch e.Kind {
	case KindPreScriptStart, KindPreScriptTerm, KindPreScriptEnd,
		KindSubmitStart, KindSubmitEnd,
		KindGridSubmitStart, KindGridSubmitEnd,
		KindGlobusSubmitStart, KindGlobusSubmitEnd,
		KindHeldStart, KindHeldEnd,
		KindMainStart, KindMainTerm, KindMainEnd,
		KindPostScriptStart, KindPostScriptTerm, KindPostScriptEnd,
		KindImageInfo, KindAbortInfo, KindHostInfo, KindTag,
		KindJobInstanceGeneric:
		return true
	}
	return false
}
