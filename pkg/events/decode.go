package events

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// fieldSetter applies one wire attribute to the typed event.
type fieldSetter func(e *Event, v string) error

func setString(dst func(*Event) *string) fieldSetter {
	return func(e *Event, v string) error {
		*dst(e) = v
		return nil
	}
}

func setInt(dst func(*Event) **int) fieldSetter {
	return func(e *Event, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("integer attribute: %w", err)
		}
		*dst(e) = &n
		return nil
	}
}

func setInt64(dst func(*Event) **int64) fieldSetter {
	return func(e *Event, v string) error {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("integer attribute: %w", err)
		}
		*dst(e) = &n
		return nil
	}
}

func setFloat(dst func(*Event) **float64) fieldSetter {
	return func(e *Event, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("float attribute: %w", err)
		}
		*dst(e) = &f
		return nil
	}
}

func setBool(dst func(*Event) **bool) fieldSetter {
	return func(e *Event, v string) error {
		b, err := parseFlag(v)
		if err != nil {
			return err
		}
		*dst(e) = &b
		return nil
	}
}

func parseFlag(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes":
		return true, nil
	case "0", "false", "f", "no", "":
		return false, nil
	}
	return false, fmt.Errorf("boolean attribute %q", v)
}

// wire key -> typed field. The table is the single place where event wire
// vocabulary meets the Event struct; handlers downstream only read fields.
var fieldTable = map[string]fieldSetter{
	"xwf.id":      setString(func(e *Event) *string { return &e.WorkflowUUID }),
	"root.xwf.id": setString(func(e *Event) *string { return &e.RootUUID }),
	"parent.xwf.id": setString(func(e *Event) *string { return &e.ParentUUID }),
	"subwf.id":    setString(func(e *Event) *string { return &e.SubWorkflowUUID }),
	"level":       setString(func(e *Event) *string { return &e.Level }),

	"submit.dir":      setString(func(e *Event) *string { return &e.SubmitDir }),
	"submit.hostname": setString(func(e *Event) *string { return &e.SubmitHostname }),
	"planner.version": setString(func(e *Event) *string { return &e.PlannerVersion }),
	"argv":            setString(func(e *Event) *string { return &e.PlannerArgs }),
	"user":            setString(func(e *Event) *string { return &e.User }),
	"grid_dn":         setString(func(e *Event) *string { return &e.GridDN }),
	"dag.file.name":   setString(func(e *Event) *string { return &e.DAGFileName }),
	"dax.label":       setString(func(e *Event) *string { return &e.DAXLabel }),
	"dax.version":     setString(func(e *Event) *string { return &e.DAXVersion }),
	"dax.file":        setString(func(e *Event) *string { return &e.DAXFile }),

	"restart_count": setInt(func(e *Event) **int { return &e.RestartCount }),
	"status":        setInt(func(e *Event) **int { return &e.Status }),

	"job.id":        setString(func(e *Event) *string { return &e.ExecJobID }),
	"parent.job.id": setString(func(e *Event) *string { return &e.ParentExecJobID }),
	"child.job.id":  setString(func(e *Event) *string { return &e.ChildExecJobID }),
	"submit_file":   setString(func(e *Event) *string { return &e.SubmitFile }),
	"type_desc":     setString(func(e *Event) *string { return &e.JobType }),
	"clustered":     setBool(func(e *Event) **bool { return &e.Clustered }),
	"max_retries":   setInt(func(e *Event) **int { return &e.MaxRetries }),
	"task.count":    setInt(func(e *Event) **int { return &e.TaskCount }),
	"executable":    setString(func(e *Event) *string { return &e.Executable }),

	"task.id":        setString(func(e *Event) *string { return &e.AbsTaskID }),
	"parent.task.id": setString(func(e *Event) *string { return &e.ParentAbsTaskID }),
	"child.task.id":  setString(func(e *Event) *string { return &e.ChildAbsTaskID }),
	"transformation": setString(func(e *Event) *string { return &e.Transformation }),

	"job_inst.id": setInt(func(e *Event) **int { return &e.SubmitSeq }),
	"js.id":       setInt(func(e *Event) **int { return &e.JobStateSeq }),
	"sched.id":    setString(func(e *Event) *string { return &e.SchedID }),
	"site":        setString(func(e *Event) *string { return &e.Site }),
	"work_dir":    setString(func(e *Event) *string { return &e.WorkDir }),
	"stdin.file":  setString(func(e *Event) *string { return &e.StdinFile }),
	"stdout.file": setString(func(e *Event) *string { return &e.StdoutFile }),
	"stderr.file": setString(func(e *Event) *string { return &e.StderrFile }),
	"stdout.text": setString(func(e *Event) *string { return &e.StdoutText }),
	"stderr.text": setString(func(e *Event) *string { return &e.StderrText }),

	"multiplier_factor": setInt(func(e *Event) **int { return &e.MultiplierFactor }),
	"cluster.start":     setFloat(func(e *Event) **float64 { return &e.ClusterStart }),
	"cluster.dur":       setFloat(func(e *Event) **float64 { return &e.ClusterDuration }),
	"local.dur":         setFloat(func(e *Event) **float64 { return &e.LocalDuration }),

	"inv.id":          setInt(func(e *Event) **int { return &e.TaskSubmitSeq }),
	"start_time":      setFloat(func(e *Event) **float64 { return &e.StartTime }),
	"dur":             setFloat(func(e *Event) **float64 { return &e.RemoteDuration }),
	"remote_cpu_time": setFloat(func(e *Event) **float64 { return &e.RemoteCPUTime }),
	"avg_cpu":         setFloat(func(e *Event) **float64 { return &e.AvgCPU }),
	"exitcode":        setInt(func(e *Event) **int { return &e.ExitCode }),
	"maxrss":          setInt(func(e *Event) **int { return &e.MaxRSS }),

	"hostname":     setString(func(e *Event) *string { return &e.Hostname }),
	"ip":           setString(func(e *Event) *string { return &e.IP }),
	"uname":        setString(func(e *Event) *string { return &e.Uname }),
	"total_memory": setInt64(func(e *Event) **int64 { return &e.TotalMemory }),

	"lfn.id": setString(func(e *Event) *string { return &e.LFN }),
	"pfn":    setString(func(e *Event) *string { return &e.PFN }),
	"key":    setString(func(e *Event) *string { return &e.Key }),
	"value":  setString(func(e *Event) *string { return &e.Value }),

	"int.metric.type":      setString(func(e *Event) *string { return &e.IntegrityType }),
	"int.metric.file_type": setString(func(e *Event) *string { return &e.IntegrityFileType }),
	"int.metric.count":     setInt(func(e *Event) **int { return &e.IntegrityCount }),
	"int.metric.succeeded": setInt(func(e *Event) **int { return &e.IntegritySucceeded }),
	"int.metric.failed":    setInt(func(e *Event) **int { return &e.IntegrityFailed }),
	"int.metric.dur":       setFloat(func(e *Event) **float64 { return &e.IntegrityDuration }),
	"int.error.count":      setInt(func(e *Event) **int { return &e.IntErrorCount }),

	"tag.name":  setString(func(e *Event) *string { return &e.TagName }),
	"tag.count": setInt(func(e *Event) **int { return &e.TagCount }),
}

// jobInstancePrefix marks events addressed to one job instance. Names with
// this prefix that are not in the closed vocabulary decode to the generic
// job-state kind instead of failing, so a newer producer cannot stall intake.
const jobInstancePrefix = "job_inst."

// namespacePrefix is the vocabulary namespace some producers prepend to
// every event name on the wire.
const namespacePrefix = "stampede."

// KindOf resolves a wire event name to its Kind. Unrecognized job-instance
// events map to KindJobInstanceGeneric; anything else is KindUnknown.
func KindOf(name string) Kind {
	name = strings.TrimPrefix(name, namespacePrefix)
	if k, ok := kindNames[name]; ok {
		return k
	}
	if strings.HasPrefix(name, jobInstancePrefix) {
		return KindJobInstanceGeneric
	}
	return KindUnknown
}

// Decode turns one raw wire record into a typed Event. The "event" and "ts"
// attributes are required; every other attribute is applied through the field
// table, and keys the table does not know are preserved in Attrs.
func Decode(raw map[string]string) (*Event, error) {
	name, ok := raw["event"]
	if !ok || name == "" {
		return nil, fmt.Errorf("decode event: missing event name")
	}
	name = strings.TrimPrefix(name, namespacePrefix)
	kind := KindOf(name)
	if kind == KindUnknown {
		return nil, fmt.Errorf("decode event: unrecognized event %q", name)
	}

	e := &Event{Kind: kind, Name: name}

	ts, ok := raw["ts"]
	if !ok {
		return nil, fmt.Errorf("decode event %s: missing timestamp", name)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(ts), 64)
	if err != nil {
		return nil, fmt.Errorf("decode event %s: timestamp: %w", name, err)
	}
	e.Timestamp = f

	for k, v := range raw {
		if k == "event" || k == "ts" {
			continue
		}
		set, ok := fieldTable[k]
		if !ok {
			if e.Attrs == nil {
				e.Attrs = make(map[string]string)
			}
			e.Attrs[k] = v
			continue
		}
		if err := set(e, v); err != nil {
			return nil, fmt.Errorf("decode event %s: attribute %s: %w", name, k, err)
		}
	}

	if err := validate(e); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", name, err)
	}
	return e, nil
}

// validate enforces the identity attributes each event family must carry.
func validate(e *Event) error {
	if e.WorkflowUUID == "" {
		return fmt.Errorf("missing workflow id")
	}
	if _, err := uuid.Parse(e.WorkflowUUID); err != nil {
		return fmt.Errorf("workflow id: %w", err)
	}
	if e.JobInstanceEvent() {
		if e.ExecJobID == "" {
			return fmt.Errorf("missing job id")
		}
		if e.SubmitSeq == nil {
			return fmt.Errorf("missing submit sequence")
		}
	}
	switch e.Kind {
	case KindInvocationStart, KindInvocationEnd:
		if e.ExecJobID == "" {
			return fmt.Errorf("missing job id")
		}
		if e.SubmitSeq == nil || e.TaskSubmitSeq == nil {
			return fmt.Errorf("missing invocation identity")
		}
	case KindTaskInfo, KindTaskMeta, KindTaskMap:
		if e.AbsTaskID == "" {
			return fmt.Errorf("missing task id")
		}
	case KindTaskEdge:
		if e.ParentAbsTaskID == "" || e.ChildAbsTaskID == "" {
			return fmt.Errorf("missing task edge endpoints")
		}
	case KindJobEdge:
		if e.ParentExecJobID == "" || e.ChildExecJobID == "" {
			return fmt.Errorf("missing job edge endpoints")
		}
	case KindSubworkflowMap:
		if e.SubWorkflowUUID == "" {
			return fmt.Errorf("missing subworkflow id")
		}
	case KindFileMeta, KindFilePFN, KindWorkflowFileMap:
		if e.LFN == "" {
			return fmt.Errorf("missing logical file name")
		}
	}
	return nil
}
