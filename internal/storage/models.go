package storage

// The tracking schema. Every table keeps the natural keys events carry
// (workflow UUID, exec job id, submit sequence numbers) next to the
// surrogate id, with a unique index on the natural key so duplicate events
// surface as constraint violations instead of silent double rows.
// Timestamps are epoch seconds with sub-second precision, as emitted by the
// log reader.

// WorkflowModel is one planned workflow run.
type WorkflowModel struct {
	ID             int64   `gorm:"primaryKey;autoIncrement"`
	WfUUID         string  `gorm:"type:varchar(255);not null;uniqueIndex:uniq_workflow_uuid"`
	ParentWfID     *int64  `gorm:"index:idx_workflow_parent"`
	RootWfID       int64   `gorm:"index:idx_workflow_root"`
	DAGFileName    string  `gorm:"type:varchar(255)"`
	Timestamp      float64 `gorm:"type:numeric(16,6)"`
	SubmitHostname string  `gorm:"type:varchar(255)"`
	SubmitDir      string  `gorm:"type:text"`
	PlannerArgs    string  `gorm:"type:text"`
	User           string  `gorm:"type:varchar(255)"`
	GridDN         string  `gorm:"type:varchar(255)"`
	PlannerVersion string  `gorm:"type:varchar(255)"`
	DAXLabel       string  `gorm:"type:varchar(255)"`
	DAXVersion     string  `gorm:"type:varchar(255)"`
	DAXFile        string  `gorm:"type:varchar(255)"`
}

func (WorkflowModel) TableName() string {
	return "workflow"
}

// WorkflowStateModel is the append-only workflow state log.
type WorkflowStateModel struct {
	ID           int64   `gorm:"primaryKey;autoIncrement"`
	WfID         int64   `gorm:"not null;index:idx_workflowstate_wf"`
	State        string  `gorm:"type:varchar(255);not null"`
	Timestamp    float64 `gorm:"type:numeric(16,6);not null"`
	RestartCount int     `gorm:"not null"`
	Status       *int
}

func (WorkflowStateModel) TableName() string {
	return "workflowstate"
}

// HostModel is one execution host, deduplicated per workflow tree. Rows
// attach to the root workflow so sub-workflows share host rows.
type HostModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	WfID        int64  `gorm:"not null;uniqueIndex:uniq_host,priority:1"`
	Site        string `gorm:"type:varchar(255);not null;uniqueIndex:uniq_host,priority:2"`
	Hostname    string `gorm:"type:varchar(255);not null;uniqueIndex:uniq_host,priority:3"`
	IP          string `gorm:"type:varchar(255);not null;uniqueIndex:uniq_host,priority:4"`
	Uname       string `gorm:"type:varchar(255)"`
	TotalMemory *int64
}

func (HostModel) TableName() string {
	return "host"
}

// JobModel is one statically-declared job of a workflow.
type JobModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	WfID       int64  `gorm:"not null;uniqueIndex:uniq_job,priority:1"`
	ExecJobID  string `gorm:"type:varchar(255);not null;uniqueIndex:uniq_job,priority:2"`
	SubmitFile string `gorm:"type:varchar(255)"`
	TypeDesc   string `gorm:"type:varchar(255)"`
	Clustered  bool   `gorm:"not null;default:false"`
	MaxRetries int    `gorm:"not null;default:0"`
	TaskCount  int    `gorm:"not null;default:0"`
	Executable string `gorm:"type:text"`
	Argv       string `gorm:"type:text"`
}

func (JobModel) TableName() string {
	return "job"
}

// JobEdgeModel is one precedence edge of the static job graph.
type JobEdgeModel struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	WfID            int64  `gorm:"not null;uniqueIndex:uniq_job_edge,priority:1"`
	ParentExecJobID string `gorm:"type:varchar(255);not null;uniqueIndex:uniq_job_edge,priority:2"`
	ChildExecJobID  string `gorm:"type:varchar(255);not null;uniqueIndex:uniq_job_edge,priority:3"`
}

func (JobEdgeModel) TableName() string {
	return "job_edge"
}

// JobInstanceModel is one attempt of a job. Created when the submit phase
// of the attempt is first observed, updated in place as later phases land.
type JobInstanceModel struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	JobID            int64  `gorm:"not null;uniqueIndex:uniq_job_instance,priority:1"`
	JobSubmitSeq     int    `gorm:"not null;uniqueIndex:uniq_job_instance,priority:2"`
	HostID           *int64 `gorm:"index:idx_job_instance_host"`
	SchedID          string `gorm:"type:varchar(255)"`
	Site             string `gorm:"type:varchar(255)"`
	User             string `gorm:"type:varchar(255)"`
	WorkDir          string `gorm:"type:text"`
	ClusterStart     *float64 `gorm:"type:numeric(16,6)"`
	ClusterDuration  *float64 `gorm:"type:numeric(10,3)"`
	LocalDuration    *float64 `gorm:"type:numeric(10,3)"`
	MultiplierFactor int      `gorm:"not null;default:1"`
	Exitcode         *int
	SubwfID          *int64
	StdinFile        string `gorm:"type:varchar(255)"`
	StdoutFile       string `gorm:"type:varchar(255)"`
	StderrFile       string `gorm:"type:varchar(255)"`
	StdoutText       string `gorm:"type:text"`
	StderrText       string `gorm:"type:text"`
}

func (JobInstanceModel) TableName() string {
	return "job_instance"
}

// JobstateModel is the append-only per-attempt phase log.
type JobstateModel struct {
	ID                int64   `gorm:"primaryKey;autoIncrement"`
	JobInstanceID     int64   `gorm:"not null;index:idx_jobstate_instance"`
	State             string  `gorm:"type:varchar(255);not null"`
	Timestamp         float64 `gorm:"type:numeric(16,6);not null"`
	JobstateSubmitSeq int     `gorm:"not null"`
}

func (JobstateModel) TableName() string {
	return "jobstate"
}

// TaskModel is one statically-declared task of a workflow.
type TaskModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	WfID           int64  `gorm:"not null;uniqueIndex:uniq_task,priority:1"`
	AbsTaskID      string `gorm:"type:varchar(255);not null;uniqueIndex:uniq_task,priority:2"`
	JobID          *int64 `gorm:"index:idx_task_job"`
	Transformation string `gorm:"type:text"`
	Argv           string `gorm:"type:text"`
	TypeDesc       string `gorm:"type:varchar(255)"`
}

func (TaskModel) TableName() string {
	return "task"
}

// TaskEdgeModel is one precedence edge of the abstract task graph.
type TaskEdgeModel struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	WfID            int64  `gorm:"not null;uniqueIndex:uniq_task_edge,priority:1"`
	ParentAbsTaskID string `gorm:"type:varchar(255);not null;uniqueIndex:uniq_task_edge,priority:2"`
	ChildAbsTaskID  string `gorm:"type:varchar(255);not null;uniqueIndex:uniq_task_edge,priority:3"`
}

func (TaskEdgeModel) TableName() string {
	return "task_edge"
}

// InvocationModel is one executed task attempt inside a job instance.
// Negative task submit sequences are the pre/post script slots.
type InvocationModel struct {
	ID             int64    `gorm:"primaryKey;autoIncrement"`
	JobInstanceID  int64    `gorm:"not null;uniqueIndex:uniq_invocation,priority:1"`
	TaskSubmitSeq  int      `gorm:"not null;uniqueIndex:uniq_invocation,priority:2"`
	WfID           int64    `gorm:"not null;index:idx_invocation_wf"`
	AbsTaskID      *string  `gorm:"type:varchar(255)"`
	StartTime      float64  `gorm:"type:numeric(16,6)"`
	RemoteDuration *float64 `gorm:"type:numeric(10,3)"`
	RemoteCPUTime  *float64 `gorm:"type:numeric(10,3)"`
	AvgCPU         *float64 `gorm:"type:numeric(10,3)"`
	MaxRSS         *int
	Exitcode       *int
	Transformation string `gorm:"type:text"`
	Executable     string `gorm:"type:text"`
	Argv           string `gorm:"type:text"`
}

func (InvocationModel) TableName() string {
	return "invocation"
}

// WorkflowMetaModel is one key/value annotation on a workflow.
type WorkflowMetaModel struct {
	ID    int64  `gorm:"primaryKey;autoIncrement"`
	WfID  int64  `gorm:"not null;uniqueIndex:uniq_workflow_meta,priority:1"`
	Key   string `gorm:"type:varchar(255);not null;uniqueIndex:uniq_workflow_meta,priority:2"`
	Value string `gorm:"type:text"`
}

func (WorkflowMetaModel) TableName() string {
	return "workflow_meta"
}

// TaskMetaModel is one key/value annotation on a task.
type TaskMetaModel struct {
	ID     int64  `gorm:"primaryKey;autoIncrement"`
	TaskID int64  `gorm:"not null;uniqueIndex:uniq_task_meta,priority:1"`
	Key    string `gorm:"type:varchar(255);not null;uniqueIndex:uniq_task_meta,priority:2"`
	Value  string `gorm:"type:text"`
}

func (TaskMetaModel) TableName() string {
	return "task_meta"
}

// FileModel is one logical file name referenced by a workflow.
type FileModel struct {
	ID  int64  `gorm:"primaryKey;autoIncrement"`
	LFN string `gorm:"type:varchar(255);not null;uniqueIndex:uniq_file_lfn"`
}

func (FileModel) TableName() string {
	return "file"
}

// FileMetaModel is one key/value annotation on a logical file.
type FileMetaModel struct {
	ID    int64  `gorm:"primaryKey;autoIncrement"`
	LFNID int64  `gorm:"not null;uniqueIndex:uniq_file_meta,priority:1"`
	Key   string `gorm:"type:varchar(255);not null;uniqueIndex:uniq_file_meta,priority:2"`
	Value string `gorm:"type:text"`
}

func (FileMetaModel) TableName() string {
	return "file_meta"
}

// FilePFNModel is one physical location of a logical file.
type FilePFNModel struct {
	ID    int64  `gorm:"primaryKey;autoIncrement"`
	LFNID int64  `gorm:"not null;uniqueIndex:uniq_file_pfn,priority:1"`
	PFN   string `gorm:"type:text;not null;uniqueIndex:uniq_file_pfn,priority:2"`
	Site  string `gorm:"type:varchar(255)"`
}

func (FilePFNModel) TableName() string {
	return "file_pfn"
}

// WorkflowFilesModel maps a logical file to the workflow task that uses it.
type WorkflowFilesModel struct {
	ID     int64 `gorm:"primaryKey;autoIncrement"`
	WfID   int64 `gorm:"not null;index:idx_workflow_files_wf"`
	TaskID int64 `gorm:"not null"`
	LFNID  int64 `gorm:"not null"`
}

func (WorkflowFilesModel) TableName() string {
	return "workflow_files"
}

// IntegrityModel is one accumulated integrity counter for a job instance.
type IntegrityModel struct {
	ID            int64   `gorm:"primaryKey;autoIncrement"`
	JobInstanceID int64   `gorm:"not null;uniqueIndex:uniq_integrity,priority:1"`
	Type          string  `gorm:"type:varchar(255);not null;uniqueIndex:uniq_integrity,priority:2"`
	FileType      string  `gorm:"type:varchar(255);not null;uniqueIndex:uniq_integrity,priority:3"`
	Count         int     `gorm:"not null;default:0"`
	Succeeded     int     `gorm:"not null;default:0"`
	Failed        int     `gorm:"not null;default:0"`
	Duration      float64 `gorm:"type:numeric(10,3);not null;default:0"`
}

func (IntegrityModel) TableName() string {
	return "integrity"
}

// TagModel is one named counter attached to a job instance.
type TagModel struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	WfID          int64  `gorm:"not null"`
	JobInstanceID int64  `gorm:"not null;index:idx_tag_instance"`
	Name          string `gorm:"type:varchar(255);not null"`
	Count         int    `gorm:"not null;default:0"`
}

func (TagModel) TableName() string {
	return "tag"
}
