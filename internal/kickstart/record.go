package kickstart

import "strconv"

// RecordKind distinguishes the record families found in a task wrapper
// output file.
type RecordKind int

const (
	// RecordInvocation is one wrapped task invocation.
	RecordInvocation RecordKind = iota
	// RecordTask is a per-task line emitted by the clustering wrapper.
	RecordTask
	// RecordClusterSummary is the summary line for a clustered job.
	RecordClusterSummary
	// RecordMultipart is one telemetry document from a multipart block,
	// kept separate so callers can route integrity data without mixing it
	// into task output.
	RecordMultipart
)

func (k RecordKind) String() string {
	switch k {
	case RecordInvocation:
		return "invocation"
	case RecordTask:
		return "task"
	case RecordClusterSummary:
		return "cluster-summary"
	case RecordMultipart:
		return "multipart"
	}
	return "unknown"
}

// FileMetadata carries the stat and checksum attributes recorded for one
// output file of an invocation.
type FileMetadata struct {
	LFN   string
	Attrs map[string]string
}

// Add records one attribute, allocating the map on first use.
func (m *FileMetadata) Add(key, value string) {
	if m.Attrs == nil {
		m.Attrs = make(map[string]string)
	}
	m.Attrs[key] = value
}

// Invocation is the flattened form of one wrapper invocation record. Both
// syntaxes decode into this shape; optional numerics are pointers so absent
// sections stay absent instead of defaulting to zero.
type Invocation struct {
	Hostname       string
	HostAddr       string
	Resource       string
	User           string
	Transformation string
	Derivation     string

	Start    string
	Duration *float64

	Utime  *float64
	Stime  *float64
	MaxRSS *int64

	RAMTotal *int64
	System   string
	Release  string
	Machine  string

	Executable string
	Args       string
	Cwd        string

	RawStatus *int
	ExitCode  *int
	Signal    *int
	Action    string
	CoreFile  string

	Stdout string
	Stderr string

	Outputs map[string]*FileMetadata
}

// Record is one parsed record from a wrapper output file. Exactly one of
// Invocation, Props, Multipart is populated, according to Kind.
type Record struct {
	Kind       RecordKind
	Invocation *Invocation
	Props      map[string]string
	Multipart  map[string]any
}

// Prop returns a key from a task or cluster-summary record.
func (r *Record) Prop(key string) (string, bool) {
	v, ok := r.Props[key]
	return v, ok
}

// PropFloat returns a numeric property, reporting false when the key is
// absent or not a number.
func (r *Record) PropFloat(key string) (float64, bool) {
	v, ok := r.Props[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// PropInt returns an integer property, reporting false when the key is
// absent or not an integer.
func (r *Record) PropInt(key string) (int, bool) {
	v, ok := r.Props[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
