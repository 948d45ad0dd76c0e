package kickstart

import (
	"os"
	"path/filepath"
	"testing"
)

const yamlInvocationSample = `- invocation: True
  version: 3.0
  transformation: "pegasus::preprocess"
  derivation: "preprocess_ID0000001"
  hostname: "worker-01"
  hostaddr: "10.0.0.5"
  resource: "condorpool"
  user: "wf"
  cwd: "/scratch/wf/run0001"
  mainjob:
    start: "2026-08-28T10:00:00.000-07:00"
    duration: 5.125
    usage:
      utime: 3.5
      stime: 0.25
      maxrss: 10240
    executable:
      file_name: "/usr/bin/preprocess"
    status:
      raw: 0
      regular_exitcode: 0
  machine:
    ram_total: 16384
    uname_system: "linux"
    uname_release: "5.15.0"
    uname_machine: "x86_64"
  files:
    f.b1:
      output: True
      user: "wf"
      size: 2048
      ctime: "2026-08-28T10:00:05-07:00"
      sha256: "abc123"
      checksum_timing: 0.01
    stdout:
      data: "hello\n"
    stderr:
      data: ""
`

const xmlInvocationSample = `<?xml version="1.0" encoding="UTF-8"?>
<invocation xmlns="http://pegasus.isi.edu/schema/invocation" hostname="worker-01" hostaddr="10.0.0.5" resource="condorpool" user="wf" transformation="pegasus::preprocess" derivation="preprocess_ID0000001">
  <mainjob start="2026-08-28T10:00:00.000-07:00" duration="5.125">
    <usage utime="3.5" stime="0.25" maxrss="10240"/>
    <status raw="0"><regular exitcode="0"/></status>
    <file name="/usr/bin/preprocess"/>
    <argument-vector><arg>-i</arg><arg>f.a</arg></argument-vector>
  </mainjob>
  <cwd>/scratch/wf/run0001</cwd>
  <machine><ram total="16384"/><uname system="linux" release="5.15.0" machine="x86_64"/></machine>
  <statcall id="stdout"><data>hello
</data></statcall>
  <statcall id="final" lfn="f.b1"><statinfo size="2048" ctime="2026-08-28T10:00:05-07:00" user="wf"/><checksum type="sha256" value="abc123" timing="0.01"/></statcall>
</invocation>
`

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Format
	}{
		{"yaml marker", yamlInvocationSample, FormatYAML},
		{"xml marker", xmlInvocationSample, FormatXML},
		{"neither marker defaults to yaml", "[cluster-summary stat=\"ok\"]\n", FormatYAML},
		{"empty defaults to yaml", "", FormatYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect([]byte(tt.data)); got != tt.want {
				t.Errorf("Detect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func checkInvocation(t *testing.T, inv *Invocation) {
	t.Helper()
	if inv.Hostname != "worker-01" {
		t.Errorf("hostname = %q", inv.Hostname)
	}
	if inv.Resource != "condorpool" {
		t.Errorf("resource = %q", inv.Resource)
	}
	if inv.Transformation != "pegasus::preprocess" {
		t.Errorf("transformation = %q", inv.Transformation)
	}
	if inv.Duration == nil || *inv.Duration != 5.125 {
		t.Errorf("duration = %v, want 5.125", inv.Duration)
	}
	if inv.Start != "2026-08-28T10:00:00.000-07:00" {
		t.Errorf("start = %q", inv.Start)
	}
	if inv.Utime == nil || *inv.Utime != 3.5 {
		t.Errorf("utime = %v, want 3.5", inv.Utime)
	}
	if inv.MaxRSS == nil || *inv.MaxRSS != 10240 {
		t.Errorf("maxrss = %v, want 10240", inv.MaxRSS)
	}
	if inv.RAMTotal == nil || *inv.RAMTotal != 16384 {
		t.Errorf("ram = %v, want 16384", inv.RAMTotal)
	}
	if inv.System != "linux" || inv.Machine != "x86_64" {
		t.Errorf("uname = %q/%q", inv.System, inv.Machine)
	}
	if inv.ExitCode == nil || *inv.ExitCode != 0 {
		t.Errorf("exitcode = %v, want 0", inv.ExitCode)
	}
	if inv.Executable != "/usr/bin/preprocess" {
		t.Errorf("executable = %q", inv.Executable)
	}
	if inv.Cwd != "/scratch/wf/run0001" {
		t.Errorf("cwd = %q", inv.Cwd)
	}
	if inv.Stdout != "hello\n" {
		t.Errorf("stdout = %q", inv.Stdout)
	}
	meta, ok := inv.Outputs["f.b1"]
	if !ok {
		t.Fatalf("output f.b1 missing, outputs = %v", inv.Outputs)
	}
	if meta.Attrs["size"] != "2048" {
		t.Errorf("output size = %q", meta.Attrs["size"])
	}
	if meta.Attrs["checksum.type"] != "sha256" || meta.Attrs["checksum.value"] != "abc123" {
		t.Errorf("output checksum = %v", meta.Attrs)
	}
}

func TestParseYAMLInvocation(t *testing.T) {
	records := ParseBytes("job.out", []byte(yamlInvocationSample))
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Kind != RecordInvocation {
		t.Fatalf("kind = %v, want invocation", records[0].Kind)
	}
	checkInvocation(t, records[0].Invocation)
}

func TestParseXMLInvocation(t *testing.T) {
	records := ParseBytes("job.out", []byte(xmlInvocationSample))
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Kind != RecordInvocation {
		t.Fatalf("kind = %v, want invocation", records[0].Kind)
	}
	inv := records[0].Invocation
	checkInvocation(t, inv)
	if inv.Args != "-i f.a" {
		t.Errorf("args = %q, want %q", inv.Args, "-i f.a")
	}
}

func TestParseClusteredRecords(t *testing.T) {
	data := yamlInvocationSample +
		`[cluster-task id=1, start="2026-08-28T10:00:00.000-07:00", duration=5.2, status=0, line=1, pid=123, app="/usr/bin/preprocess"]` + "\n" +
		`[cluster-summary stat="ok", lines=6, tasks=2, succeeded=2, failed=0, extra=0, duration=10.5, start="2026-08-28T10:00:00.000-07:00", pid=123]` + "\n"

	records := ParseBytes("job.out", []byte(data))
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	task := records[1]
	if task.Kind != RecordTask {
		t.Fatalf("kind = %v, want task", task.Kind)
	}
	if d, ok := task.PropFloat("duration"); !ok || d != 5.2 {
		t.Errorf("task duration = %v (%v), want 5.2", d, ok)
	}
	if s, ok := task.PropInt("status"); !ok || s != 0 {
		t.Errorf("task status = %v (%v), want 0", s, ok)
	}
	summary := records[2]
	if summary.Kind != RecordClusterSummary {
		t.Fatalf("kind = %v, want cluster-summary", summary.Kind)
	}
	if v, ok := summary.Prop("stat"); !ok || v != "ok" {
		t.Errorf("summary stat = %q (%v), want ok", v, ok)
	}
	if d, ok := summary.PropFloat("duration"); !ok || d != 10.5 {
		t.Errorf("summary duration = %v (%v), want 10.5", d, ok)
	}
}

func TestParseDeprecatedSeqexecTokens(t *testing.T) {
	data := `[seqexec-task id=1, duration=2.5, status=0]` + "\n" +
		`[seqexec-summary tasks=1, succeeded=1, failed=0, duration=2.5]` + "\n"

	records := ParseBytes("job.out", []byte(data))
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Kind != RecordTask || records[1].Kind != RecordClusterSummary {
		t.Errorf("kinds = %v, %v", records[0].Kind, records[1].Kind)
	}
}

func TestParseMultipartBlock(t *testing.T) {
	data := yamlInvocationSample + `---------------pegasus-multipart
- integrity_verification_attempts:
  - lfn: "f.a"
    pfn: "f.a"
    sha256: 8e8ecb610e893781b6c0a38e443a257c
    success: True
- integrity_summary:
    succeeded: 1
    failed: 0
    duration: 0.182
`

	records := ParseBytes("job.out", []byte(data))
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[1].Kind != RecordMultipart || records[2].Kind != RecordMultipart {
		t.Fatalf("kinds = %v, %v, want multipart", records[1].Kind, records[2].Kind)
	}
	if _, ok := records[1].Multipart["integrity_verification_attempts"]; !ok {
		t.Errorf("first multipart record = %v", records[1].Multipart)
	}
	summary, ok := records[2].Multipart["integrity_summary"].(map[string]any)
	if !ok {
		t.Fatalf("second multipart record = %v", records[2].Multipart)
	}
	if _, ok := summary["succeeded"]; !ok {
		t.Errorf("integrity summary = %v", summary)
	}
}

func TestParseTruncatedFile(t *testing.T) {
	// The second record is cut off mid-document; the first must survive.
	truncated := yamlInvocationSample + `- invocation: True
  transformation: "pegasus::analyze"
  mainjob:
    start: "2026-08-28T1`

	records := ParseBytes("job.out", []byte(truncated))
	if len(records) < 1 {
		t.Fatalf("got %d records, want at least the first", len(records))
	}
	checkInvocation(t, records[0].Invocation)
}

func TestParseMalformedTaskLineSkipped(t *testing.T) {
	data := "[cluster-task id=1, duration=5.2\n" + yamlInvocationSample

	records := ParseBytes("job.out", []byte(data))
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Kind != RecordInvocation {
		t.Errorf("kind = %v, want invocation", records[0].Kind)
	}
}

func TestParseTruncatedXMLDropped(t *testing.T) {
	data := xmlInvocationSample +
		`<invocation xmlns="http://pegasus.isi.edu/schema/invocation" hostname="worker-02">` + "\n" +
		`  <mainjob start="2026-08-28T11:00:00.000-07:00"` + "\n"

	records := ParseBytes("job.out", []byte(data))
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	checkInvocation(t, records[0].Invocation)
}

func TestParseFileUnreadable(t *testing.T) {
	records := ParseFile(filepath.Join(t.TempDir(), "no-such-file.out"))
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}

func TestParseFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.out")
	if err := os.WriteFile(path, []byte(yamlInvocationSample), 0o644); err != nil {
		t.Fatal(err)
	}
	records := ParseFile(path)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	checkInvocation(t, records[0].Invocation)
}
