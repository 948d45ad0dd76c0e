package tracker

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/wftrace/wftrace/internal/lifecycle"
	"github.com/wftrace/wftrace/pkg/events"
)

const testWfUUID = "5a9c8e12-44d1-4f0a-9f3c-6d2b1e7a0c44"

const wrapperOutput = `- invocation: True
  version: 3.0
  transformation: "diamond::preprocess"
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
    stdout:
      data: "processing ok\n"
    stderr:
      data: ""
`

// collectSink records every event it receives.
type collectSink struct {
	seen []*events.Event
}

func (s *collectSink) Process(e *events.Event) error {
	s.seen = append(s.seen, e)
	return nil
}

func (s *collectSink) byKind(kind events.Kind) []*events.Event {
	var out []*events.Event
	for _, e := range s.seen {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func intp(n int) *int { return &n }

func jobEvent(t *testing.T, name string, ts float64, extra map[string]string) *events.Event {
	t.Helper()
	raw := map[string]string{
		"event":       name,
		"ts":          formatFloat(ts),
		"xwf.id":      testWfUUID,
		"job.id":      "preprocess_ID1",
		"job_inst.id": "1",
	}
	for k, v := range extra {
		raw[k] = v
	}
	e, err := events.Decode(raw)
	if err != nil {
		t.Fatalf("decode %s: %v", name, err)
	}
	return e
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func TestTrackerJobTermination(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "preprocess_ID1.out"), []byte(wrapperOutput), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &collectSink{}
	tr := New(Config{}, sink, nil)

	plan, err := events.Decode(map[string]string{
		"event": "wf.plan", "ts": "1000.0", "xwf.id": testWfUUID,
		"root.xwf.id": testWfUUID, "submit.dir": dir,
	})
	if err != nil {
		t.Fatal(err)
	}

	stream := []*events.Event{
		plan,
		jobEvent(t, "job_inst.submit.start", 1001, map[string]string{
			"sched.id": "1234.0", "stdout.file": "preprocess_ID1.out",
		}),
		jobEvent(t, "job_inst.submit.end", 1001.5, map[string]string{"js.id": "1", "status": "0"}),
		jobEvent(t, "job_inst.main.start", 1002, map[string]string{"js.id": "2"}),
		jobEvent(t, "job_inst.main.end", 1008, map[string]string{
			"js.id": "3", "status": "0", "local.dur": "6.0", "stdout.file": "preprocess_ID1.out",
		}),
	}
	for _, e := range stream {
		if err := tr.Track(e); err != nil {
			t.Fatalf("Track(%s): %v", e.Name, err)
		}
	}

	terminal := sink.byKind(events.KindMainEnd)
	if len(terminal) != 1 {
		t.Fatalf("got %d terminal events, want 1", len(terminal))
	}
	if terminal[0].StdoutText == "" {
		t.Error("terminal event missing folded stdout")
	}
	if terminal[0].Site != "condorpool" {
		t.Errorf("terminal event site = %q, want condorpool", terminal[0].Site)
	}

	hosts := sink.byKind(events.KindHostInfo)
	if len(hosts) != 1 {
		t.Fatalf("got %d host events, want 1", len(hosts))
	}
	if hosts[0].Hostname != "worker-01" || hosts[0].IP != "10.0.0.5" {
		t.Errorf("host event = %s/%s, want worker-01/10.0.0.5", hosts[0].Hostname, hosts[0].IP)
	}
	if hosts[0].TotalMemory == nil || *hosts[0].TotalMemory != 16384 {
		t.Errorf("host total memory = %v, want 16384", hosts[0].TotalMemory)
	}

	invs := sink.byKind(events.KindInvocationEnd)
	if len(invs) != 1 {
		t.Fatalf("got %d invocation events, want 1", len(invs))
	}
	inv := invs[0]
	if inv.TaskSubmitSeq == nil || *inv.TaskSubmitSeq != 1 {
		t.Errorf("invocation seq = %v, want 1", inv.TaskSubmitSeq)
	}
	if inv.RemoteDuration == nil || *inv.RemoteDuration != 5.125 {
		t.Errorf("invocation duration = %v, want 5.125", inv.RemoteDuration)
	}
	if inv.RemoteCPUTime == nil || *inv.RemoteCPUTime != 3.75 {
		t.Errorf("invocation cpu time = %v, want 3.75", inv.RemoteCPUTime)
	}
	if inv.Transformation != "diamond::preprocess" {
		t.Errorf("invocation transformation = %q", inv.Transformation)
	}
}

func TestTrackerScriptInvocations(t *testing.T) {
	sink := &collectSink{}
	tr := New(Config{}, sink, nil)

	stream := []*events.Event{
		jobEvent(t, "job_inst.pre.start", 1000, nil),
		jobEvent(t, "job_inst.pre.end", 1002, map[string]string{"status": "0"}),
		jobEvent(t, "job_inst.submit.end", 1003, map[string]string{"status": "0"}),
		jobEvent(t, "job_inst.main.start", 1004, nil),
		jobEvent(t, "job_inst.main.term", 1009, map[string]string{"status": "0"}),
		jobEvent(t, "job_inst.post.start", 1010, nil),
		jobEvent(t, "job_inst.post.end", 1012, map[string]string{"status": "0"}),
		// wrapper output missing: only the script slots can be derived
		jobEvent(t, "job_inst.main.end", 1013, map[string]string{"status": "0"}),
	}
	for _, e := range stream {
		if err := tr.Track(e); err != nil {
			t.Fatalf("Track(%s): %v", e.Name, err)
		}
	}

	invs := sink.byKind(events.KindInvocationEnd)
	if len(invs) != 2 {
		t.Fatalf("got %d invocation events, want 2 (pre and post script)", len(invs))
	}

	bySeq := map[int]*events.Event{}
	for _, inv := range invs {
		if inv.TaskSubmitSeq == nil {
			t.Fatal("derived invocation without task sequence")
		}
		bySeq[*inv.TaskSubmitSeq] = inv
	}

	pre, ok := bySeq[lifecycle.PreScriptSeq]
	if !ok {
		t.Fatal("no pre-script invocation emitted")
	}
	if pre.RemoteDuration == nil || *pre.RemoteDuration != 2 {
		t.Errorf("pre-script duration = %v, want 2", pre.RemoteDuration)
	}
	if pre.Transformation != "dagman::pre" {
		t.Errorf("pre-script transformation = %q", pre.Transformation)
	}

	post, ok := bySeq[lifecycle.PostScriptSeq]
	if !ok {
		t.Fatal("no post-script invocation emitted")
	}
	if post.StartTime == nil || *post.StartTime != 1010 {
		t.Errorf("post-script start = %v, want 1010", post.StartTime)
	}
}

func TestTrackerDropsJobsOnWorkflowEnd(t *testing.T) {
	sink := &collectSink{}
	tr := New(Config{}, sink, nil)

	if err := tr.Track(jobEvent(t, "job_inst.submit.start", 1000, nil)); err != nil {
		t.Fatal(err)
	}
	if len(tr.jobs) != 1 {
		t.Fatalf("got %d tracked jobs, want 1", len(tr.jobs))
	}

	end, err := events.Decode(map[string]string{
		"event": "xwf.end", "ts": "1100.0", "xwf.id": testWfUUID, "status": "0",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Track(end); err != nil {
		t.Fatal(err)
	}
	if len(tr.jobs) != 0 {
		t.Errorf("got %d tracked jobs after workflow end, want 0", len(tr.jobs))
	}
}

func TestStateOf(t *testing.T) {
	tests := []struct {
		name   string
		event  string
		status *int
		want   lifecycle.State
		ok     bool
	}{
		{"submit end ok", "job_inst.submit.end", intp(0), lifecycle.StateSubmit, true},
		{"submit end failed", "job_inst.submit.end", intp(-1), lifecycle.StateSubmitFailed, true},
		{"main term evicted", "job_inst.main.term", intp(-1), lifecycle.StateJobEvicted, true},
		{"abort", "job_inst.abort.info", nil, lifecycle.StateJobAborted, true},
		{"host info is not a phase", "job_inst.host.info", nil, "", false},
		{"tag is not a phase", "job_inst.tag", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &events.Event{Kind: events.KindOf(tt.event), Name: tt.event, Status: tt.status}
			got, ok := stateOf(e)
			if ok != tt.ok || got != tt.want {
				t.Errorf("stateOf(%s) = (%q, %v), want (%q, %v)", tt.event, got, ok, tt.want, tt.ok)
			}
		})
	}
}
