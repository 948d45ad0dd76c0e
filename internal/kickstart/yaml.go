package kickstart

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-yaml"
)

// yamlParser parses the YAML record syntax current wrappers emit.
type yamlParser struct{}

// yamlInvocation mirrors the wrapper's YAML document shape. Only the
// sections the tracking schema consumes are declared; everything else is
// dropped during unmarshalling.
type yamlInvocation struct {
	Invocation     bool   `yaml:"invocation"`
	Hostname       string `yaml:"hostname"`
	HostAddr       string `yaml:"hostaddr"`
	Resource       string `yaml:"resource"`
	User           string `yaml:"user"`
	Transformation string `yaml:"transformation"`
	Derivation     string `yaml:"derivation"`
	Cwd            string `yaml:"cwd"`

	Mainjob struct {
		Start    string   `yaml:"start"`
		Duration *float64 `yaml:"duration"`
		Usage    struct {
			Utime  *float64 `yaml:"utime"`
			Stime  *float64 `yaml:"stime"`
			MaxRSS *int64   `yaml:"maxrss"`
		} `yaml:"usage"`
		Executable struct {
			FileName string `yaml:"file_name"`
		} `yaml:"executable"`
		Status struct {
			Raw             *int   `yaml:"raw"`
			RegularExitcode *int   `yaml:"regular_exitcode"`
			SignalledSignal *int   `yaml:"signalled_signal"`
			SignalledName   string `yaml:"signalled_name"`
			Corefile        any    `yaml:"corefile"`
		} `yaml:"status"`
	} `yaml:"mainjob"`

	Machine struct {
		RAMTotal     *int64 `yaml:"ram_total"`
		UnameSystem  string `yaml:"uname_system"`
		UnameRelease string `yaml:"uname_release"`
		UnameMachine string `yaml:"uname_machine"`
	} `yaml:"machine"`

	Files map[string]yamlFile `yaml:"files"`
}

type yamlFile struct {
	Output         bool   `yaml:"output"`
	User           any    `yaml:"user"`
	Size           any    `yaml:"size"`
	Ctime          string `yaml:"ctime"`
	SHA256         string `yaml:"sha256"`
	ChecksumTiming any    `yaml:"checksum_timing"`
	Data           string `yaml:"data"`
}

func (p *yamlParser) Parse(r io.Reader) ([]Record, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, fmt.Errorf("reading wrapper output: %w", err)
	}

	var records []Record
	pos := 0
	for pos < len(lines) {
		line := lines[pos]
		switch {
		case strings.Contains(line, tokenYAMLInvocation):
			buf, next := collectYAMLBlock(lines, pos, strings.Index(line, tokenYAMLInvocation))
			pos = next
			if rec, ok := p.invocationRecord(buf); ok {
				records = append(records, rec)
			}
		case strings.Contains(line, tokenClusterSummary) || strings.Contains(line, tokenSeqexecSummary):
			records, pos = appendSingleLine(records, lines, pos, line, summaryToken(line), summaryRecord)
		case strings.Contains(line, tokenClusterTask) || strings.Contains(line, tokenSeqexecTask):
			records, pos = appendSingleLine(records, lines, pos, line, taskToken(line), taskRecord)
		case strings.HasPrefix(line, tokenMultipart):
			buf, next := collectYAMLBlock(lines, pos+1, 0)
			pos = next
			records = append(records, p.multipartRecords(buf)...)
		default:
			pos++
		}
	}
	return records, nil
}

func summaryToken(line string) string {
	if strings.Contains(line, tokenClusterSummary) {
		return tokenClusterSummary
	}
	return tokenSeqexecSummary
}

func taskToken(line string) string {
	if strings.Contains(line, tokenClusterTask) {
		return tokenClusterTask
	}
	return tokenSeqexecTask
}

func appendSingleLine(records []Record, lines []string, pos int, line, token string, build func(string) Record) ([]Record, int) {
	rec, ok := singleLineRecord(line, token)
	if !ok {
		logger.Warnf("%s record is not on a single line, ignoring it", token)
		return records, pos + 1
	}
	return append(records, build(rec)), pos + 1
}

// collectYAMLBlock gathers one YAML document starting at lines[start]
// (cut at column col) plus its indented continuation. Scanning stops,
// without consuming the line, at the opener of the next record; a file
// truncated mid-block simply yields the lines read so far.
func collectYAMLBlock(lines []string, start, col int) (string, int) {
	var buf strings.Builder
	pos := start
	if pos < len(lines) {
		buf.WriteString(lines[pos][col:])
		buf.WriteByte('\n')
		pos++
	}
	for pos < len(lines) {
		line := lines[pos]
		if strings.HasPrefix(line, "[cluster-") ||
			strings.HasPrefix(line, tokenMultipart) ||
			strings.HasPrefix(line, tokenYAMLInvocation) {
			break
		}
		if line == "" || line[0] == ' ' || line[0] == '-' {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
		pos++
	}
	return buf.String(), pos
}

// invocationRecord unmarshals one invocation document and flattens it. A
// document that fails to unmarshal is logged and skipped.
func (p *yamlParser) invocationRecord(buf string) (Record, bool) {
	var docs []yamlInvocation
	if err := yaml.Unmarshal([]byte(buf), &docs); err != nil {
		logger.Warnf("wrapper output parse error, skipping invocation record: %v", err)
		return Record{}, false
	}
	if len(docs) == 0 {
		return Record{}, false
	}
	doc := docs[0]

	inv := &Invocation{
		Hostname:       doc.Hostname,
		HostAddr:       doc.HostAddr,
		Resource:       doc.Resource,
		User:           doc.User,
		Transformation: doc.Transformation,
		Derivation:     doc.Derivation,
		Cwd:            doc.Cwd,
		Start:          doc.Mainjob.Start,
		Duration:       doc.Mainjob.Duration,
		Utime:          doc.Mainjob.Usage.Utime,
		Stime:          doc.Mainjob.Usage.Stime,
		MaxRSS:         doc.Mainjob.Usage.MaxRSS,
		Executable:     doc.Mainjob.Executable.FileName,
		RawStatus:      doc.Mainjob.Status.Raw,
		ExitCode:       doc.Mainjob.Status.RegularExitcode,
		Signal:         doc.Mainjob.Status.SignalledSignal,
		Action:         doc.Mainjob.Status.SignalledName,
		RAMTotal:       doc.Machine.RAMTotal,
		System:         doc.Machine.UnameSystem,
		Release:        doc.Machine.UnameRelease,
		Machine:        doc.Machine.UnameMachine,
	}
	if doc.Mainjob.Status.Corefile != nil {
		inv.CoreFile = fmt.Sprint(doc.Mainjob.Status.Corefile)
	}

	for name, f := range doc.Files {
		switch name {
		case "stdout":
			inv.Stdout = f.Data
		case "stderr":
			inv.Stderr = f.Data
		default:
			if !f.Output {
				continue
			}
			meta := &FileMetadata{LFN: name}
			if f.User != nil {
				meta.Add("user", fmt.Sprint(f.User))
			}
			if f.Size != nil {
				meta.Add("size", fmt.Sprint(f.Size))
			}
			if f.Ctime != "" {
				meta.Add("ctime", f.Ctime)
			}
			if f.SHA256 != "" {
				meta.Add("checksum.type", "sha256")
				meta.Add("checksum.value", f.SHA256)
				if f.ChecksumTiming != nil {
					meta.Add("checksum.timing", fmt.Sprint(f.ChecksumTiming))
				}
			}
			if inv.Outputs == nil {
				inv.Outputs = make(map[string]*FileMetadata)
			}
			inv.Outputs[name] = meta
		}
	}

	return Record{Kind: RecordInvocation, Invocation: inv}, true
}

// multipartRecords unmarshals a multipart telemetry block. The block is a
// YAML sequence; each entry becomes its own record.
func (p *yamlParser) multipartRecords(buf string) []Record {
	var docs []map[string]any
	if err := yaml.Unmarshal([]byte(buf), &docs); err != nil {
		logger.Warnf("wrapper output parse error in multipart block: %v", err)
		return nil
	}
	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, Record{Kind: RecordMultipart, Multipart: doc})
	}
	return records
}

func readLines(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
