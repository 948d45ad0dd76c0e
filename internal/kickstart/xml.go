package kickstart

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// xmlParser parses the legacy XML record syntax.
type xmlParser struct{}

func (p *xmlParser) Parse(r io.Reader) ([]Record, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, fmt.Errorf("reading wrapper output: %w", err)
	}

	var records []Record
	pos := 0
	for pos < len(lines) {
		line := lines[pos]
		switch {
		case strings.Contains(line, tokenXMLInvocation):
			buf, next, ok := collectXMLRecord(lines, pos)
			pos = next
			if !ok {
				// file ends mid-record, keep what we have so far
				continue
			}
			if rec, ok := p.invocationRecord(buf); ok {
				records = append(records, rec)
			}
		case strings.Contains(line, tokenClusterSummary) || strings.Contains(line, tokenSeqexecSummary):
			records, pos = appendSingleLine(records, lines, pos, line, summaryToken(line), summaryRecord)
		case strings.Contains(line, tokenClusterTask) || strings.Contains(line, tokenSeqexecTask):
			records, pos = appendSingleLine(records, lines, pos, line, taskToken(line), taskRecord)
		default:
			pos++
		}
	}
	return records, nil
}

// collectXMLRecord gathers one <invocation> element. The element may close on
// its opening line; otherwise lines are consumed until the closing tag. A
// missing closing tag means the file was truncated and the partial record is
// discarded.
func collectXMLRecord(lines []string, start int) (string, int, bool) {
	line := lines[start]
	buf := line[strings.Index(line, tokenXMLInvocation):]
	if end := strings.Index(buf, tokenXMLClose); end >= 0 {
		return buf[:end+len(tokenXMLClose)], start + 1, true
	}

	var b strings.Builder
	b.WriteString(buf)
	b.WriteByte('\n')
	pos := start + 1
	for pos < len(lines) {
		line = lines[pos]
		b.WriteString(line)
		b.WriteByte('\n')
		pos++
		if end := strings.Index(line, tokenXMLClose); end >= 0 {
			return b.String(), pos, true
		}
	}
	return "", pos, false
}

// invocationRecord walks the element stream the way the wrapper writes it,
// flattening the sections the tracking schema consumes. The element order is
// not assumed; state flags track which enclosing section we are in.
func (p *xmlParser) invocationRecord(buf string) (Record, bool) {
	dec := xml.NewDecoder(strings.NewReader(buf))
	inv := &Invocation{}

	var (
		inMainJob      bool
		inMachine      bool
		inArguments    bool
		inCwd          bool
		inStdout       bool
		inStderr       bool
		inData         bool
		inSignalled    bool
		inFinalStat    bool
		lfn            string
		args           []string
		checksum       map[string]string
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warnf("wrapper output parse error, skipping invocation record: %v", err)
			return Record{}, false
		}

		switch t := tok.(type) {
		case xml.StartElement:
			attrs := attrMap(t)
			switch t.Name.Local {
			case "invocation":
				inv.Hostname = attrs["hostname"]
				inv.HostAddr = attrs["hostaddr"]
				inv.Resource = attrs["resource"]
				inv.User = attrs["user"]
				inv.Transformation = attrs["transformation"]
				inv.Derivation = attrs["derivation"]
			case "mainjob":
				inMainJob = true
				inv.Start = attrs["start"]
				inv.Duration = attrFloat(attrs, "duration")
			case "machine":
				inMachine = true
			case "usage":
				if inMainJob {
					inv.Utime = attrFloat(attrs, "utime")
					inv.Stime = attrFloat(attrs, "stime")
					inv.MaxRSS = attrInt64(attrs, "maxrss")
				}
			case "status":
				inv.RawStatus = attrInt(attrs, "raw")
			case "regular":
				inv.ExitCode = attrInt(attrs, "exitcode")
			case "signalled":
				inSignalled = true
				inv.Signal = attrInt(attrs, "signal")
				inv.CoreFile = attrs["corefile"]
			case "file":
				if inMainJob {
					inv.Executable = attrs["name"]
				}
			case "ram":
				if inMachine {
					inv.RAMTotal = attrInt64(attrs, "total")
				}
			case "uname":
				if inMachine {
					inv.System = attrs["system"]
					inv.Release = attrs["release"]
					inv.Machine = attrs["machine"]
				}
			case "argument-vector":
				inArguments = true
			case "cwd":
				inCwd = true
			case "data":
				inData = true
			case "checksum":
				checksum = map[string]string{}
				for _, k := range []string{"type", "value", "timing"} {
					if v, ok := attrs[k]; ok {
						checksum[k] = v
					}
				}
			case "statcall":
				switch attrs["id"] {
				case "stdout":
					inStdout = true
				case "stderr":
					inStderr = true
				case "final":
					inFinalStat = true
					lfn = attrs["lfn"]
				}
			case "statinfo":
				if inFinalStat {
					meta := &FileMetadata{LFN: lfn}
					for _, k := range []string{"size", "ctime", "user"} {
						if v, ok := attrs[k]; ok {
							meta.Add(k, v)
						}
					}
					if inv.Outputs == nil {
						inv.Outputs = make(map[string]*FileMetadata)
					}
					inv.Outputs[lfn] = meta
				}
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "mainjob":
				inMainJob = false
			case "machine":
				inMachine = false
			case "argument-vector":
				inArguments = false
			case "cwd":
				inCwd = false
			case "data":
				inData = false
			case "signalled":
				inSignalled = false
			case "statcall":
				if inFinalStat && checksum != nil {
					if meta, ok := inv.Outputs[lfn]; ok {
						for k, v := range checksum {
							meta.Add("checksum."+k, v)
						}
					}
					checksum = nil
				}
				inStdout, inStderr, inFinalStat = false, false, false
			}

		case xml.CharData:
			data := string(t)
			switch {
			case inCwd:
				inv.Cwd += data
			case inArguments:
				if arg := strings.TrimSpace(data); arg != "" {
					args = append(args, arg)
				}
			case inStdout && inData:
				inv.Stdout += data
			case inStderr && inData:
				inv.Stderr += data
			case inSignalled:
				inv.Action += data
			}
		}
	}

	inv.Args = strings.Join(args, " ")
	return Record{Kind: RecordInvocation, Invocation: inv}, true
}

func attrMap(e xml.StartElement) map[string]string {
	m := make(map[string]string, len(e.Attr))
	for _, a := range e.Attr {
		m[a.Name.Local] = a.Value
	}
	return m
}

func attrFloat(attrs map[string]string, key string) *float64 {
	v, ok := attrs[key]
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warnf("cannot convert attribute %s=%q to float", key, v)
		return nil
	}
	return &f
}

func attrInt(attrs map[string]string, key string) *int {
	v, ok := attrs[key]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func attrInt64(attrs map[string]string, key string) *int64 {
	v, ok := attrs[key]
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
