package kickstart

import (
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/wftrace/wftrace/internal/log"
)

var logger = log.GetLogger()

// Parser reads every record from one wrapper output stream. Implementations
// exist per syntax; use Detect to choose one.
type Parser interface {
	Parse(r io.Reader) ([]Record, error)
}

// NewParser returns the parser for the given record format.
func NewParser(f Format) Parser {
	if f == FormatXML {
		return &xmlParser{}
	}
	return &yamlParser{}
}

// ParseFile reads a wrapper output file, detects its syntax, and returns all
// records found. An unreadable file yields an empty slice so callers can
// treat "no data" uniformly; malformed records inside a readable file are
// logged and skipped.
func ParseFile(path string) []Record {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warnf("cannot read wrapper output %s: %v", path, err)
		return nil
	}
	return ParseBytes(path, data)
}

// ParseBytes parses already-read wrapper output. The path is used only for
// log messages.
func ParseBytes(path string, data []byte) []Record {
	p := NewParser(Detect(data))
	records, err := p.Parse(strings.NewReader(string(data)))
	if err != nil {
		logger.Warnf("error parsing wrapper output %s: %v", path, err)
	}
	return records
}

// Property lines inside task and cluster-summary records are key=value
// pairs, some quoted.
var (
	reQuotedProps   = regexp.MustCompile(`(\S+)\s*=\s*"([^"]+)"`)
	reUnquotedProps = regexp.MustCompile(`(\S+)\s*=\s*([^",]+)`)
)

// parseProps extracts all key=value properties from a single-line record.
func parseProps(line string) map[string]string {
	props := make(map[string]string)
	for _, m := range reQuotedProps.FindAllStringSubmatch(line, -1) {
		props[m[1]] = m[2]
	}
	for _, m := range reUnquotedProps.FindAllStringSubmatch(line, -1) {
		props[m[1]] = strings.TrimSpace(m[2])
	}
	return props
}

// Tokens that open each record family. The seqexec forms are the deprecated
// spellings still produced by older wrappers.
const (
	tokenYAMLInvocation = "- invocation:"
	tokenXMLInvocation  = "<invocation"
	tokenXMLClose       = "</invocation>"
	tokenClusterTask    = "[cluster-task"
	tokenClusterSummary = "[cluster-summary"
	tokenSeqexecTask    = "[seqexec-task"
	tokenSeqexecSummary = "[seqexec-summary"
	tokenMultipart      = "---------------pegasus-multipart"
)

// singleLineRecord cuts a task or summary record out of its line. These
// records must close on the same line; a missing bracket means the file was
// truncated mid-record.
func singleLineRecord(line, token string) (string, bool) {
	start := strings.Index(line, token)
	buf := line[start:]
	end := strings.Index(buf, "]")
	if end < 0 {
		return "", false
	}
	return buf[:end+1], true
}

// taskRecord parses one [cluster-task ...] line.
func taskRecord(line string) Record {
	return Record{Kind: RecordTask, Props: parseProps(line)}
}

// summaryRecord parses one [cluster-summary ...] line.
func summaryRecord(line string) Record {
	return Record{Kind: RecordClusterSummary, Props: parseProps(line)}
}
