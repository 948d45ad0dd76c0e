package kickstart

import (
	"bufio"
	"bytes"
	"strings"
)

// Format is the record syntax of a wrapper output file.
type Format int

const (
	FormatYAML Format = iota
	FormatXML
)

func (f Format) String() string {
	if f == FormatXML {
		return "xml"
	}
	return "yaml"
}

// Detect scans the file content for the first syntax marker and reports the
// record format. An XML declaration wins over a YAML invocation opener;
// content with neither marker is treated as YAML, which is the format current
// wrappers emit. Detect is a pure function of its input.
func Detect(data []byte) Format {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, "<?xml") {
			return FormatXML
		}
		if strings.Contains(line, "- invocation:") {
			return FormatYAML
		}
	}
	return FormatYAML
}
