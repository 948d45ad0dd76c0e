package events

import (
	"fmt"
	"strings"
)

// ParseLine splits one tracking-log line into its raw attribute map. The
// format is space-separated key=value pairs; values containing spaces are
// double-quoted, with backslash escaping inside the quotes.
func ParseLine(line string) (map[string]string, error) {
	raw := make(map[string]string)

	i := 0
	n := len(line)
	for i < n {
		for i < n && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= n {
			break
		}

		eq := strings.IndexByte(line[i:], '=')
		if eq < 0 {
			return nil, fmt.Errorf("parse line: no value for %q", line[i:])
		}
		key := line[i : i+eq]
		if key == "" {
			return nil, fmt.Errorf("parse line: empty key at offset %d", i)
		}
		i += eq + 1

		var value string
		if i < n && line[i] == '"' {
			i++
			var b strings.Builder
			closed := false
			for i < n {
				c := line[i]
				if c == '\\' && i+1 < n {
					b.WriteByte(line[i+1])
					i += 2
					continue
				}
				if c == '"' {
					i++
					closed = true
					break
				}
				b.WriteByte(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("parse line: unterminated quote in value of %q", key)
			}
			value = b.String()
		} else {
			end := i
			for end < n && line[end] != ' ' && line[end] != '\t' {
				end++
			}
			value = line[i:end]
			i = end
		}

		raw[key] = value
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("parse line: empty line")
	}
	return raw, nil
}

// DecodeLine parses and decodes one tracking-log line in a single step.
func DecodeLine(line string) (*Event, error) {
	raw, err := ParseLine(line)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}
