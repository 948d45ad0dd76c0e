package lifecycle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tasks report structured events out of band by embedding delimited JSON
// payloads in their own stdout/stderr.
const (
	monitoringStartMarker = "@@@MONITORING_PAYLOAD - START@@@"
	monitoringEndMarker   = "@@@MONITORING_PAYLOAD - END@@@"
)

// TaskOutput is captured task output split into the user-visible data and
// the embedded telemetry events.
type TaskOutput struct {
	UserData string
	Events   []map[string]any
}

// SplitTaskOutput cuts every delimited telemetry payload out of captured
// output. Payloads that fail to decode are logged and dropped; the
// surrounding user data is kept either way.
func SplitTaskOutput(output string) TaskOutput {
	start := strings.Index(output, monitoringStartMarker)
	if start < 0 {
		return TaskOutput{UserData: output}
	}

	var events []map[string]any
	var data strings.Builder
	end := 0
	for start >= 0 {
		data.WriteString(output[end:start])
		payloadStart := start + len(monitoringStartMarker)
		rel := strings.Index(output[payloadStart:], monitoringEndMarker)
		if rel < 0 {
			// unterminated payload, keep what came before it
			return TaskOutput{UserData: data.String(), Events: events}
		}
		end = payloadStart + rel
		payload := output[payloadStart:end]
		var event map[string]any
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			logger.Errorf("cannot decode telemetry payload %q: %v", payload, err)
		} else {
			events = append(events, event)
		}
		end += len(monitoringEndMarker)
		next := strings.Index(output[end:], monitoringStartMarker)
		if next < 0 {
			start = -1
		} else {
			start = end + next
		}
	}
	data.WriteString(output[end:])
	return TaskOutput{UserData: data.String(), Events: events}
}

// IntegrityMetric accumulates checksum verification counters. Metrics with
// the same type and file type merge instead of overwriting.
type IntegrityMetric struct {
	Type      string
	FileType  string
	Count     int
	Succeeded int
	Failed    int
	Duration  float64
}

// Key identifies the merge bucket for a metric.
func (m *IntegrityMetric) Key() string {
	return m.Type + ":" + m.FileType
}

// Merge folds another metric with the same key into this one.
func (m *IntegrityMetric) Merge(other *IntegrityMetric) error {
	if m.Key() != other.Key() {
		return fmt.Errorf("cannot merge integrity metrics %s and %s", m.Key(), other.Key())
	}
	m.Count += other.Count
	m.Succeeded += other.Succeeded
	m.Failed += other.Failed
	m.Duration += other.Duration
	return nil
}

func numField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func strField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
