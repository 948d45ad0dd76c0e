package lifecycle

import (
	"github.com/wftrace/wftrace/internal/kickstart"
)

// TasksFromRecords converts parsed wrapper records into task attempts.
// Invocation records become the main tasks, numbered 1..k in file order.
// Per-task clustering lines are skipped here: when full invocation records
// exist they describe the same executions, and the summary record already
// carries the clustering figures.
func TasksFromRecords(records []kickstart.Record) []TaskRecord {
	var tasks []TaskRecord
	seq := 0
	for i := range records {
		rec := &records[i]
		if rec.Kind != kickstart.RecordInvocation {
			continue
		}
		seq++

		inv := rec.Invocation
		task := TaskRecord{
			Seq:            seq,
			Transformation: inv.Transformation,
			Executable:     inv.Executable,
			Args:           inv.Args,
			Invocation:     inv,
		}
		if inv.Duration != nil {
			task.Duration = *inv.Duration
		}
		if inv.ExitCode != nil {
			task.ExitCode = *inv.ExitCode
		}
		if inv.Start != "" {
			if epoch, err := epochOf(inv.Start); err == nil {
				task.Start = epoch
			} else {
				logger.Warnf("invocation record with unparseable start %q", inv.Start)
			}
		}
		tasks = append(tasks, task)
	}
	return tasks
}
