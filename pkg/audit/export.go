package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ExportFormat names an output format for events.
type ExportFormat string

const (
	FormatJSON   ExportFormat = "json"
	FormatJSONL  ExportFormat = "jsonl"
	FormatCSV    ExportFormat = "csv"
	FormatSyslog ExportFormat = "syslog"
	FormatText   ExportFormat = "text"
)

// Export writes events to w in the given format.
func Export(w io.Writer, events []Event, format ExportFormat) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	case FormatCSV:
		return exportCSV(w, events)
	case FormatSyslog:
		return exportSyslog(w, events)
	case FormatText:
		for _, e := range events {
			if _, err := fmt.Fprintln(w, e.String()); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}

func exportCSV(w io.Writer, events []Event) (retErr error) {
	cw := csv.NewWriter(w)
	defer func() {
		cw.Flush()
		if err := cw.Error(); err != nil && retErr == nil {
			retErr = fmt.Errorf("flush csv: %w", err)
		}
	}()

	header := []string{"seq", "id", "timestamp", "group", "trigger", "source", "target",
		"outcome", "duration_ms", "data_loss", "last_commit_point", "cause", "error", "actor"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, e := range events {
		rec := []string{
			strconv.FormatUint(e.Seq, 10),
			e.ID,
			e.Timestamp.Format(time.RFC3339Nano),
			e.Group,
			string(e.Trigger),
			e.Source,
			e.Target,
			string(e.Outcome),
			strconv.FormatInt(e.Duration.Milliseconds(), 10),
			strconv.FormatBool(e.DataLoss),
			e.LastCommitPoint,
			e.Cause,
			e.Error,
			e.Actor,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// syslogSeverity maps an event to an RFC 5424 severity: data loss is
// critical, any other non-success a warning.
func syslogSeverity(e Event) int {
	switch {
	case e.DataLoss:
		return 2
	case e.Outcome != OutcomeSuccess:
		return 4
	default:
		return 6
	}
}

func exportSyslog(w io.Writer, events []Event) error {
	const facility = 16 // local0
	for _, e := range events {
		_, err := fmt.Fprintf(w,
			"<%d>1 %s cluso-ha failover - - [failover@cluso id=\"%s\" seq=\"%d\" group=\"%s\" trigger=\"%s\" outcome=\"%s\" data_loss=\"%t\"] %s\n",
			facility*8+syslogSeverity(e),
			e.Timestamp.Format(time.RFC3339),
			e.ID, e.Seq, e.Group, e.Trigger, e.Outcome, e.DataLoss,
			e.String(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}
