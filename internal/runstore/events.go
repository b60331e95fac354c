package runstore

import (
	"log"
	"path/filepath"

	"github.com/flotillahq/flotilla/internal/events"
)

// EventLog is the companion append-only domain event log for the runs
// directory. It is write-only from the core's perspective; failures degrade
// to warnings so event logging can never block a state mutation.
type EventLog struct {
	logger *events.AuditLogger
}

// OpenEventLog opens .flotilla/logs/runs.jsonl.
func OpenEventLog(flotillaDir string) (*EventLog, error) {
	logger, err := events.NewAuditLogger(filepath.Join(flotillaDir, "logs", "runs"+events.LogFileExtension), 0)
	if err != nil {
		return nil, err
	}
	return &EventLog{logger: logger}, nil
}

// Append records a domain event. Never returns an error to the caller.
func (el *EventLog) Append(eventType, runID string, details map[string]any) {
	if el == nil || el.logger == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["run_id"] = runID
	if err := el.logger.Log(eventType, details); err != nil {
		log.Printf("warning: event log append failed: %v", err)
	}
}

func (el *EventLog) Close() error {
	if el == nil || el.logger == nil {
		return nil
	}
	return el.logger.Close()
}
