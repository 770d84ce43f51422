package task

import "time"

const DLQType = "task.dlq"

type DeadLetter struct {
	Type      string   `json:"type"`    // "task.dlq"
	Version   string   `json:"version"` // schema version
	At        string   `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason    string   `json:"reason"`  // human/debug text
	Attempt   int      `json:"attempt"` // attempt count when DLQ'd
	LastError string   `json:"last_error,omitempty"`
	Envelope  Envelope `json:"envelope"` // full task snapshot
}

func NewDeadLetter(e Envelope, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   e.Attempt,
		LastError: lastErr,
		Envelope:  e,
	}
}
