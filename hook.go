package milterfrom

import (
	"time"
)

// TimeFormat is used for timestamps written by the SQL hooks.
const TimeFormat = "2006-01-02 15:04:05"

// Verdict is the terminal outcome of one message.
type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictRejected Verdict = "rejected"
	VerdictAborted  Verdict = "aborted"
)

// Hook records message verdicts. Hooks run synchronously after every
// terminal message event; failures are logged and never affect the verdict.
type Hook interface {
	Name() string
	AfterInit()
	AfterVerdict(*VerdictData)
}

type VerdictData struct {
	MsgID        string
	OccurredAt   time.Time
	EnvelopeFrom string
	HeaderFrom   string
	Verdict      Verdict
}
