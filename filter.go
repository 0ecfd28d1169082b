package milterfrom

import (
	"log"
	"strings"
	"time"

	"github.com/magcks/milterfrom/milter"
)

// rejectReply is the fixed reply for messages whose From: header does not
// match the envelope sender.
const (
	rejectCode  = 550
	rejectXCode = "5.7.1"
	rejectText  = "Rejected due to unmatching envelope and header sender."
)

// authTypeMacro is set by the MTA when the SMTP client authenticated.
const authTypeMacro = "{auth_type}"

// session is the per-message state. It exists from the envelope sender event
// until end of message or abort, whichever comes first.
type session struct {
	id      string
	isAuth  bool
	envFrom string
	hdrFrom string
	// rejected is sticky: a message with multiple From: headers fails if any
	// of them mismatches.
	rejected bool
}

// Filter checks envelope/header sender consistency for one MTA connection.
// It implements milter.Milter and milter.Negotiator.
type Filter struct {
	milter.NoOpMilter

	// mtaCaps is the protocol mask the MTA offered at negotiation. Written
	// once before any message event of the connection, read-only afterwards.
	mtaCaps milter.OptProtocol

	hooks []Hook
	msg   *session
}

var (
	_ milter.Milter     = (*Filter)(nil)
	_ milter.Negotiator = (*Filter)(nil)
)

// NewFilter returns the backend for a single MTA connection. Verdicts are
// reported to the given hooks.
func NewFilter(hooks []Hook) *Filter {
	connectionsTotal.Inc()
	return &Filter{hooks: hooks}
}

// Negotiate declares no interest in connection, HELO and recipient events and
// requests the no-reply optimization for header events when the MTA offers
// it.
func (f *Filter) Negotiate(mtaActions milter.OptAction, mtaProtocol milter.OptProtocol) (milter.OptAction, milter.OptProtocol) {
	f.mtaCaps = mtaProtocol

	protocol := milter.OptNoConnect | milter.OptNoHelo | milter.OptNoRcptTo
	if mtaProtocol&milter.OptNoHeaderReply != 0 {
		protocol |= milter.OptNoHeaderReply
	}
	return 0, protocol
}

// MailFrom starts a new message session from the envelope sender event.
func (f *Filter) MailFrom(from string, m *milter.Modifier) (milter.Response, error) {
	// copy the extracted address, the argument buffer does not outlive the
	// event
	f.msg = &session{
		id:      GenID().String(),
		isAuth:  m.Macros[authTypeMacro] != "",
		envFrom: strings.Clone(ExtractAddress(from)),
	}
	return milter.RespContinue, nil
}

// Header evaluates one header field. Only authenticated, not yet rejected
// messages are checked; all From: headers have to match the envelope sender.
func (f *Filter) Header(name, value string, m *milter.Modifier) (milter.Response, error) {
	s := f.msg
	if s != nil && s.isAuth && !s.rejected && equalFoldASCII(name, "from") {
		from := ExtractAddress(value)
		s.hdrFrom = strings.Clone(from)
		if !equalFoldASCII(from, s.envFrom) {
			s.rejected = true
			headerMismatchesTotal.Inc()
		}
	}

	if f.mtaCaps&milter.OptNoHeaderReply != 0 {
		return milter.RespNoReply, nil
	}
	return milter.RespContinue, nil
}

// Body delivers the final verdict at end of message and ends the session.
func (f *Filter) Body(m *milter.Modifier) (milter.Response, error) {
	s := f.msg
	if s == nil {
		return milter.RespContinue, nil
	}
	f.msg = nil

	if s.rejected {
		f.report(s, VerdictRejected)
		return milter.RejectWithCode(rejectCode, rejectXCode, rejectText), nil
	}
	f.report(s, VerdictAccepted)
	return milter.RespContinue, nil
}

// Abort ends the session without a verdict. Aborting an already absent
// session is a no-op.
func (f *Filter) Abort(m *milter.Modifier) error {
	s := f.msg
	if s == nil {
		return nil
	}
	f.msg = nil
	f.report(s, VerdictAborted)
	return nil
}

func (f *Filter) report(s *session, v Verdict) {
	messagesTotal.WithLabelValues(string(v)).Inc()
	if v == VerdictRejected {
		log.Printf("%s: reject envelope=%q header=%q", s.id, s.envFrom, s.hdrFrom)
	}

	if len(f.hooks) == 0 {
		return
	}
	data := &VerdictData{
		MsgID:        s.id,
		OccurredAt:   time.Now(),
		EnvelopeFrom: s.envFrom,
		HeaderFrom:   s.hdrFrom,
		Verdict:      v,
	}
	for _, h := range f.hooks {
		h.AfterVerdict(data)
	}
}
