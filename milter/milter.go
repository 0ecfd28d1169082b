// Package milter implements the milter protocol used between an MTA and a
// mail filter process. It provides both the server side (the filter) and the
// client side (the MTA) of the protocol.
package milter

import (
	"net"
	"net/textproto"
)

// Milter is an interface for milter callback handlers.
type Milter interface {
	// Connect is called to provide SMTP connection data for incoming message.
	// Suppress with OptNoConnect.
	Connect(host string, family string, port uint16, addr net.IP, m *Modifier) (Response, error)

	// Helo is called to process any HELO/EHLO related filters. Suppress with
	// OptNoHelo.
	Helo(name string, m *Modifier) (Response, error)

	// MailFrom is called to process filters on envelope FROM address. The
	// value is passed as sent by the MTA, including any angle brackets.
	// Suppress with OptNoMailFrom.
	MailFrom(from string, m *Modifier) (Response, error)

	// RcptTo is called to process filters on envelope TO address. Suppress with
	// OptNoRcptTo.
	RcptTo(rcptTo string, m *Modifier) (Response, error)

	// Header is called once for each header in incoming message. Suppress with
	// OptNoHeaders.
	Header(name string, value string, m *Modifier) (Response, error)

	// Headers is called when all message headers have been processed. Suppress
	// with OptNoEOH.
	Headers(h textproto.MIMEHeader, m *Modifier) (Response, error)

	// BodyChunk is called to process next message body chunk data (up to 64KB
	// in size). Suppress with OptNoBody.
	BodyChunk(chunk []byte, m *Modifier) (Response, error)

	// Body is called at the end of each message. All changes to message's
	// content & attributes must be done here.
	Body(m *Modifier) (Response, error)

	// Abort is called when the current message is torn down before completion,
	// e.g. because the MTA rejected it elsewhere or the connection dropped.
	// Handlers must reset any per-message state here. No response is sent.
	Abort(m *Modifier) error
}

// Negotiator is an optional interface a Milter can implement to take part in
// option negotiation. Negotiate receives the action and protocol masks
// offered by the MTA and returns the masks the milter requests. The returned
// protocol mask must be a subset of the offered one; flags the MTA did not
// offer are silently dropped by the session before replying.
//
// Backends that do not implement Negotiator get the masks configured on the
// Server.
type Negotiator interface {
	Negotiate(mtaActions OptAction, mtaProtocol OptProtocol) (OptAction, OptProtocol)
}

// NoOpMilter is a dummy Milter implementation that does nothing. It can be
// embedded to avoid implementing callbacks a filter has no interest in.
type NoOpMilter struct{}

var _ Milter = NoOpMilter{}

func (NoOpMilter) Connect(host string, family string, port uint16, addr net.IP, m *Modifier) (Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) Helo(name string, m *Modifier) (Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) MailFrom(from string, m *Modifier) (Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) RcptTo(rcptTo string, m *Modifier) (Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) Header(name string, value string, m *Modifier) (Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) Headers(h textproto.MIMEHeader, m *Modifier) (Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) BodyChunk(chunk []byte, m *Modifier) (Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) Body(m *Modifier) (Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) Abort(m *Modifier) error {
	return nil
}
