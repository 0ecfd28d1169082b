package milter

import "fmt"

// Response is a result returned by callback handlers to tell the MTA how to
// proceed with the current message.
type Response interface {
	// Response returns the wire packet for this response, or nil if no packet
	// should be sent (negotiated no-reply events).
	Response() *Message
	// Continue returns false if the response terminates the current message.
	Continue() bool
}

// SimpleResponse is a response carrying only an action code.
type SimpleResponse byte

// Standard responses.
const (
	RespAccept   = SimpleResponse(ActAccept)
	RespContinue = SimpleResponse(ActContinue)
	RespDiscard  = SimpleResponse(ActDiscard)
	RespReject   = SimpleResponse(ActReject)
	RespTempFail = SimpleResponse(ActTempFail)
)

func (r SimpleResponse) Response() *Message {
	return &Message{Code: byte(r)}
}

func (r SimpleResponse) Continue() bool {
	switch ActionCode(r) {
	case ActAccept, ActDiscard, ActReject, ActTempFail:
		return false
	default:
		return true
	}
}

// noReply sends nothing to the MTA. Only valid for events whose no-reply
// protocol flag was negotiated.
type noReply struct{}

func (noReply) Response() *Message { return nil }
func (noReply) Continue() bool     { return true }

// RespNoReply skips the acknowledgement for the current event. Handlers may
// only return it when the corresponding no-reply flag (e.g. OptNoHeaderReply)
// was agreed on during negotiation.
var RespNoReply Response = noReply{}

// CustomResponse is a response with a custom action code and data payload.
type CustomResponse struct {
	code byte
	data []byte
}

func NewResponse(code byte, data []byte) *CustomResponse {
	return &CustomResponse{code, data}
}

// NewResponseStr creates a response with a null-terminated string payload.
// The most common use is a custom SMTP rejection:
//
//	NewResponseStr(byte(ActReplyCode), "550 5.7.1 Message refused")
func NewResponseStr(code byte, data string) *CustomResponse {
	return NewResponse(code, []byte(data+null))
}

// RejectWithCode builds a permanent or temporary rejection response carrying
// an SMTP reply code, an extended status code and a human readable text.
func RejectWithCode(code int, xcode, text string) *CustomResponse {
	return NewResponseStr(byte(ActReplyCode), fmt.Sprintf("%d %s %s", code, xcode, text))
}

func (r *CustomResponse) Response() *Message {
	return &Message{Code: r.code, Data: r.data}
}

func (r *CustomResponse) Continue() bool {
	switch ActionCode(r.code) {
	case ActAccept, ActDiscard, ActReject, ActTempFail, ActReplyCode:
		return false
	default:
		return true
	}
}
