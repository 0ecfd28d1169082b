package milter

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/emersion/go-message/textproto"
)

// clientProtocolVersion is the protocol version announced by the client.
const clientProtocolVersion uint32 = 6

// ClientOptions contains the masks the client (the MTA side) offers during
// negotiation.
type ClientOptions struct {
	// ActionMask lists the modification actions the MTA allows.
	ActionMask OptAction
	// ProtocolMask lists the protocol options the MTA is able to honor. The
	// milter may request any subset of it.
	ProtocolMask OptProtocol
}

var defaultClientOptions = ClientOptions{
	ActionMask: OptAddHeader | OptChangeBody | OptAddRcpt | OptRemoveRcpt |
		OptChangeHeader | OptQuarantine | OptChangeFrom,
	ProtocolMask: OptNoConnect | OptNoHelo | OptNoMailFrom | OptNoRcptTo |
		OptNoBody | OptNoHeaders | OptNoEOH | OptNoHeaderReply,
}

// Client speaks the MTA side of the milter protocol.
type Client struct {
	// Dialer is used to establish new connections to the milter.
	// Set to empty net.Dialer{} by NewClient.
	Dialer interface {
		Dial(network string, addr string) (net.Conn, error)
	}

	options ClientOptions
	network string
	address string
}

// NewClient creates a client with the default negotiation masks.
func NewClient(network, address string) *Client {
	return NewClientWithOptions(network, address, defaultClientOptions)
}

func NewClientWithOptions(network, address string, opts ClientOptions) *Client {
	return &Client{
		Dialer:  &net.Dialer{},
		options: opts,
		network: network,
		address: address,
	}
}

// Session dials the milter and performs option negotiation.
func (c *Client) Session() (*ClientSession, error) {
	conn, err := c.Dialer.Dial(c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("milter: session create: %w", err)
	}

	s := &ClientSession{conn: conn}
	if err := s.negotiate(c.options); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func (c *Client) Close() error {
	// Reserved for use in connection pooling.
	return nil
}

type ClientSession struct {
	conn net.Conn

	// masks requested by the milter during negotiation
	actions  OptAction
	protocol OptProtocol
}

// negotiate exchanges OPTNEG messages with the milter and records the masks
// the milter requested.
func (s *ClientSession) negotiate(opts ClientOptions) error {
	msg := &Message{Code: byte(CodeOptNeg)}
	msg.Data = appendUint32(msg.Data, clientProtocolVersion)
	msg.Data = appendUint32(msg.Data, uint32(opts.ActionMask))
	msg.Data = appendUint32(msg.Data, uint32(opts.ProtocolMask))

	if err := writePacket(s.conn, msg, 0); err != nil {
		return fmt.Errorf("milter: negotiate: optneg write: %w", err)
	}
	msg, err := readPacket(s.conn, 0)
	if err != nil {
		return fmt.Errorf("milter: negotiate: optneg read: %w", err)
	}
	if Code(msg.Code) != CodeOptNeg {
		return fmt.Errorf("milter: negotiate: unexpected code: %v", rune(msg.Code))
	}
	if len(msg.Data) != 4+4+4 /* version + action mask + proto mask */ {
		return fmt.Errorf("milter: negotiate: unexpected data size: %v", len(msg.Data))
	}
	milterVersion := binary.BigEndian.Uint32(msg.Data[:4])
	if milterVersion < 2 || milterVersion > clientProtocolVersion {
		return fmt.Errorf("milter: negotiate: unsupported protocol version: %v", milterVersion)
	}

	s.actions = OptAction(binary.BigEndian.Uint32(msg.Data[4:8]))
	s.protocol = OptProtocol(binary.BigEndian.Uint32(msg.Data[8:12]))
	if unknown := s.protocol &^ opts.ProtocolMask; unknown != 0 {
		return fmt.Errorf("milter: negotiate: milter requested unsupported protocol flags: %#x", uint32(unknown))
	}

	return nil
}

// Protocol returns the protocol mask requested by the milter.
func (s *ClientSession) Protocol() OptProtocol {
	return s.protocol
}

// Actions returns the action mask requested by the milter.
func (s *ClientSession) Actions() OptAction {
	return s.actions
}

// Macros sends a macro packet for the given command code.
func (s *ClientSession) Macros(code Code, kv ...string) error {
	// Note: kv is ...string with the expectation that the list of macro names
	// will be static and not dynamically constructed.

	msg := &Message{
		Code: byte(CodeMacro),
		Data: []byte{byte(code)},
	}
	for _, str := range kv {
		msg.Data = appendCString(msg.Data, str)
	}

	if err := writePacket(s.conn, msg, 0); err != nil {
		return fmt.Errorf("milter: macros: %w", err)
	}

	return nil
}

type Action struct {
	Code ActionCode

	// Quarantine reason if Code == ActQuarantine.
	Reason string

	// SMTP code if Code == ActReplyCode.
	SMTPCode int
	// Reply text if Code == ActReplyCode.
	SMTPText string
}

var actContinue = &Action{Code: ActContinue}

func (s *ClientSession) readAction() (*Action, error) {
	for {
		msg, err := readPacket(s.conn, 0)
		if err != nil {
			return nil, fmt.Errorf("action read: %w", err)
		}
		if ActionCode(msg.Code) == ActProgress {
			continue
		}

		return parseAction(msg)
	}
}

func parseAction(msg *Message) (*Action, error) {
	act := &Action{
		Code: ActionCode(msg.Code),
	}
	var err error

	switch ActionCode(msg.Code) {
	case ActAccept, ActContinue, ActDiscard, ActReject, ActTempFail:
	case ActQuarantine:
		act.Reason = readCString(msg.Data)
	case ActReplyCode:
		if len(msg.Data) <= 4 {
			return nil, fmt.Errorf("action read: unexpected data length: %v", len(msg.Data))
		}
		act.SMTPCode, err = strconv.Atoi(string(msg.Data[:3]))
		if err != nil {
			return nil, fmt.Errorf("action read: malformed SMTP code: %v", msg.Data[:3])
		}
		// There is 0x20 (' ') in between.
		act.SMTPText = readCString(msg.Data[4:])
	default:
		return nil, fmt.Errorf("action read: unexpected code: %v", msg.Code)
	}

	return act, nil
}

// Conn sends the connection information to the milter.
//
// It should be called once per milter session (from Session to Close).
func (s *ClientSession) Conn(hostname string, family ProtoFamily, port uint16, addr string) (*Action, error) {
	if s.protocol&OptNoConnect != 0 {
		return actContinue, nil
	}

	msg := &Message{
		Code: byte(CodeConn),
	}
	msg.Data = appendCString(msg.Data, hostname)
	msg.Data = append(msg.Data, byte(family))
	if family != FamilyUnknown {
		if family == FamilyInet || family == FamilyInet6 {
			msg.Data = appendUint16(msg.Data, port)
		}
		msg.Data = appendCString(msg.Data, addr)
	}

	if err := writePacket(s.conn, msg, 0); err != nil {
		return nil, fmt.Errorf("milter: conn: %w", err)
	}

	act, err := s.readAction()
	if err != nil {
		return nil, fmt.Errorf("milter: conn: %w", err)
	}
	return act, nil
}

// Helo sends the HELO hostname to the milter.
//
// It should be called once per milter session (from Session to Close).
func (s *ClientSession) Helo(helo string) (*Action, error) {
	// Synthesise response as if server replied "go on" while in fact it does
	// not support that message.
	if s.protocol&OptNoHelo != 0 {
		return actContinue, nil
	}

	msg := &Message{
		Code: byte(CodeHelo),
		Data: appendCString(nil, helo),
	}

	if err := writePacket(s.conn, msg, 0); err != nil {
		return nil, fmt.Errorf("milter: helo: %w", err)
	}

	act, err := s.readAction()
	if err != nil {
		return nil, fmt.Errorf("milter: helo: %w", err)
	}
	return act, nil
}

func (s *ClientSession) Mail(sender string, esmtpArgs []string) (*Action, error) {
	if s.protocol&OptNoMailFrom != 0 {
		return actContinue, nil
	}

	msg := &Message{
		Code: byte(CodeMail),
	}

	msg.Data = appendCString(msg.Data, "<"+sender+">")
	for _, arg := range esmtpArgs {
		msg.Data = appendCString(msg.Data, arg)
	}

	if err := writePacket(s.conn, msg, 0); err != nil {
		return nil, fmt.Errorf("milter: mail: %w", err)
	}

	act, err := s.readAction()
	if err != nil {
		return nil, fmt.Errorf("milter: mail: %w", err)
	}
	return act, nil
}

func (s *ClientSession) Rcpt(rcpt string, esmtpArgs []string) (*Action, error) {
	if s.protocol&OptNoRcptTo != 0 {
		return actContinue, nil
	}

	msg := &Message{
		Code: byte(CodeRcpt),
	}

	msg.Data = appendCString(msg.Data, "<"+rcpt+">")
	for _, arg := range esmtpArgs {
		msg.Data = appendCString(msg.Data, arg)
	}

	if err := writePacket(s.conn, msg, 0); err != nil {
		return nil, fmt.Errorf("milter: rcpt: %w", err)
	}

	act, err := s.readAction()
	if err != nil {
		return nil, fmt.Errorf("milter: rcpt: %w", err)
	}
	return act, nil
}

// HeaderField sends a single header field to the milter.
//
// HeaderEnd() must be called after the last field.
//
// If the milter negotiated OptNoHeaderReply, no acknowledgement is read and a
// continue action is synthesised.
func (s *ClientSession) HeaderField(key, value string) (*Action, error) {
	if s.protocol&OptNoHeaders != 0 {
		return actContinue, nil
	}

	msg := &Message{
		Code: byte(CodeHeader),
	}
	msg.Data = appendCString(msg.Data, key)
	msg.Data = appendCString(msg.Data, value)

	if err := writePacket(s.conn, msg, 0); err != nil {
		return nil, fmt.Errorf("milter: header field: %w", err)
	}

	if s.protocol&OptNoHeaderReply != 0 {
		return actContinue, nil
	}

	act, err := s.readAction()
	if err != nil {
		return nil, fmt.Errorf("milter: header field: %w", err)
	}
	return act, nil
}

// Header sends each field of the header section to the milter followed by the
// EOH message. It stops early if the milter returns anything else than a
// continue action.
func (s *ClientSession) Header(hdr textproto.Header) (*Action, error) {
	for f := hdr.Fields(); f.Next(); {
		act, err := s.HeaderField(f.Key(), f.Value())
		if err != nil {
			return nil, err
		}
		if act.Code != ActContinue {
			return act, nil
		}
	}
	return s.HeaderEnd()
}

// HeaderEnd send the EOH (End-Of-Header) message to the milter.
//
// No HeaderField calls are allowed after this point.
func (s *ClientSession) HeaderEnd() (*Action, error) {
	if s.protocol&OptNoEOH != 0 {
		return actContinue, nil
	}

	msg := &Message{
		Code: byte(CodeEOH),
	}

	if err := writePacket(s.conn, msg, 0); err != nil {
		return nil, fmt.Errorf("milter: header end: %w", err)
	}

	act, err := s.readAction()
	if err != nil {
		return nil, fmt.Errorf("milter: header end: %w", err)
	}
	return act, nil
}

// BodyChunk sends a single body chunk to the milter.
//
// It is callers responsibility to ensure every chunk is not bigger than
// MaxBodyChunk.
func (s *ClientSession) BodyChunk(chunk []byte) (*Action, error) {
	if s.protocol&OptNoBody != 0 {
		return actContinue, nil
	}

	if len(chunk) > MaxBodyChunk {
		return nil, fmt.Errorf("milter: body chunk: too big body chunk: %v", len(chunk))
	}

	if err := writePacket(s.conn, &Message{
		Code: byte(CodeBody),
		Data: chunk,
	}, 0); err != nil {
		return nil, fmt.Errorf("milter: body chunk: %w", err)
	}

	act, err := s.readAction()
	if err != nil {
		return nil, fmt.Errorf("milter: body chunk: %w", err)
	}
	return act, nil
}

// BodyReadFrom streams the message body from r in MaxBodyChunk sized chunks
// and sends the EOB message. It stops early if the milter returns anything
// else than a continue action.
func (s *ClientSession) BodyReadFrom(r io.Reader) ([]ModifyAction, *Action, error) {
	buf := make([]byte, MaxBodyChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			act, cerr := s.BodyChunk(buf[:n])
			if cerr != nil {
				return nil, nil, cerr
			}
			if act.Code != ActContinue {
				return nil, act, nil
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("milter: body: %w", err)
		}
	}

	return s.End()
}

type ModifyAction struct {
	Code ModifyActCode

	// Recipient to add/remove if Code == ActAddRcpt or ActDelRcpt.
	Rcpt string

	// Quarantine reason if Code == ActQuarantineMod.
	Reason string

	// New envelope sender if Code == ActChangeFrom.
	From string

	// Portion of body to be replaced if Code == ActReplBody.
	Body []byte

	// Index of the header field to be changed if Code = ActChangeHeader or
	// inserted if Code = ActInsertHeader. For ActChangeHeader it is 1-based
	// and per value of HdrName.
	HdrIndex uint32

	// Header field name to be added/changed if Code == ActAddHeader,
	// ActChangeHeader or ActInsertHeader.
	HdrName string

	// Header field value to be added/changed if Code == ActAddHeader,
	// ActChangeHeader or ActInsertHeader. If set to empty string - the field
	// should be removed.
	HdrValue string
}

func parseModifyAct(msg *Message) (*ModifyAction, error) {
	act := &ModifyAction{
		Code: ModifyActCode(msg.Code),
	}

	switch ModifyActCode(msg.Code) {
	case ActAddRcpt, ActDelRcpt:
		act.Rcpt = readCString(msg.Data)
	case ActQuarantineMod:
		act.Reason = readCString(msg.Data)
	case ActChangeFrom:
		act.From = readCString(msg.Data)
	case ActReplBody:
		act.Body = msg.Data
	case ActChangeHeader, ActInsertHeader:
		if len(msg.Data) < 4 {
			return nil, fmt.Errorf("read modify action: missing header index")
		}
		act.HdrIndex = binary.BigEndian.Uint32(msg.Data)

		msg.Data = msg.Data[4:]
		fallthrough
	case ActAddHeader:
		act.HdrName = readCString(msg.Data)
		if len(act.HdrName)+1 > len(msg.Data) {
			return nil, fmt.Errorf("read modify action: missing header value")
		}
		act.HdrValue = readCString(msg.Data[len(act.HdrName)+1:])
	default:
		return nil, fmt.Errorf("read modify action: unexpected message code: %v", msg.Code)
	}

	return act, nil
}

func (s *ClientSession) readModifyActs() (modifyActs []ModifyAction, act *Action, err error) {
	for {
		msg, err := readPacket(s.conn, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("action read: %w", err)
		}
		if ActionCode(msg.Code) == ActProgress {
			continue
		}

		switch ModifyActCode(msg.Code) {
		case ActAddRcpt, ActDelRcpt, ActReplBody, ActAddHeader, ActChangeHeader, ActInsertHeader, ActChangeFrom, ActQuarantineMod:
			modifyAct, err := parseModifyAct(msg)
			if err != nil {
				return nil, nil, err
			}
			modifyActs = append(modifyActs, *modifyAct)
		default:
			act, err = parseAction(msg)
			if err != nil {
				return nil, nil, err
			}

			return modifyActs, act, nil
		}
	}
}

// End sends the EOB message and resets session back to the state before Mail
// call. The same ClientSession can be used to check another message arrived
// within the same SMTP connection (Helo and Conn information is preserved).
//
// Close should be called to conclude session.
func (s *ClientSession) End() ([]ModifyAction, *Action, error) {
	if err := writePacket(s.conn, &Message{
		Code: byte(CodeEOB),
	}, 0); err != nil {
		return nil, nil, fmt.Errorf("milter: end: %w", err)
	}

	modifyActs, act, err := s.readModifyActs()
	if err != nil {
		return nil, nil, fmt.Errorf("milter: end: %w", err)
	}

	return modifyActs, act, nil
}

// Abort tears down the current message without a verdict. The session stays
// usable for another message.
func (s *ClientSession) Abort() error {
	if err := writePacket(s.conn, &Message{
		Code: byte(CodeAbort),
	}, 0); err != nil {
		return fmt.Errorf("milter: abort: %w", err)
	}
	return nil
}

// Close releases resources associated with the session.
func (s *ClientSession) Close() error {
	if err := writePacket(s.conn, &Message{
		Code: byte(CodeQuit),
	}, 0); err != nil {
		s.conn.Close()
		return fmt.Errorf("milter: close: %w", err)
	}
	return s.conn.Close()
}
