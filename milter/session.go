package milter

import (
	"encoding/binary"
	"errors"
	"io"
	"log"
	"net"
	"net/textproto"
	"strings"
	"time"
)

var errCloseSession = errors.New("Stop current milter processing")

// serverProtocolVersion is the protocol version announced to the MTA. The
// no-reply protocol flags require version 6.
var serverProtocolVersion uint32 = 6

// milterSession keeps session state during MTA communication
type milterSession struct {
	server   *Server
	actions  OptAction
	protocol OptProtocol
	conn     net.Conn
	headers  textproto.MIMEHeader
	macros   map[string]string
	backend  Milter
}

// ReadPacket reads incoming milter packet
func (m *milterSession) ReadPacket() (*Message, error) {
	return readPacket(m.conn, 0)
}

func readPacket(conn net.Conn, timeout time.Duration) (*Message, error) {
	if timeout != 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	// read packet length
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, errors.New("milter: read: empty packet")
	}

	// read packet data
	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}

	message := Message{
		Code: data[0],
		Data: data[1:],
	}

	return &message, nil
}

// WritePacket sends a milter response packet to socket stream
func (m *milterSession) WritePacket(msg *Message) error {
	return writePacket(m.conn, msg, 0)
}

func writePacket(conn net.Conn, msg *Message, timeout time.Duration) error {
	if timeout != 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}

	buffer := make([]byte, 0, 4+1+len(msg.Data))
	buffer = appendUint32(buffer, uint32(len(msg.Data)+1))
	buffer = append(buffer, msg.Code)
	buffer = append(buffer, msg.Data...)

	_, err := conn.Write(buffer)
	return err
}

// negotiate handles an OPTNEG packet: it reads the masks offered by the MTA,
// lets the backend take part in the exchange if it implements Negotiator and
// builds the reply packet. The negotiated masks are stored on the session.
func (m *milterSession) negotiate(msg *Message) (Response, error) {
	if len(msg.Data) < 12 {
		return nil, errors.New("milter: negotiate: unexpected data size")
	}
	mtaVersion := binary.BigEndian.Uint32(msg.Data[:4])
	mtaActions := OptAction(binary.BigEndian.Uint32(msg.Data[4:8]))
	mtaProtocol := OptProtocol(binary.BigEndian.Uint32(msg.Data[8:12]))

	version := serverProtocolVersion
	if mtaVersion < version {
		version = mtaVersion
	}

	actions := m.server.Actions
	protocol := m.server.Protocol
	if n, ok := m.backend.(Negotiator); ok {
		actions, protocol = n.Negotiate(mtaActions, mtaProtocol)
	}
	// never request more than the MTA offered
	protocol &= mtaProtocol

	m.actions = actions
	m.protocol = protocol

	data := make([]byte, 0, 12)
	data = appendUint32(data, version)
	data = appendUint32(data, uint32(actions))
	data = appendUint32(data, uint32(protocol))
	return NewResponse(byte(CodeOptNeg), data), nil
}

// Process processes incoming milter commands
func (m *milterSession) Process(msg *Message) (Response, error) {
	switch Code(msg.Code) {
	case CodeAbort:
		// abort current message and start over
		defer func() {
			m.headers = nil
			m.macros = nil
		}()
		return nil, m.backend.Abort(newModifier(m))

	case CodeBody:
		// body chunk
		return m.backend.BodyChunk(msg.Data, newModifier(m))

	case CodeConn:
		// new connection, get hostname
		hostname := readCString(msg.Data)
		msg.Data = msg.Data[len(hostname)+1:]
		// get protocol family
		if len(msg.Data) == 0 {
			return RespTempFail, nil
		}
		protocolFamily := msg.Data[0]
		msg.Data = msg.Data[1:]
		// get port
		var port uint16
		if protocolFamily == '4' || protocolFamily == '6' {
			if len(msg.Data) < 2 {
				return RespTempFail, nil
			}
			port = binary.BigEndian.Uint16(msg.Data)
			msg.Data = msg.Data[2:]
		}
		// get address
		address := readCString(msg.Data)
		// convert family to human readable string
		family := map[byte]string{
			'U': "unknown",
			'L': "unix",
			'4': "tcp4",
			'6': "tcp6",
		}
		return m.backend.Connect(
			hostname,
			family[protocolFamily],
			port,
			net.ParseIP(address),
			newModifier(m))

	case CodeMacro:
		// define macros
		m.macros = make(map[string]string)
		// the first byte is the command the macros apply to; a packet without
		// it carries nothing
		if len(msg.Data) == 0 {
			return nil, nil
		}
		// convert data to Go strings
		data := decodeCStrings(msg.Data[1:])
		if len(data) != 0 {
			if len(data)%2 == 1 {
				data = append(data, "")
			}
			for i := 0; i < len(data); i += 2 {
				m.macros[data[i]] = data[i+1]
			}
		}
		// do not send response
		return nil, nil

	case CodeEOB:
		// message end, final verdict
		defer func() {
			m.headers = nil
			m.macros = nil
		}()
		return m.backend.Body(newModifier(m))

	case CodeHelo:
		// helo command
		name := strings.TrimSuffix(string(msg.Data), null)
		return m.backend.Helo(name, newModifier(m))

	case CodeHeader:
		// make sure headers is initialized
		if m.headers == nil {
			m.headers = make(textproto.MIMEHeader)
		}
		// add new header to headers map
		headerData := decodeCStrings(msg.Data)
		// headers with an empty body appear as `text\x00\x00`, decodeCStrings
		// will drop the empty body
		if len(headerData) == 1 {
			headerData = append(headerData, "")
		}
		if len(headerData) == 2 {
			m.headers.Add(headerData[0], headerData[1])
			return m.backend.Header(headerData[0], headerData[1], newModifier(m))
		}

	case CodeMail:
		// envelope from address, passed to the backend as sent by the MTA
		from := readCString(msg.Data)
		return m.backend.MailFrom(from, newModifier(m))

	case CodeEOH:
		// end of headers
		return m.backend.Headers(m.headers, newModifier(m))

	case CodeOptNeg:
		return m.negotiate(msg)

	case CodeQuit:
		// client requested session close
		return nil, errCloseSession

	case CodeRcpt:
		// envelope to address
		to := readCString(msg.Data)
		return m.backend.RcptTo(to, newModifier(m))

	case CodeData:
		// data, ignore

	default:
		// print error and close session
		log.Printf("Unrecognized command code: %c", msg.Code)
		return nil, errCloseSession
	}

	// by default continue with next milter message
	return RespContinue, nil
}

// HandleMilterCommands processes all milter commands in the same connection
func (m *milterSession) HandleMilterCommands() {
	defer m.conn.Close()

	for {
		msg, err := m.ReadPacket()
		if err != nil {
			if err != io.EOF {
				log.Printf("Error reading milter command: %v", err)
			}
			return
		}

		resp, err := m.Process(msg)
		if err != nil {
			if err != errCloseSession {
				log.Printf("Error performing milter command: %v", err)
				// a backend failure defers the current message only
				m.WritePacket(RespTempFail.Response())
			}
			return
		}

		// nil responses and no-reply responses produce no packet
		if resp == nil {
			continue
		}
		if pkt := resp.Response(); pkt != nil {
			if err = m.WritePacket(pkt); err != nil {
				log.Printf("Error writing packet: %v", err)
				return
			}
		}
	}
}
