package milter

import (
	"bytes"
	"errors"
	"net"
	nettextproto "net/textproto"
	"reflect"
	"testing"

	"github.com/emersion/go-message/textproto"
)

type MockMilter struct {
	ConnResp Response
	ConnMod  func(m *Modifier)
	ConnErr  error

	HeloResp Response
	HeloMod  func(m *Modifier)
	HeloErr  error

	MailResp Response
	MailMod  func(m *Modifier)
	MailErr  error

	RcptResp Response
	RcptMod  func(m *Modifier)
	RcptErr  error

	HdrResp Response
	HdrMod  func(m *Modifier)
	HdrErr  error

	HdrsResp Response
	HdrsMod  func(m *Modifier)
	HdrsErr  error

	BodyChunkResp Response
	BodyChunkMod  func(m *Modifier)
	BodyChunkErr  error

	BodyResp Response
	BodyMod  func(m *Modifier)
	BodyErr  error

	AbortMod func(m *Modifier)
	AbortErr error

	// Info collected during calls.
	Host   string
	Family string
	Port   uint16
	Addr   net.IP

	HeloValue string
	From      string
	Rcpt      []string
	HdrNames  []string
	Hdr       nettextproto.MIMEHeader

	Chunks [][]byte
	Aborts int
}

func (mm *MockMilter) Connect(host string, family string, port uint16, addr net.IP, m *Modifier) (Response, error) {
	if mm.ConnMod != nil {
		mm.ConnMod(m)
	}
	mm.Host = host
	mm.Family = family
	mm.Port = port
	mm.Addr = addr
	return mm.ConnResp, mm.ConnErr
}

func (mm *MockMilter) Helo(name string, m *Modifier) (Response, error) {
	if mm.HeloMod != nil {
		mm.HeloMod(m)
	}
	mm.HeloValue = name
	return mm.HeloResp, mm.HeloErr
}

func (mm *MockMilter) MailFrom(from string, m *Modifier) (Response, error) {
	if mm.MailMod != nil {
		mm.MailMod(m)
	}
	mm.From = from
	return mm.MailResp, mm.MailErr
}

func (mm *MockMilter) RcptTo(rcptTo string, m *Modifier) (Response, error) {
	if mm.RcptMod != nil {
		mm.RcptMod(m)
	}
	mm.Rcpt = append(mm.Rcpt, rcptTo)
	return mm.RcptResp, mm.RcptErr
}

func (mm *MockMilter) Header(name string, value string, m *Modifier) (Response, error) {
	if mm.HdrMod != nil {
		mm.HdrMod(m)
	}
	mm.HdrNames = append(mm.HdrNames, name)
	return mm.HdrResp, mm.HdrErr
}

func (mm *MockMilter) Headers(h nettextproto.MIMEHeader, m *Modifier) (Response, error) {
	if mm.HdrsMod != nil {
		mm.HdrsMod(m)
	}
	mm.Hdr = h
	return mm.HdrsResp, mm.HdrsErr
}

func (mm *MockMilter) BodyChunk(chunk []byte, m *Modifier) (Response, error) {
	if mm.BodyChunkMod != nil {
		mm.BodyChunkMod(m)
	}
	mm.Chunks = append(mm.Chunks, chunk)
	return mm.BodyChunkResp, mm.BodyChunkErr
}

func (mm *MockMilter) Body(m *Modifier) (Response, error) {
	if mm.BodyMod != nil {
		mm.BodyMod(m)
	}
	return mm.BodyResp, mm.BodyErr
}

func (mm *MockMilter) Abort(m *Modifier) error {
	if mm.AbortMod != nil {
		mm.AbortMod(m)
	}
	mm.Aborts++
	return mm.AbortErr
}

// MockNegotiator is a MockMilter taking part in option negotiation.
type MockNegotiator struct {
	MockMilter
	NegotiateFn func(mtaActions OptAction, mtaProtocol OptProtocol) (OptAction, OptProtocol)
}

func (mn *MockNegotiator) Negotiate(mtaActions OptAction, mtaProtocol OptProtocol) (OptAction, OptProtocol) {
	return mn.NegotiateFn(mtaActions, mtaProtocol)
}

func serveTestMilter(t *testing.T, s *Server) net.Addr {
	t.Helper()
	local, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(local)
	t.Cleanup(func() { s.Close() })
	return local.Addr()
}

func assertAction(t *testing.T, act *Action, err error, expectCode ActionCode) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
	if act.Code != expectCode {
		t.Fatal("Unexpected code:", act.Code)
	}
}

func TestMilterClient_UsualFlow(t *testing.T) {
	mm := MockMilter{
		ConnResp:      RespContinue,
		HeloResp:      RespContinue,
		MailResp:      RespContinue,
		RcptResp:      RespContinue,
		HdrResp:       RespContinue,
		HdrsResp:      RespContinue,
		BodyChunkResp: RespContinue,
		BodyResp:      RespContinue,
		BodyMod: func(m *Modifier) {
			m.AddHeader("X-Bad", "very")
			m.ChangeHeader(1, "Subject", "***SPAM***")
			m.Quarantine("very bad message")
		},
	}
	s := Server{
		NewMilter: func() Milter {
			return &mm
		},
		Actions: OptAddHeader | OptChangeHeader,
	}
	addr := serveTestMilter(t, &s)

	cl := NewClientWithOptions("tcp", addr.String(), ClientOptions{
		ActionMask: OptAddHeader | OptChangeHeader | OptQuarantine,
	})
	defer cl.Close()
	session, err := cl.Session()
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	act, err := session.Conn("host", FamilyInet, 25565, "172.0.0.1")
	assertAction(t, act, err, ActContinue)
	if mm.Host != "host" {
		t.Fatal("Wrong host:", mm.Host)
	}
	if mm.Family != "tcp4" {
		t.Fatal("Wrong family:", mm.Family)
	}
	if mm.Port != 25565 {
		t.Fatal("Wrong port:", mm.Port)
	}
	if mm.Addr.String() != "172.0.0.1" {
		t.Fatal("Wrong IP:", mm.Addr)
	}

	act, err = session.Helo("helo_host")
	assertAction(t, act, err, ActContinue)
	if mm.HeloValue != "helo_host" {
		t.Fatal("Wrong helo value:", mm.HeloValue)
	}

	act, err = session.Mail("from@example.org", []string{"A=B"})
	assertAction(t, act, err, ActContinue)
	if mm.From != "<from@example.org>" {
		t.Fatal("Wrong MAIL FROM:", mm.From)
	}

	act, err = session.Rcpt("to1@example.org", nil)
	assertAction(t, act, err, ActContinue)
	act, err = session.Rcpt("to2@example.org", nil)
	assertAction(t, act, err, ActContinue)
	if !reflect.DeepEqual(mm.Rcpt, []string{"<to1@example.org>", "<to2@example.org>"}) {
		t.Fatal("Wrong recipients:", mm.Rcpt)
	}

	hdr := textproto.Header{}
	hdr.Add("From", "from@example.org")
	hdr.Add("To", "to@example.org")
	hdr.Add("x-empty-header", "")
	act, err = session.Header(hdr)
	assertAction(t, act, err, ActContinue)
	if len(mm.Hdr) != 3 {
		t.Fatal("Unexpected header length:", len(mm.Hdr))
	}
	if val := mm.Hdr.Get("From"); val != "from@example.org" {
		t.Fatal("Wrong From header:", val)
	}
	if val := mm.Hdr.Get("To"); val != "to@example.org" {
		t.Fatal("Wrong To header:", val)
	}
	if val := mm.Hdr.Get("x-empty-header"); val != "" {
		t.Fatal("Wrong x-empty-header header:", val)
	}

	modifyActs, act, err := session.BodyReadFrom(bytes.NewReader(bytes.Repeat([]byte{'A'}, 128000)))
	assertAction(t, act, err, ActContinue)

	if len(mm.Chunks) != 2 {
		t.Fatal("Wrong amount of body chunks received")
	}
	if len(mm.Chunks[0]) > MaxBodyChunk {
		t.Fatal("Too big first chunk:", len(mm.Chunks[0]))
	}
	if totalLen := len(mm.Chunks[0]) + len(mm.Chunks[1]); totalLen < 128000 {
		t.Fatal("Some body bytes lost:", totalLen)
	}

	expected := []ModifyAction{
		{
			Code:     ActAddHeader,
			HdrName:  "X-Bad",
			HdrValue: "very",
		},
		{
			Code:     ActChangeHeader,
			HdrIndex: 1,
			HdrName:  "Subject",
			HdrValue: "***SPAM***",
		},
		{
			Code:   ActQuarantineMod,
			Reason: "very bad message",
		},
	}

	if !reflect.DeepEqual(modifyActs, expected) {
		t.Fatalf("Wrong modify actions, got %+v", modifyActs)
	}
}

func TestMilterClient_AbortFlow(t *testing.T) {
	macros := make(map[string]string)
	mm := MockMilter{
		MailResp: RespContinue,
		HdrResp:  RespContinue,
		MailMod: func(m *Modifier) {
			macros = m.Macros
		},
		AbortMod: func(m *Modifier) {
			macros = m.Macros
		},
	}
	s := Server{
		NewMilter: func() Milter {
			return &mm
		},
	}
	addr := serveTestMilter(t, &s)

	cl := NewClient("tcp", addr.String())
	defer cl.Close()
	session, err := cl.Session()
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	if err := session.Macros(CodeMail, "{auth_type}", "plain"); err != nil {
		t.Fatal("Unexpected error", err)
	}

	act, err := session.Mail("from@example.org", nil)
	assertAction(t, act, err, ActContinue)
	if v, ok := macros["{auth_type}"]; !ok || v != "plain" {
		t.Fatal("Wrong {auth_type} macro value:", v)
	}

	if err := session.Abort(); err != nil {
		t.Fatal(err)
	}

	// a second abort for the same (now absent) message must be harmless
	if err := session.Abort(); err != nil {
		t.Fatal(err)
	}

	act, err = session.Mail("other@example.org", nil)
	assertAction(t, act, err, ActContinue)
	if mm.From != "<other@example.org>" {
		t.Fatal("Wrong MAIL FROM:", mm.From)
	}
	if mm.Aborts < 2 {
		t.Fatal("Abort handler not called:", mm.Aborts)
	}
}

func TestMilterClient_Negotiation(t *testing.T) {
	var offered OptProtocol
	mn := MockNegotiator{
		MockMilter: MockMilter{
			MailResp: RespContinue,
			HdrResp:  RespNoReply,
			HdrsResp: RespContinue,
			BodyResp: RespContinue,
		},
		NegotiateFn: func(mtaActions OptAction, mtaProtocol OptProtocol) (OptAction, OptProtocol) {
			offered = mtaProtocol
			proto := OptNoConnect | OptNoHelo | OptNoRcptTo
			if mtaProtocol&OptNoHeaderReply != 0 {
				proto |= OptNoHeaderReply
			}
			return 0, proto
		},
	}
	s := Server{
		NewMilter: func() Milter {
			return &mn
		},
	}
	addr := serveTestMilter(t, &s)

	cl := NewClient("tcp", addr.String())
	defer cl.Close()
	session, err := cl.Session()
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	if offered != defaultClientOptions.ProtocolMask {
		t.Fatalf("Wrong offered mask: %#x", uint32(offered))
	}
	want := OptNoConnect | OptNoHelo | OptNoRcptTo | OptNoHeaderReply
	if session.Protocol() != want {
		t.Fatalf("Wrong negotiated mask: %#x", uint32(session.Protocol()))
	}

	// suppressed events are synthesised locally
	act, err := session.Conn("host", FamilyInet, 2525, "127.0.0.1")
	assertAction(t, act, err, ActContinue)
	act, err = session.Helo("localhost")
	assertAction(t, act, err, ActContinue)
	if mm := &mn.MockMilter; mm.Host != "" || mm.HeloValue != "" {
		t.Fatal("Suppressed event reached the backend")
	}

	act, err = session.Mail("from@example.org", nil)
	assertAction(t, act, err, ActContinue)

	// headers produce no reply, yet must reach the backend
	act, err = session.HeaderField("From", "from@example.org")
	assertAction(t, act, err, ActContinue)
	act, err = session.HeaderEnd()
	assertAction(t, act, err, ActContinue)
	if !reflect.DeepEqual(mn.HdrNames, []string{"From"}) {
		t.Fatal("Wrong headers seen by backend:", mn.HdrNames)
	}

	_, act, err = session.End()
	assertAction(t, act, err, ActContinue)
}

func TestMilterClient_NegotiationDropsUnofferedFlags(t *testing.T) {
	mn := MockNegotiator{
		NegotiateFn: func(mtaActions OptAction, mtaProtocol OptProtocol) (OptAction, OptProtocol) {
			// misbehaving backend asks for everything
			return 0, OptNoConnect | OptNoHelo | OptNoRcptTo | OptNoHeaderReply
		},
	}
	s := Server{
		NewMilter: func() Milter {
			return &mn
		},
	}
	addr := serveTestMilter(t, &s)

	// MTA without the no-header-reply capability
	cl := NewClientWithOptions("tcp", addr.String(), ClientOptions{
		ProtocolMask: OptNoConnect | OptNoHelo | OptNoRcptTo,
	})
	defer cl.Close()
	session, err := cl.Session()
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	if session.Protocol()&OptNoHeaderReply != 0 {
		t.Fatal("Session requested a flag the MTA did not offer")
	}
}

func TestMilterClient_ReplyCodeRejection(t *testing.T) {
	mm := MockMilter{
		MailResp: RespContinue,
		HdrResp:  RespContinue,
		HdrsResp: RespContinue,
		BodyResp: RejectWithCode(550, "5.7.1", "Message refused"),
	}
	s := Server{
		NewMilter: func() Milter {
			return &mm
		},
	}
	addr := serveTestMilter(t, &s)

	cl := NewClient("tcp", addr.String())
	defer cl.Close()
	session, err := cl.Session()
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	act, err := session.Mail("from@example.org", nil)
	assertAction(t, act, err, ActContinue)

	_, act, err = session.End()
	assertAction(t, act, err, ActReplyCode)
	if act.SMTPCode != 550 {
		t.Fatal("Wrong SMTP code:", act.SMTPCode)
	}
	if act.SMTPText != "5.7.1 Message refused" {
		t.Fatal("Wrong SMTP text:", act.SMTPText)
	}
}

func TestMilterClient_HandlerErrorTempFails(t *testing.T) {
	mm := MockMilter{
		MailErr: errors.New("out of memory"),
	}
	s := Server{
		NewMilter: func() Milter {
			return &mm
		},
	}
	addr := serveTestMilter(t, &s)

	cl := NewClient("tcp", addr.String())
	defer cl.Close()
	session, err := cl.Session()
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	act, err := session.Mail("from@example.org", nil)
	assertAction(t, act, err, ActTempFail)
}
