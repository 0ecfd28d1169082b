package milter

// Message represents a command sent from milter client
type Message struct {
	Code byte
	Data []byte
}

type ActionCode byte

const (
	ActAccept     ActionCode = 'a' // SMFIR_ACCEPT
	ActContinue   ActionCode = 'c' // SMFIR_CONTINUE
	ActDiscard    ActionCode = 'd' // SMFIR_DISCARD
	ActReject     ActionCode = 'r' // SMFIR_REJECT
	ActTempFail   ActionCode = 't' // SMFIR_TEMPFAIL
	ActReplyCode  ActionCode = 'y' // SMFIR_REPLYCODE
	ActQuarantine ActionCode = 'q' // SMFIR_QUARANTINE
	ActProgress   ActionCode = 'p' // SMFIR_PROGRESS
)

type ModifyActCode byte

const (
	ActAddRcpt      ModifyActCode = '+' // SMFIR_ADDRCPT
	ActDelRcpt      ModifyActCode = '-' // SMFIR_DELRCPT
	ActReplBody     ModifyActCode = 'b' // SMFIR_REPLBODY
	ActAddHeader    ModifyActCode = 'h' // SMFIR_ADDHEADER
	ActChangeHeader ModifyActCode = 'm' // SMFIR_CHGHEADER
	ActInsertHeader ModifyActCode = 'i' // SMFIR_INSHEADER
	ActChangeFrom   ModifyActCode = 'e' // SMFIR_CHGFROM
	// ActQuarantineMod is the quarantine request emitted among the
	// modification actions at end of message. Same wire code as the
	// ActQuarantine action.
	ActQuarantineMod ModifyActCode = 'q' // SMFIR_QUARANTINE
)

type Code byte

const (
	CodeOptNeg Code = 'O' // SMFIC_OPTNEG
	CodeMacro  Code = 'D' // SMFIC_MACRO
	CodeConn   Code = 'C' // SMFIC_CONNECT
	CodeQuit   Code = 'Q' // SMFIC_QUIT
	CodeHelo   Code = 'H' // SMFIC_HELO
	CodeMail   Code = 'M' // SMFIC_MAIL
	CodeRcpt   Code = 'R' // SMFIC_RCPT
	CodeHeader Code = 'L' // SMFIC_HEADER
	CodeEOH    Code = 'N' // SMFIC_EOH
	CodeBody   Code = 'B' // SMFIC_BODY
	CodeEOB    Code = 'E' // SMFIC_BODYEOB
	CodeAbort  Code = 'A' // SMFIC_ABORT
	CodeData   Code = 'T' // SMFIC_DATA
)

const MaxBodyChunk = 65535

type ProtoFamily byte

const (
	FamilyUnknown ProtoFamily = 'U' // SMFIA_UNKNOWN
	FamilyUnix    ProtoFamily = 'L' // SMFIA_UNIX
	FamilyInet    ProtoFamily = '4' // SMFIA_INET
	FamilyInet6   ProtoFamily = '6' // SMFIA_INET6
)

// OptAction sets which actions the milter wants to perform.
// Multiple options can be set using a bitmask.
type OptAction uint32

const (
	OptAddHeader    OptAction = 1 << 0 // SMFIF_ADDHDRS
	OptChangeBody   OptAction = 1 << 1 // SMFIF_CHGBODY
	OptAddRcpt      OptAction = 1 << 2 // SMFIF_ADDRCPT
	OptRemoveRcpt   OptAction = 1 << 3 // SMFIF_DELRCPT
	OptChangeHeader OptAction = 1 << 4 // SMFIF_CHGHDRS
	OptQuarantine   OptAction = 1 << 5 // SMFIF_QUARANTINE
	OptChangeFrom   OptAction = 1 << 6 // SMFIF_CHGFROM
)

// OptProtocol masks out unwanted parts of the SMTP transaction and requests
// protocol-level optimizations.
// Multiple options can be set using a bitmask.
type OptProtocol uint32

const (
	OptNoConnect     OptProtocol = 1 << 0 // MTA does not send connect events. SMFIP_NOCONNECT
	OptNoHelo        OptProtocol = 1 << 1 // MTA does not send HELO/EHLO events. SMFIP_NOHELO
	OptNoMailFrom    OptProtocol = 1 << 2 // MTA does not send MAIL FROM events. SMFIP_NOMAIL
	OptNoRcptTo      OptProtocol = 1 << 3 // MTA does not send RCPT TO events. SMFIP_NORCPT
	OptNoBody        OptProtocol = 1 << 4 // MTA does not send message body data. SMFIP_NOBODY
	OptNoHeaders     OptProtocol = 1 << 5 // MTA does not send message header data. SMFIP_NOHDRS
	OptNoEOH         OptProtocol = 1 << 6 // MTA does not send end of header indication event. SMFIP_NOEOH
	OptNoHeaderReply OptProtocol = 1 << 7 // Milter does not send a reply to header events. SMFIP_NR_HDR
)
