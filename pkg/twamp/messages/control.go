// Package messages implements the bit-exact wire codecs for the
// TWAMP-Control and TWAMP-Test protocols in unauthenticated mode.
//
// Every control PDU has a fixed size. Decoding verifies MBZ regions
// byte-for-byte and validates enumerated fields against their domain;
// HMAC fields are zero-filled on send and ignored on receipt, as RFC 4656
// specifies for unauthenticated mode.
package messages

import (
	"encoding/binary"

	"github.com/ncode/EchoZero/pkg/twamp/common"
)

// Fixed PDU sizes in bytes.
const (
	ServerGreetingSize   = 64
	SetUpResponseSize    = 164
	ServerStartSize      = 48
	RequestTWSessionSize = 112
	AcceptSessionSize    = 48
	StartSessionsSize    = 32
	StartAckSize         = 32
	StopSessionsSize     = 32
)

// ServerGreeting is the first message in TWAMP-Control, sent by the
// Server as soon as the Control-Client connects.
type ServerGreeting struct {
	Modes     uint32
	Challenge [16]byte
	Salt      [16]byte
	Count     uint32
}

// Marshal converts ServerGreeting to network bytes
func (sg *ServerGreeting) Marshal() ([]byte, error) {
	buf := make([]byte, ServerGreetingSize)

	// Unused (12 bytes, already zeros from make)

	// Modes (4 bytes)
	binary.BigEndian.PutUint32(buf[12:16], sg.Modes)

	// Challenge (16 bytes)
	copy(buf[16:32], sg.Challenge[:])

	// Salt (16 bytes)
	copy(buf[32:48], sg.Salt[:])

	// Count (4 bytes)
	binary.BigEndian.PutUint32(buf[48:52], sg.Count)

	// MBZ (12 bytes, already zeros from make)

	return buf, nil
}

// Unmarshal parses network bytes into ServerGreeting
func (sg *ServerGreeting) Unmarshal(data []byte) error {
	if len(data) < ServerGreetingSize {
		return common.ErrTruncatedFrame
	}

	if err := common.CheckMBZ(data, 0, 12); err != nil {
		return err
	}
	if err := common.CheckMBZ(data, 52, 64); err != nil {
		return err
	}

	sg.Modes = binary.BigEndian.Uint32(data[12:16])
	copy(sg.Challenge[:], data[16:32])
	copy(sg.Salt[:], data[32:48])
	sg.Count = binary.BigEndian.Uint32(data[48:52])

	return nil
}

// SetUpResponse is the Control-Client's answer to a ServerGreeting. In
// unauthenticated mode KeyID, Token and ClientIV stay zero-filled.
type SetUpResponse struct {
	Mode     uint32
	KeyID    [80]byte
	Token    [64]byte
	ClientIV [16]byte
}

// Marshal converts SetUpResponse to network bytes
func (sr *SetUpResponse) Marshal() ([]byte, error) {
	buf := make([]byte, SetUpResponseSize)

	// Mode (4 bytes)
	binary.BigEndian.PutUint32(buf[0:4], sr.Mode)

	// KeyID (80 bytes)
	copy(buf[4:84], sr.KeyID[:])

	// Token (64 bytes)
	copy(buf[84:148], sr.Token[:])

	// ClientIV (16 bytes)
	copy(buf[148:164], sr.ClientIV[:])

	return buf, nil
}

// Unmarshal parses network bytes into SetUpResponse
func (sr *SetUpResponse) Unmarshal(data []byte) error {
	if len(data) < SetUpResponseSize {
		return common.ErrTruncatedFrame
	}

	sr.Mode = binary.BigEndian.Uint32(data[0:4])
	copy(sr.KeyID[:], data[4:84])
	copy(sr.Token[:], data[84:148])
	copy(sr.ClientIV[:], data[148:164])

	return nil
}

// ServerStart concludes the greeting exchange. Accept reports whether the
// Server is willing to continue with the negotiated mode.
type ServerStart struct {
	Accept    uint8
	ServerIV  [16]byte
	StartTime common.TWAMPTimestamp
}

// Marshal converts ServerStart to network bytes
func (ss *ServerStart) Marshal() ([]byte, error) {
	buf := make([]byte, ServerStartSize)

	// MBZ (15 bytes, already zeros from make)

	// Accept (1 byte)
	buf[15] = ss.Accept

	// ServerIV (16 bytes)
	copy(buf[16:32], ss.ServerIV[:])

	// StartTime (8 bytes)
	ss.StartTime.Marshal(buf[32:40])

	// MBZ (8 bytes, already zeros from make)

	return buf, nil
}

// Unmarshal parses network bytes into ServerStart
func (ss *ServerStart) Unmarshal(data []byte) error {
	if len(data) < ServerStartSize {
		return common.ErrTruncatedFrame
	}

	if err := common.CheckMBZ(data, 0, 15); err != nil {
		return err
	}
	if err := common.CheckMBZ(data, 40, 48); err != nil {
		return err
	}

	ss.Accept = data[15]
	if !common.ValidAccept(ss.Accept) {
		return &common.UnknownAcceptError{Accept: ss.Accept}
	}

	copy(ss.ServerIV[:], data[16:32])
	ss.StartTime.Unmarshal(data[32:40])

	return nil
}

// RequestTWSession asks the Server to set up a single test session.
//
// Only IPv4 is supported: the IPVN nibble must be 4 and the address
// fields carry the IPv4 address in their first four bytes, remainder MBZ.
type RequestTWSession struct {
	Command       uint8
	IPVN          uint8
	ConfSender    uint8
	ConfReceiver  uint8
	NumSlots      uint32
	NumPackets    uint32
	SenderPort    uint16
	ReceiverPort  uint16
	SenderAddr    [16]byte
	ReceiverAddr  [16]byte
	SID           common.SessionID
	PaddingLength uint32
	StartTime     common.TWAMPTimestamp
	Timeout       common.TWAMPTimestamp
	TypeP         uint32
	HMAC          [16]byte
}

// Marshal converts RequestTWSession to network bytes
func (rts *RequestTWSession) Marshal() ([]byte, error) {
	buf := make([]byte, RequestTWSessionSize)

	// Command (1 byte)
	buf[0] = rts.Command

	// IPVN in the high nibble, low nibble MBZ
	buf[1] = rts.IPVN << 4

	// ConfSender, ConfReceiver (1 byte each; both zero in TWAMP)
	buf[2] = rts.ConfSender
	buf[3] = rts.ConfReceiver

	// NumSlots (4 bytes)
	binary.BigEndian.PutUint32(buf[4:8], rts.NumSlots)

	// NumPackets (4 bytes)
	binary.BigEndian.PutUint32(buf[8:12], rts.NumPackets)

	// SenderPort, ReceiverPort (2 bytes each)
	binary.BigEndian.PutUint16(buf[12:14], rts.SenderPort)
	binary.BigEndian.PutUint16(buf[14:16], rts.ReceiverPort)

	// SenderAddr, ReceiverAddr (16 bytes each)
	copy(buf[16:32], rts.SenderAddr[:])
	copy(buf[32:48], rts.ReceiverAddr[:])

	// SID (16 bytes; zero, generated on the receiving side)
	copy(buf[48:64], rts.SID[:])

	// PaddingLength (4 bytes)
	binary.BigEndian.PutUint32(buf[64:68], rts.PaddingLength)

	// StartTime (8 bytes)
	rts.StartTime.Marshal(buf[68:76])

	// Timeout (8 bytes)
	rts.Timeout.Marshal(buf[76:84])

	// TypeP (4 bytes)
	binary.BigEndian.PutUint32(buf[84:88], rts.TypeP)

	// MBZ (8 bytes, already zeros from make)

	// HMAC (16 bytes; zero in unauthenticated mode)
	copy(buf[96:112], rts.HMAC[:])

	return buf, nil
}

// Unmarshal parses network bytes into RequestTWSession
func (rts *RequestTWSession) Unmarshal(data []byte) error {
	if len(data) < RequestTWSessionSize {
		return common.ErrTruncatedFrame
	}

	rts.Command = data[0]
	if !common.ValidCommand(rts.Command) {
		return &common.UnknownCommandError{Command: rts.Command}
	}
	if rts.Command != common.CmdRequestTWSession {
		return &common.UnexpectedFieldError{
			Field:    "command number",
			Got:      rts.Command,
			Expected: common.CmdRequestTWSession,
		}
	}

	// Low nibble of the IPVN byte is MBZ.
	if data[1]&0x0F != 0 {
		return &common.MBZViolationError{Offset: 1}
	}
	rts.IPVN = data[1] >> 4
	if rts.IPVN != 4 {
		return &common.UnexpectedFieldError{Field: "IPVN", Got: rts.IPVN, Expected: 4}
	}

	rts.ConfSender = data[2]
	rts.ConfReceiver = data[3]
	rts.NumSlots = binary.BigEndian.Uint32(data[4:8])
	rts.NumPackets = binary.BigEndian.Uint32(data[8:12])
	rts.SenderPort = binary.BigEndian.Uint16(data[12:14])
	rts.ReceiverPort = binary.BigEndian.Uint16(data[14:16])

	// IPv4 addresses: bytes beyond the first four are MBZ.
	copy(rts.SenderAddr[:], data[16:32])
	if err := common.CheckMBZ(data, 20, 32); err != nil {
		return err
	}
	copy(rts.ReceiverAddr[:], data[32:48])
	if err := common.CheckMBZ(data, 36, 48); err != nil {
		return err
	}

	copy(rts.SID[:], data[48:64])
	rts.PaddingLength = binary.BigEndian.Uint32(data[64:68])
	rts.StartTime.Unmarshal(data[68:76])
	rts.Timeout.Unmarshal(data[76:84])
	rts.TypeP = binary.BigEndian.Uint32(data[84:88])

	if err := common.CheckMBZ(data, 88, 96); err != nil {
		return err
	}

	copy(rts.HMAC[:], data[96:112])

	return nil
}

// AcceptSession is the Server's answer to a RequestTWSession. Port is the
// UDP port the Session-Reflector listens on.
type AcceptSession struct {
	Accept uint8
	Port   uint16
	SID    common.SessionID
	HMAC   [16]byte
}

// Marshal converts AcceptSession to network bytes
func (as *AcceptSession) Marshal() ([]byte, error) {
	buf := make([]byte, AcceptSessionSize)

	// Accept (1 byte)
	buf[0] = as.Accept

	// MBZ (1 byte, already zero from make)

	// Port (2 bytes)
	binary.BigEndian.PutUint16(buf[2:4], as.Port)

	// SID (16 bytes)
	copy(buf[4:20], as.SID[:])

	// MBZ (12 bytes, already zeros from make)

	// HMAC (16 bytes)
	copy(buf[32:48], as.HMAC[:])

	return buf, nil
}

// Unmarshal parses network bytes into AcceptSession
func (as *AcceptSession) Unmarshal(data []byte) error {
	if len(data) < AcceptSessionSize {
		return common.ErrTruncatedFrame
	}

	as.Accept = data[0]
	if !common.ValidAccept(as.Accept) {
		return &common.UnknownAcceptError{Accept: as.Accept}
	}

	if err := common.CheckMBZ(data, 1, 2); err != nil {
		return err
	}

	as.Port = binary.BigEndian.Uint16(data[2:4])
	copy(as.SID[:], data[4:20])

	if err := common.CheckMBZ(data, 20, 32); err != nil {
		return err
	}

	copy(as.HMAC[:], data[32:48])

	return nil
}

// StartSessions tells the Server to start all accepted sessions.
type StartSessions struct {
	Command uint8
	HMAC    [16]byte
}

// Marshal converts StartSessions to network bytes
func (ss *StartSessions) Marshal() ([]byte, error) {
	buf := make([]byte, StartSessionsSize)

	buf[0] = ss.Command

	// MBZ (15 bytes, already zeros from make)

	copy(buf[16:32], ss.HMAC[:])

	return buf, nil
}

// Unmarshal parses network bytes into StartSessions
func (ss *StartSessions) Unmarshal(data []byte) error {
	if len(data) < StartSessionsSize {
		return common.ErrTruncatedFrame
	}

	ss.Command = data[0]
	if !common.ValidCommand(ss.Command) {
		return &common.UnknownCommandError{Command: ss.Command}
	}
	if ss.Command != common.CmdStartSessions {
		return &common.UnexpectedFieldError{
			Field:    "command number",
			Got:      ss.Command,
			Expected: common.CmdStartSessions,
		}
	}

	if err := common.CheckMBZ(data, 1, 16); err != nil {
		return err
	}

	copy(ss.HMAC[:], data[16:32])

	return nil
}

// StartAck is the Server's answer to StartSessions.
type StartAck struct {
	Accept uint8
	HMAC   [16]byte
}

// Marshal converts StartAck to network bytes
func (sa *StartAck) Marshal() ([]byte, error) {
	buf := make([]byte, StartAckSize)

	buf[0] = sa.Accept

	// MBZ (15 bytes, already zeros from make)

	copy(buf[16:32], sa.HMAC[:])

	return buf, nil
}

// Unmarshal parses network bytes into StartAck
func (sa *StartAck) Unmarshal(data []byte) error {
	if len(data) < StartAckSize {
		return common.ErrTruncatedFrame
	}

	sa.Accept = data[0]
	if !common.ValidAccept(sa.Accept) {
		return &common.UnknownAcceptError{Accept: sa.Accept}
	}

	if err := common.CheckMBZ(data, 1, 16); err != nil {
		return err
	}

	copy(sa.HMAC[:], data[16:32])

	return nil
}

// StopSessions ends all running sessions on the control connection.
type StopSessions struct {
	Command     uint8
	Accept      uint8
	NumSessions uint32
	HMAC        [16]byte
}

// Marshal converts StopSessions to network bytes
func (ss *StopSessions) Marshal() ([]byte, error) {
	buf := make([]byte, StopSessionsSize)

	buf[0] = ss.Command
	buf[1] = ss.Accept

	// MBZ (2 bytes, already zeros from make)

	binary.BigEndian.PutUint32(buf[4:8], ss.NumSessions)

	// MBZ (8 bytes, already zeros from make)

	copy(buf[16:32], ss.HMAC[:])

	return buf, nil
}

// Unmarshal parses network bytes into StopSessions
func (ss *StopSessions) Unmarshal(data []byte) error {
	if len(data) < StopSessionsSize {
		return common.ErrTruncatedFrame
	}

	ss.Command = data[0]
	if !common.ValidCommand(ss.Command) {
		return &common.UnknownCommandError{Command: ss.Command}
	}
	if ss.Command != common.CmdStopSessions {
		return &common.UnexpectedFieldError{
			Field:    "command number",
			Got:      ss.Command,
			Expected: common.CmdStopSessions,
		}
	}

	ss.Accept = data[1]
	if !common.ValidAccept(ss.Accept) {
		return &common.UnknownAcceptError{Accept: ss.Accept}
	}

	if err := common.CheckMBZ(data, 2, 4); err != nil {
		return err
	}

	ss.NumSessions = binary.BigEndian.Uint32(data[4:8])

	if err := common.CheckMBZ(data, 8, 16); err != nil {
		return err
	}

	copy(ss.HMAC[:], data[16:32])

	return nil
}
