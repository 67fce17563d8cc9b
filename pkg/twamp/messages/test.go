package messages

import (
	"encoding/binary"

	"github.com/ncode/EchoZero/pkg/twamp/common"
)

// Test packet sizes before padding.
const (
	SenderPacketMinSize    = 14
	ReflectorPacketMinSize = 41
)

// decodeErrorEstimate parses the two-byte error estimate at off, rejecting
// a set Z bit (reserved, must be zero).
func decodeErrorEstimate(data []byte, off int) (common.ErrorEstimate, error) {
	var ee common.ErrorEstimate
	val := binary.BigEndian.Uint16(data[off : off+2])
	if val&0x4000 != 0 {
		return ee, &common.MBZViolationError{Offset: off}
	}
	ee.FromUint16(val)
	return ee, nil
}

// SenderTestPacket is the TWAMP-Test packet emitted by the Session-Sender
// in unauthenticated mode: sequence number, timestamp and error estimate,
// followed by PaddingLength zero bytes.
type SenderTestPacket struct {
	SeqNumber     uint32
	Timestamp     common.TWAMPTimestamp
	ErrorEstimate common.ErrorEstimate
	PaddingLength int
}

// Marshal converts SenderTestPacket to network bytes with zero padding.
func (stp *SenderTestPacket) Marshal() ([]byte, error) {
	buf := make([]byte, SenderPacketMinSize+stp.PaddingLength)

	// Sequence Number (4 bytes)
	binary.BigEndian.PutUint32(buf[0:4], stp.SeqNumber)

	// Timestamp (8 bytes)
	stp.Timestamp.Marshal(buf[4:12])

	// Error Estimate (2 bytes)
	binary.BigEndian.PutUint16(buf[12:14], stp.ErrorEstimate.ToUint16())

	// Padding (already zeros from make)

	return buf, nil
}

// Unmarshal parses network bytes into SenderTestPacket. Padding bytes are
// not inspected; their count is derived from the datagram length.
func (stp *SenderTestPacket) Unmarshal(data []byte) error {
	if len(data) < SenderPacketMinSize {
		return common.ErrTruncatedFrame
	}

	stp.SeqNumber = binary.BigEndian.Uint32(data[0:4])
	stp.Timestamp.Unmarshal(data[4:12])

	ee, err := decodeErrorEstimate(data, 12)
	if err != nil {
		return err
	}
	stp.ErrorEstimate = ee

	stp.PaddingLength = len(data) - SenderPacketMinSize

	return nil
}

// ReflectorTestPacket is the TWAMP-Test packet returned by the
// Session-Reflector in unauthenticated mode. The Sender* fields are
// copied verbatim from the packet being reflected.
type ReflectorTestPacket struct {
	SeqNumber           uint32
	Timestamp           common.TWAMPTimestamp
	ErrorEstimate       common.ErrorEstimate
	ReceiveTimestamp    common.TWAMPTimestamp
	SenderSeqNumber     uint32
	SenderTimestamp     common.TWAMPTimestamp
	SenderErrorEstimate common.ErrorEstimate
	SenderTTL           uint8
	PaddingLength       int
}

// Marshal converts ReflectorTestPacket to network bytes with zero padding.
func (rtp *ReflectorTestPacket) Marshal() ([]byte, error) {
	buf := make([]byte, ReflectorPacketMinSize+rtp.PaddingLength)

	// Sequence Number (4 bytes)
	binary.BigEndian.PutUint32(buf[0:4], rtp.SeqNumber)

	// Timestamp (8 bytes)
	rtp.Timestamp.Marshal(buf[4:12])

	// Error Estimate (2 bytes)
	binary.BigEndian.PutUint16(buf[12:14], rtp.ErrorEstimate.ToUint16())

	// MBZ (2 bytes, already zeros from make)

	// Receive Timestamp (8 bytes)
	rtp.ReceiveTimestamp.Marshal(buf[16:24])

	// Sender Sequence Number (4 bytes)
	binary.BigEndian.PutUint32(buf[24:28], rtp.SenderSeqNumber)

	// Sender Timestamp (8 bytes)
	rtp.SenderTimestamp.Marshal(buf[28:36])

	// Sender Error Estimate (2 bytes)
	binary.BigEndian.PutUint16(buf[36:38], rtp.SenderErrorEstimate.ToUint16())

	// MBZ (2 bytes, already zeros from make)

	// Sender TTL (1 byte)
	buf[40] = rtp.SenderTTL

	// Padding (already zeros from make)

	return buf, nil
}

// Unmarshal parses network bytes into ReflectorTestPacket.
func (rtp *ReflectorTestPacket) Unmarshal(data []byte) error {
	if len(data) < ReflectorPacketMinSize {
		return common.ErrTruncatedFrame
	}

	rtp.SeqNumber = binary.BigEndian.Uint32(data[0:4])
	rtp.Timestamp.Unmarshal(data[4:12])

	ee, err := decodeErrorEstimate(data, 12)
	if err != nil {
		return err
	}
	rtp.ErrorEstimate = ee

	if err := common.CheckMBZ(data, 14, 16); err != nil {
		return err
	}

	rtp.ReceiveTimestamp.Unmarshal(data[16:24])
	rtp.SenderSeqNumber = binary.BigEndian.Uint32(data[24:28])
	rtp.SenderTimestamp.Unmarshal(data[28:36])

	ee, err = decodeErrorEstimate(data, 36)
	if err != nil {
		return err
	}
	rtp.SenderErrorEstimate = ee

	if err := common.CheckMBZ(data, 38, 40); err != nil {
		return err
	}

	rtp.SenderTTL = data[40]
	rtp.PaddingLength = len(data) - ReflectorPacketMinSize

	return nil
}
