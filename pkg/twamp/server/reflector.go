package server

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/ncode/EchoZero/pkg/twamp/common"
	"github.com/ncode/EchoZero/pkg/twamp/messages"
)

// sessionReflector loops on the session's UDP socket, answering each
// TWAMP-Test packet with a reflected packet. Its own sequence number
// counts receptions in arrival order, independent of the sender's.
type sessionReflector struct {
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	refwait time.Duration
	stop    <-chan struct{}
	seq     uint32
	synced  bool
}

func newSessionReflector(conn *net.UDPConn, refwait time.Duration, stop <-chan struct{}) *sessionReflector {
	pconn := ipv4.NewPacketConn(conn)

	// RFC recommends an IP TTL of 255 on reflected packets. Inbound TTL
	// is requested as a control message so Sender TTL can report the
	// value the packet actually arrived with.
	if err := pconn.SetTTL(255); err != nil {
		log.WithError(err).Debug("could not set TTL on reflector socket")
	}
	if err := pconn.SetControlMessage(ipv4.FlagTTL, true); err != nil {
		log.WithError(err).Debug("inbound TTL not available on this platform")
	}

	return &sessionReflector{
		conn:    conn,
		pconn:   pconn,
		refwait: refwait,
		stop:    stop,
		synced:  clockSynced(),
	}
}

// Run reflects packets until the context is cancelled, the server stops,
// or no packet has arrived for REFWAIT.
func (sr *sessionReflector) Run(ctx context.Context) {
	buf := make([]byte, 2048)
	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sr.stop:
			return
		default:
		}

		sr.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, cm, addr, err := sr.pconn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if time.Since(lastActivity) > sr.refwait {
					log.WithField("packets", sr.seq).Warn("REFWAIT reached, stopping reflector")
					return
				}
				continue
			}
			return
		}
		rxTime := common.Now()
		lastActivity = time.Now()

		var request messages.SenderTestPacket
		if err := request.Unmarshal(buf[:n]); err != nil {
			log.WithError(err).Warn("discarding malformed test packet")
			continue
		}

		senderTTL := uint8(255)
		if cm != nil && cm.TTL > 0 {
			senderTTL = uint8(cm.TTL)
		}

		reply := &messages.ReflectorTestPacket{
			SeqNumber:           sr.seq,
			Timestamp:           common.Now(),
			ErrorEstimate:       common.DefaultErrorEstimate(sr.synced),
			ReceiveTimestamp:    rxTime,
			SenderSeqNumber:     request.SeqNumber,
			SenderTimestamp:     request.Timestamp,
			SenderErrorEstimate: request.ErrorEstimate,
			SenderTTL:           senderTTL,
			PaddingLength:       request.PaddingLength,
		}
		data, err := reply.Marshal()
		if err != nil {
			log.WithError(err).Warn("failed to marshal reflected packet")
			continue
		}

		if _, err := sr.pconn.WriteTo(data, nil, addr); err != nil {
			log.WithError(err).Warn("failed to send reflected packet")
			continue
		}
		sr.seq++
	}
}
