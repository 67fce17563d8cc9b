package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/ncode/EchoZero/pkg/twamp/common"
	"github.com/ncode/EchoZero/pkg/twamp/messages"
)

// SenderConfig contains configuration for a Session-Sender run.
type SenderConfig struct {
	DestAddr       net.IP
	DestPort       uint16
	NumPackets     uint32
	PaddingLength  uint32
	InterPacketGap time.Duration
	// Timeout is how long to keep waiting for replies after the last
	// packet was sent.
	Timeout time.Duration
	// ClockSynced sets the S bit of the error estimate on every packet.
	ClockSynced bool
}

// completion is the receive loop's report of one matched reply. Records
// stay owned by the sender task; the receive loop only ships completions
// over a channel.
type completion struct {
	senderSeq     uint32
	reflectorSeq  uint32
	reflectorRecv common.TWAMPTimestamp
	reflectorSend common.TWAMPTimestamp
	receivedAt    time.Time
}

// SessionSender transmits TWAMP-Test packets and collects the reflected
// replies on a single UDP socket.
type SessionSender struct {
	config SenderConfig
	conn   *net.UDPConn
	dest   *net.UDPAddr

	records    []SessionRecord
	duplicates uint32
}

// NewSessionSender wraps an already-bound UDP socket. The socket is owned
// by the caller and outlives the run.
func NewSessionSender(conn *net.UDPConn, config SenderConfig) *SessionSender {
	if config.Timeout == 0 {
		config.Timeout = common.DefaultTimeout
	}

	return &SessionSender{
		config: config,
		conn:   conn,
		dest: &net.UDPAddr{
			IP:   config.DestAddr,
			Port: int(config.DestPort),
		},
	}
}

// Duplicates returns the number of replies dropped because their sequence
// number had already been completed.
func (ss *SessionSender) Duplicates() uint32 {
	return ss.duplicates
}

// Run sends NumPackets test packets at the configured cadence and merges
// reply completions until all replies arrived or Timeout elapsed since the
// last send. It always returns the full record vector; lost packets stay
// Present=false.
func (ss *SessionSender) Run(ctx context.Context) ([]SessionRecord, error) {
	numPackets := ss.config.NumPackets
	ss.records = make([]SessionRecord, numPackets)

	// The RFC recommends an IP TTL of 255 on test packets.
	if err := ipv4.NewConn(ss.conn).SetTTL(255); err != nil {
		log.WithError(err).Debug("could not set TTL on sender socket")
	}

	// Sized for one reply per packet plus headroom for duplicates.
	completions := make(chan completion, 2*numPackets+16)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ss.receiveLoop(ctx, completions, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	present := uint32(0)
	errEst := common.DefaultErrorEstimate(ss.config.ClockSynced)

	var lastSend time.Time
	for seq := uint32(0); seq < numPackets; seq++ {
		wireTS, localTime := common.MonotonicNow()
		packet := &messages.SenderTestPacket{
			SeqNumber:     seq,
			Timestamp:     wireTS,
			ErrorEstimate: errEst,
			PaddingLength: int(ss.config.PaddingLength),
		}
		data, err := packet.Marshal()
		if err != nil {
			return ss.records, fmt.Errorf("failed to marshal test packet %d: %w", seq, err)
		}

		ss.records[seq] = SessionRecord{
			Seq:          seq,
			SentAt:       localTime,
			SenderWireTS: wireTS,
		}

		if _, err := ss.conn.WriteToUDP(data, ss.dest); err != nil {
			return ss.records, fmt.Errorf("failed to send test packet %d: %w", seq, err)
		}
		lastSend = localTime

		// Merge any completions that arrived while transmitting.
		present += ss.drain(completions)

		if ss.config.InterPacketGap > 0 && seq+1 < numPackets {
			select {
			case <-ctx.Done():
				return ss.records, ctx.Err()
			case <-time.After(ss.config.InterPacketGap):
			}
		}
	}
	log.WithField("packets", numPackets).Info("all test packets sent")

	deadline := time.NewTimer(ss.config.Timeout - time.Since(lastSend))
	defer deadline.Stop()
	for present < numPackets {
		select {
		case <-ctx.Done():
			return ss.records, ctx.Err()
		case <-deadline.C:
			log.WithFields(log.Fields{
				"received": present,
				"sent":     numPackets,
			}).Warn("reply timeout reached, continuing with partial data")
			return ss.records, nil
		case c := <-completions:
			present += ss.merge(c)
		}
	}
	// Straggler duplicates may already be queued; account for them before
	// the channel is dropped.
	ss.drain(completions)
	log.WithField("packets", present).Info("all replies received")
	return ss.records, nil
}

// drain merges queued completions without blocking and returns how many
// new records became present.
func (ss *SessionSender) drain(completions <-chan completion) uint32 {
	merged := uint32(0)
	for {
		select {
		case c := <-completions:
			merged += ss.merge(c)
		default:
			return merged
		}
	}
}

// merge applies one completion to the record vector. Duplicates are
// dropped and counted; replies for unknown sequence numbers are dropped
// and logged only.
func (ss *SessionSender) merge(c completion) uint32 {
	if int(c.senderSeq) >= len(ss.records) {
		log.WithField("seq", c.senderSeq).Warn("reply for unknown sequence number")
		return 0
	}
	record := &ss.records[c.senderSeq]
	if record.Present {
		ss.duplicates++
		log.WithField("seq", c.senderSeq).Warn("duplicate reply dropped")
		return 0
	}
	record.ReflectorSeq = c.reflectorSeq
	record.ReflectorRecvTS = c.reflectorRecv
	record.ReflectorSendTS = c.reflectorSend
	record.ReceivedAt = c.receivedAt
	record.Present = true
	return 1
}

// receiveLoop reads reflected packets until the sender signals done. Each
// decoded reply is timestamped immediately after the read and handed to
// the sender task as a completion.
func (ss *SessionSender) receiveLoop(ctx context.Context, completions chan<- completion, done <-chan struct{}) {
	buf := make([]byte, 2048)

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
		}

		ss.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := ss.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-done:
				return
			default:
				log.WithError(err).Debug("receive error on sender socket")
				continue
			}
		}
		receivedAt := time.Now()

		var reply messages.ReflectorTestPacket
		if err := reply.Unmarshal(buf[:n]); err != nil {
			log.WithError(err).Warn("discarding malformed reflected packet")
			continue
		}

		c := completion{
			senderSeq:     reply.SenderSeqNumber,
			reflectorSeq:  reply.SeqNumber,
			reflectorRecv: reply.ReceiveTimestamp,
			reflectorSend: reply.Timestamp,
			receivedAt:    receivedAt,
		}
		select {
		case completions <- c:
		default:
			// Channel full can only happen under a duplicate flood; the
			// extra replies would be dropped as duplicates anyway.
			log.WithField("seq", c.senderSeq).Warn("completion queue full, reply dropped")
		}
	}
}
