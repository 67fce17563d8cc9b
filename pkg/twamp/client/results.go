package client

import (
	"time"

	"github.com/ncode/EchoZero/pkg/twamp/common"
)

// SessionRecord is the per-test-packet entry held by the Controller. It is
// created when the packet is sent and completed when the matching reply
// arrives; Present stays false for lost packets.
type SessionRecord struct {
	Seq    uint32
	SentAt time.Time
	// SenderWireTS is the timestamp carried in the outgoing packet.
	SenderWireTS common.TWAMPTimestamp
	// ReflectorSeq is the reflector's own sequence number for the reply.
	ReflectorSeq uint32
	// ReflectorRecvTS is when the reflector received the packet.
	ReflectorRecvTS common.TWAMPTimestamp
	// ReflectorSendTS is when the reflector sent the reply.
	ReflectorSendTS common.TWAMPTimestamp
	ReceivedAt      time.Time
	Present         bool
}

// Metrics summarizes one test session. Durations are milliseconds.
//
// The one-way delays compare timestamps taken on different hosts; they are
// only meaningful when both clocks are synchronized.
type Metrics struct {
	PacketsSent     uint32
	PacketsReceived uint32
	PacketsLost     uint32
	LossPercent     float64
	RTTMin          float64
	RTTMax          float64
	RTTAvg          float64
	OWDForwardAvg   float64
	OWDBackwardAvg  float64
	// Jitter is the mean absolute difference of consecutive RTTs
	// (simplified RFC 3550 section 6.4, no EWMA).
	Jitter float64
	// InsufficientData is set instead of an error whenever a denominator
	// was zero; the corresponding fields stay 0.0.
	InsufficientData bool
}

const msPerNano = 1.0 / float64(time.Millisecond)

// ComputeMetrics derives packet loss, RTT, one-way delays and jitter from
// a record vector. It is a pure function; the caller must not mutate
// records concurrently.
func ComputeMetrics(records []SessionRecord) Metrics {
	m := Metrics{PacketsSent: uint32(len(records))}
	if len(records) == 0 {
		m.InsufficientData = true
		return m
	}

	var (
		rttSum, fwdSum, bwdSum float64
		prevRTT                float64
		jitterSum              float64
		pairs                  uint32
		havePrev               bool
	)

	for i := range records {
		r := &records[i]
		if !r.Present {
			continue
		}
		m.PacketsReceived++

		rtt := float64(r.ReceivedAt.Sub(r.SentAt)) * msPerNano
		if m.PacketsReceived == 1 || rtt < m.RTTMin {
			m.RTTMin = rtt
		}
		if rtt > m.RTTMax {
			m.RTTMax = rtt
		}
		rttSum += rtt

		fwdSum += float64(common.DurationBetween(r.SenderWireTS, r.ReflectorRecvTS)) * msPerNano
		bwdSum += float64(common.DurationBetween(r.ReflectorSendTS, common.FromTime(r.ReceivedAt))) * msPerNano

		if havePrev {
			diff := rtt - prevRTT
			if diff < 0 {
				diff = -diff
			}
			jitterSum += diff
			pairs++
		}
		prevRTT = rtt
		havePrev = true
	}

	m.PacketsLost = m.PacketsSent - m.PacketsReceived
	m.LossPercent = 100 * float64(m.PacketsLost) / float64(m.PacketsSent)

	if m.PacketsReceived == 0 {
		m.InsufficientData = true
		return m
	}
	m.RTTAvg = rttSum / float64(m.PacketsReceived)
	m.OWDForwardAvg = fwdSum / float64(m.PacketsReceived)
	m.OWDBackwardAvg = bwdSum / float64(m.PacketsReceived)

	if pairs == 0 {
		m.InsufficientData = true
		return m
	}
	m.Jitter = jitterSum / float64(pairs)

	return m
}
