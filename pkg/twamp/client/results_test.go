package client

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ncode/EchoZero/pkg/twamp/common"
)

// makeRecords builds n present records whose RTTs (in milliseconds) are
// given by rtts, with consistent wire timestamps 1 ms each way.
func makeRecords(rtts []float64) []SessionRecord {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	records := make([]SessionRecord, len(rtts))
	for i, rtt := range rtts {
		sent := base.Add(time.Duration(i) * 10 * time.Millisecond)
		received := sent.Add(time.Duration(rtt * float64(time.Millisecond)))
		records[i] = SessionRecord{
			Seq:             uint32(i),
			SentAt:          sent,
			SenderWireTS:    common.FromTime(sent),
			ReflectorRecvTS: common.FromTime(sent.Add(time.Millisecond)),
			ReflectorSendTS: common.FromTime(received.Add(-time.Millisecond)),
			ReceivedAt:      received,
			Present:         true,
		}
	}
	return records
}

func TestMetricsNoLoss(t *testing.T) {
	records := makeRecords([]float64{2, 4, 6, 4})
	m := ComputeMetrics(records)

	require.Equal(t, uint32(4), m.PacketsSent)
	require.Equal(t, uint32(4), m.PacketsReceived)
	require.Equal(t, uint32(0), m.PacketsLost)
	require.Equal(t, 0.0, m.LossPercent)
	require.False(t, m.InsufficientData)

	require.InDelta(t, 2.0, m.RTTMin, 1e-6)
	require.InDelta(t, 6.0, m.RTTMax, 1e-6)
	require.InDelta(t, 4.0, m.RTTAvg, 1e-6)
}

func TestMetricsLoss(t *testing.T) {
	records := makeRecords([]float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5})
	records[7].Present = false

	m := ComputeMetrics(records)
	require.Equal(t, uint32(9), m.PacketsReceived)
	require.Equal(t, uint32(1), m.PacketsLost)
	require.InDelta(t, 10.0, m.LossPercent, 1e-6)
	require.InDelta(t, 5.0, m.RTTAvg, 1e-6)
}

func TestMetricsRTTWithinRecordBounds(t *testing.T) {
	// Whatever order replies arrived in, each matched RTT is exactly the
	// receive-send delta of that specific record.
	rtts := make([]float64, 50)
	for i := range rtts {
		rtts[i] = 1 + float64(i%7)
	}
	records := makeRecords(rtts)

	// Permute and drop a few to simulate reordering plus loss.
	rng := rand.New(rand.NewSource(1))
	lost := map[int]bool{3: true, 19: true, 41: true}
	perm := rng.Perm(len(records))
	permuted := make([]SessionRecord, 0, len(records))
	for _, i := range perm {
		r := records[i]
		if lost[i] {
			r.Present = false
			r.ReceivedAt = time.Time{}
		}
		permuted = append(permuted, r)
	}

	m := ComputeMetrics(permuted)
	require.Equal(t, uint32(3), m.PacketsLost)
	require.Equal(t, uint32(47), m.PacketsReceived)
	require.InDelta(t, 100.0*3.0/50.0, m.LossPercent, 1e-6)
	require.GreaterOrEqual(t, m.RTTMin, 1.0-1e-6)
	require.LessOrEqual(t, m.RTTAvg, m.RTTMax)
	require.LessOrEqual(t, m.RTTMin, m.RTTAvg)
}

func TestJitterAllEqual(t *testing.T) {
	m := ComputeMetrics(makeRecords([]float64{3, 3, 3, 3, 3}))
	require.InDelta(t, 0.0, m.Jitter, 1e-9)
}

func TestJitterAlternating(t *testing.T) {
	// RTT alternating by +-2 ms: every consecutive difference is 2.
	m := ComputeMetrics(makeRecords([]float64{10, 12, 10, 12, 10, 12}))
	require.InDelta(t, 2.0, m.Jitter, 1e-6)
}

func TestMetricsOneWayDelays(t *testing.T) {
	// makeRecords puts the reflector receive 1 ms after the send and the
	// reflector transmit 1 ms before the receive.
	m := ComputeMetrics(makeRecords([]float64{4, 4, 4, 4}))
	require.InDelta(t, 1.0, m.OWDForwardAvg, 1e-3)
	require.InDelta(t, 1.0, m.OWDBackwardAvg, 1e-3)
}

func TestMetricsEmptyRecords(t *testing.T) {
	m := ComputeMetrics(nil)
	require.True(t, m.InsufficientData)
	require.Equal(t, 0.0, m.RTTAvg)
	require.Equal(t, 0.0, m.Jitter)
}

func TestMetricsAllLost(t *testing.T) {
	records := makeRecords([]float64{1, 1, 1})
	for i := range records {
		records[i].Present = false
	}

	m := ComputeMetrics(records)
	require.True(t, m.InsufficientData)
	require.InDelta(t, 100.0, m.LossPercent, 1e-6)
	require.Equal(t, 0.0, m.RTTAvg)
	require.Equal(t, 0.0, m.Jitter)
}

func TestMetricsSingleRecord(t *testing.T) {
	m := ComputeMetrics(makeRecords([]float64{7}))
	require.Equal(t, uint32(1), m.PacketsReceived)
	require.InDelta(t, m.RTTMin, m.RTTMax, 1e-9)
	require.InDelta(t, m.RTTMin, m.RTTAvg, 1e-9)
	// A single packet has no consecutive pair to compute jitter over.
	require.True(t, m.InsufficientData)
	require.Equal(t, 0.0, m.Jitter)
}
