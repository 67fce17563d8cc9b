// pkg/twamp/common/timestamp.go
package common

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// NTP constants
const (
	// NTPEpochOffset is the offset in seconds between the NTP epoch
	// (Jan 1, 1900) and the Unix epoch (Jan 1, 1970).
	NTPEpochOffset = 2208988800

	// TimestampSize is the wire size of a TWAMP timestamp.
	TimestampSize = 8
)

// TWAMPTimestamp represents the 64-bit NTP-style timestamp used in TWAMP
// (RFC 1305 format: seconds since 1900 plus a 32-bit binary fraction).
// The all-zero value means "not yet set".
type TWAMPTimestamp struct {
	Seconds  uint32
	Fraction uint32
}

// FromTime creates a TWAMPTimestamp from a Go time.Time.
// The fraction is floor(nanoseconds * 2^32 / 1e9), computed in integer
// arithmetic so nothing above the 2^-32 s resolution is lost.
func FromTime(t time.Time) TWAMPTimestamp {
	secs := uint32(t.Unix() + NTPEpochOffset)
	frac := uint32((uint64(t.Nanosecond()) << 32) / 1e9)

	return TWAMPTimestamp{
		Seconds:  secs,
		Fraction: frac,
	}
}

// ToTime converts a TWAMPTimestamp to a Go time.Time.
func (ts TWAMPTimestamp) ToTime() time.Time {
	secs := int64(ts.Seconds) - NTPEpochOffset
	nanos := int64((uint64(ts.Fraction) * 1e9) >> 32)
	return time.Unix(secs, nanos)
}

// IsZero reports whether the timestamp has the "not yet set" value.
func (ts TWAMPTimestamp) IsZero() bool {
	return ts.Seconds == 0 && ts.Fraction == 0
}

// Marshal converts a TWAMPTimestamp to network bytes.
func (ts TWAMPTimestamp) Marshal(b []byte) {
	binary.BigEndian.PutUint32(b[0:], ts.Seconds)
	binary.BigEndian.PutUint32(b[4:], ts.Fraction)
}

// Unmarshal parses network bytes into a TWAMPTimestamp.
func (ts *TWAMPTimestamp) Unmarshal(b []byte) {
	ts.Seconds = binary.BigEndian.Uint32(b[0:])
	ts.Fraction = binary.BigEndian.Uint32(b[4:])
}

// lastNow holds the previously sampled timestamp packed as sec<<32|frac.
var lastNow atomic.Uint64

// Now returns the current wall-clock time as a TWAMPTimestamp.
//
// The value is not guaranteed monotonic: a wall-clock step between samples
// is logged, never corrected.
func Now() TWAMPTimestamp {
	ts := FromTime(time.Now())
	packed := uint64(ts.Seconds)<<32 | uint64(ts.Fraction)
	if prev := lastNow.Swap(packed); packed < prev {
		log.WithFields(log.Fields{
			"previous": prev,
			"current":  packed,
		}).Warn("wall clock stepped backwards between timestamp samples")
	}
	return ts
}

// MonotonicNow returns the current time both as a TWAMPTimestamp and as a
// time.Time carrying Go's monotonic reading. Local RTT math uses the
// time.Time so a system clock step cannot skew the measurement.
func MonotonicNow() (TWAMPTimestamp, time.Time) {
	now := time.Now()
	return FromTime(now), now
}

// DurationBetween returns end-start as a signed duration.
//
// Both halves are widened to int64 before differencing; the fraction delta
// is scaled by 1e9/2^32 with the multiply done in 64 bits, so the result is
// exact to the nanosecond for any pair of timestamps.
func DurationBetween(start, end TWAMPTimestamp) time.Duration {
	secDiff := int64(end.Seconds) - int64(start.Seconds)
	fracDiff := int64(end.Fraction) - int64(start.Fraction)

	nanoDiff := (fracDiff * 1e9) >> 32
	return time.Duration(secDiff)*time.Second + time.Duration(nanoDiff)
}

// Before reports whether ts is earlier than other.
func (ts TWAMPTimestamp) Before(other TWAMPTimestamp) bool {
	if ts.Seconds != other.Seconds {
		return ts.Seconds < other.Seconds
	}
	return ts.Fraction < other.Fraction
}
