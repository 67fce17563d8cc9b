// Package clock decides whether timestamps produced by this host may be
// advertised as externally synchronized (the S bit of the error estimate).
package clock

import (
	"time"

	"github.com/beevik/ntp"
	log "github.com/sirupsen/logrus"
)

// SyncThreshold bounds the NTP offset for the purposes of the S bit: the
// local clock is treated as synchronized only when |offset| is below it.
const SyncThreshold = 128 * time.Millisecond

// NTPOffset queries server once and returns the clock offset between the
// local clock and the server.
func NTPOffset(server string) (time.Duration, error) {
	resp, err := ntp.Query(server)
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// SyncedAgainst reports whether the local clock agrees with the given NTP
// server within SyncThreshold. A failed query counts as unsynchronized.
func SyncedAgainst(server string) bool {
	offset, err := NTPOffset(server)
	if err != nil {
		log.WithError(err).WithField("server", server).Warn("NTP sync probe failed")
		return false
	}
	log.WithFields(log.Fields{
		"server": server,
		"offset": offset,
	}).Info("NTP sync probe")
	if offset < 0 {
		offset = -offset
	}
	return offset < SyncThreshold
}
