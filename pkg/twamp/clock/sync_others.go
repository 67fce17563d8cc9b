//go:build !linux

package clock

// Synchronized returns a conservative answer on platforms without an
// adjtimex equivalent.
func Synchronized() bool {
	return false
}
