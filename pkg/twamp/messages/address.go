package messages

import (
	"fmt"
	"net"
)

// PackIPv4 places an IPv4 address into the 16-byte address field used by
// Request-TW-Session: the address in the first four bytes, remainder MBZ.
func PackIPv4(ip net.IP) ([16]byte, error) {
	var field [16]byte
	ip4 := ip.To4()
	if ip4 == nil {
		return field, fmt.Errorf("not an IPv4 address: %s", ip)
	}
	copy(field[:4], ip4)
	return field, nil
}

// UnpackIPv4 extracts the IPv4 address from a 16-byte address field.
func UnpackIPv4(field [16]byte) net.IP {
	return net.IPv4(field[0], field[1], field[2], field[3])
}
