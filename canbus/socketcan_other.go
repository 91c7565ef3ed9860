//go:build !linux

package canbus

import "errors"

// OpenSocketCAN is only available on linux.
func OpenSocketCAN(ifname string) (Bus, error) {
	return nil, errors.New("canbus: SocketCAN requires linux")
}
