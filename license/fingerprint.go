// SPDX-License-Identifier: MPL-2.0

package license

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"sort"
)

// Fingerprint derives a stable per device hash from the hostname and the
// hardware addresses of the permanent interfaces. The server uses it to
// tell a second login on the same device from one on a different device.
func Fingerprint() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", err
	}

	var macs []string
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			if hw := iface.HardwareAddr.String(); hw != "" {
				macs = append(macs, hw)
			}
		}
	}
	// Interface enumeration order is not stable across boots.
	sort.Strings(macs)

	h := sha256.New()
	h.Write([]byte(hostname))
	for _, mac := range macs {
		h.Write([]byte(mac))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
