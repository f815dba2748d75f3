package relay

import (
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
)

const mdnsService = "_collabroom._tcp"

// Advertise registers the relay on the local network over mDNS so clients
// in the local environment can find it without configuration. The caller
// shuts the returned server down on exit.
func Advertise(port int) (*zeroconf.Server, error) {
	hostname, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("collabroom-%s", hostname),
		mdnsService,
		"local.",
		port,
		[]string{"proto=1"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return server, nil
}
