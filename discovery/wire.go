package discovery

import (
	"strconv"
	"strings"
	"time"

	"lanshare/models"
)

const (
	// DefaultGroupAddress is the well-known multicast group.
	DefaultGroupAddress = "230.0.0.1"
	// DefaultPort is the multicast UDP port.
	DefaultPort = 8888
	// DefaultTimeout is the collect window of one discovery probe.
	DefaultTimeout = 3 * time.Second

	// RequestToken is the whole payload of a discovery request datagram.
	RequestToken = "DISCOVER_REQUEST"
	// ResponseToken prefixes every discovery response datagram.
	ResponseToken = "DISCOVER_RESPONSE"

	maxDatagramSize = 1024
	fieldSeparator  = "|"
)

// FormatResponse builds DISCOVER_RESPONSE|peerId|displayName|filePort|controlPort.
func FormatResponse(peerID, displayName string, filePort, controlPort int) string {
	name := strings.ReplaceAll(displayName, fieldSeparator, " ")
	return strings.Join([]string{
		ResponseToken,
		peerID,
		name,
		strconv.Itoa(filePort),
		strconv.Itoa(controlPort),
	}, fieldSeparator)
}

// ParseResponse decodes a response datagram. The older four-field form without a
// display name is accepted and uses the peer ID as the name.
func ParseResponse(payload string) (models.PeerIdentity, bool) {
	parts := strings.Split(strings.TrimSpace(payload), fieldSeparator)
	if len(parts) < 4 || parts[0] != ResponseToken {
		return models.PeerIdentity{}, false
	}

	peerID := strings.TrimSpace(parts[1])
	if peerID == "" {
		return models.PeerIdentity{}, false
	}

	filePort, ok := parsePort(parts[len(parts)-2])
	if !ok {
		return models.PeerIdentity{}, false
	}
	controlPort, ok := parsePort(parts[len(parts)-1])
	if !ok {
		return models.PeerIdentity{}, false
	}

	name := peerID
	if len(parts) >= 5 {
		if joined := strings.TrimSpace(strings.Join(parts[2:len(parts)-2], fieldSeparator)); joined != "" {
			name = joined
		}
	}

	return models.PeerIdentity{
		PeerID:      peerID,
		DisplayName: name,
		FilePort:    filePort,
		ControlPort: controlPort,
		State:       models.StateNotConnected,
	}, true
}

func parsePort(raw string) (int, bool) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
