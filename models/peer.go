package models

import (
	"net"
	"strconv"
)

// ConnectionState is the local view of a control-channel relationship with a peer.
type ConnectionState string

const (
	StateNotConnected ConnectionState = "NOT_CONNECTED"
	StatePending      ConnectionState = "PENDING"
	StateConnected    ConnectionState = "CONNECTED"
	StateRejected     ConnectionState = "REJECTED"
)

// PeerIdentity represents a discovered or connected remote node.
type PeerIdentity struct {
	PeerID      string          `json:"peer_id"`
	DisplayName string          `json:"display_name"`
	Address     string          `json:"address"`
	FilePort    int             `json:"file_port"`
	ControlPort int             `json:"control_port"`
	State       ConnectionState `json:"state"`
}

// ControlAddr returns host:port of the peer's control listener.
func (p PeerIdentity) ControlAddr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.ControlPort))
}

// FileAddr returns host:port of the peer's transfer listener.
func (p PeerIdentity) FileAddr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.FilePort))
}

// Name returns the display name, falling back to the peer ID.
func (p PeerIdentity) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.PeerID
}
