package models

import (
	"net"
	"strconv"
	"time"
)

// Peer is a snapshot of a discovered remote host.
//
// Key is the stable discovery-source identity used for update/remove matching.
// Username is display-only and may change or collide between hosts.
type Peer struct {
	Key        string    `json:"key"`
	InstanceID string    `json:"instance_id"`
	Username   string    `json:"username"`
	HostName   string    `json:"host_name"`
	Address    string    `json:"address"`
	Addresses  []string  `json:"addresses"`
	Port       int       `json:"port"`
	LastSeen   time.Time `json:"last_seen"`
}

// Endpoint returns the dialable host:port for the peer.
func (p Peer) Endpoint() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// DisplayName returns the username, or the endpoint when none was announced.
func (p Peer) DisplayName() string {
	if p.Username != "" {
		return p.Username
	}
	return p.Endpoint()
}

// Clone returns a deep copy safe to hand to readers.
func (p Peer) Clone() Peer {
	out := p
	out.Addresses = append([]string(nil), p.Addresses...)
	return out
}

// SameAnnouncement reports whether two sightings carry the same address, port and username.
func (p Peer) SameAnnouncement(other Peer) bool {
	if p.Address != other.Address || p.Port != other.Port || p.Username != other.Username {
		return false
	}
	if p.HostName != other.HostName || len(p.Addresses) != len(other.Addresses) {
		return false
	}
	for i := range p.Addresses {
		if p.Addresses[i] != other.Addresses[i] {
			return false
		}
	}
	return true
}
