package state

import (
	"fmt"
	"time"
)

const (
	NormalInterval   = 15 * time.Second
	LowPowerInterval = 30 * time.Second
	StateExpiry      = 300 * time.Second
	DefaultTTL       = 3
	RelayWindow      = 120 * time.Second
	StoreSweepPeriod = 60 * time.Second
	RelaySweepPeriod = 30 * time.Second
	MaxPeers         = 50
	PeerIDSize       = 8
)

// PeerID is the short opaque identifier a device broadcasts under. It is not
// verified; collisions resolve as "newer observation wins".
type PeerID string

// PeerState is the presence record a device disseminates.
type PeerState struct {
	Name       string
	Kind       Kind
	ObservedAt time.Time
	PeerID     PeerID
}

func New(name string, kind Kind, id PeerID, now time.Time) PeerState {
	return PeerState{Name: name, Kind: kind, ObservedAt: now, PeerID: id}
}

func (s PeerState) Expired(now time.Time) bool {
	return now.Sub(s.ObservedAt) > StateExpiry
}

func (s PeerState) String() string {
	return fmt.Sprintf("%s(%s) %s %s", s.Name, s.PeerID, s.Kind.Glyph(), s.Kind.Label())
}
