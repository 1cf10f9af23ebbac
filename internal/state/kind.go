package state

import (
	"errors"
	"fmt"
)

// Kind is the closed set of presence values. The wire form is the string tag,
// never the numeric value, so reordering the constants is safe.
type Kind uint8

const (
	Sleeping Kind = iota + 1
	SOS
	RedCircle
	Available
	Busy
	Away
	Invisible
	Working
	Eating
	Traveling
)

var ErrUnknownKind = errors.New("unknown state kind")

type kindInfo struct {
	tag         string
	glyph       string
	label       string
	description string
}

var kinds = map[Kind]kindInfo{
	Sleeping:  {"sleeping", "💤", "Sleeping", "Not available"},
	SOS:       {"sos", "🆘", "SOS", "Emergency - needs help"},
	RedCircle: {"red_circle", "🔴", "Quiet", "Do not disturb"},
	Available: {"available", "🟢", "Available", "Ready to connect"},
	Busy:      {"busy", "🟡", "Busy", "Currently occupied"},
	Away:      {"away", "🟠", "Away", "Temporarily away"},
	Invisible: {"invisible", "⚫", "Invisible", "Hidden from others"},
	Working:   {"working", "💼", "Working", "Focused on work"},
	Eating:    {"eating", "🍽️", "Eating", "Having a meal"},
	Traveling: {"traveling", "✈️", "Traveling", "On the move"},
}

var byTag = func() map[string]Kind {
	m := make(map[string]Kind, len(kinds))
	for k, info := range kinds {
		m[info.tag] = k
	}
	return m
}()

// AllKinds lists every kind in declaration order.
func AllKinds() []Kind {
	return []Kind{Sleeping, SOS, RedCircle, Available, Busy, Away, Invisible, Working, Eating, Traveling}
}

func ParseKind(tag string) (Kind, error) {
	k, ok := byTag[tag]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, tag)
	}
	return k, nil
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

func (k Kind) Tag() string {
	return kinds[k].tag
}

func (k Kind) Glyph() string {
	return kinds[k].glyph
}

func (k Kind) Label() string {
	return kinds[k].label
}

func (k Kind) Description() string {
	return kinds[k].description
}

func (k Kind) IsEmergency() bool {
	return k == SOS
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return k.Tag()
}
