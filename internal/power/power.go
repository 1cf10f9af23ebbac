// Package power provides LowPower sources for the broadcast engine.
package power

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"stately/internal/debuglog"
)

const (
	DefaultSysfsRoot    = "/sys/class/power_supply"
	LowBatteryThreshold = 20
	defaultBatteryTTL   = 30 * time.Second
)

// Static always reports the same answer.
type Static bool

func (s Static) LowPower() bool { return bool(s) }

// Switch is toggled by the operator, e.g. from a CLI flag or signal.
type Switch struct {
	on atomic.Bool
}

func (s *Switch) Set(on bool) { s.on.Store(on) }

func (s *Switch) LowPower() bool { return s.on.Load() }

// Battery reads Linux power_supply sysfs. It reports low power while any
// battery is discharging at or below LowBatteryThreshold percent. Reads are
// cached for TTL so the engine can poll every tick.
type Battery struct {
	Root string
	TTL  time.Duration
	Now  func() time.Time

	cached  atomic.Bool
	checked atomic.Int64
}

func NewBattery() *Battery {
	return &Battery{Root: DefaultSysfsRoot, TTL: defaultBatteryTTL, Now: time.Now}
}

func (b *Battery) LowPower() bool {
	now := time.Now()
	if b.Now != nil {
		now = b.Now()
	}
	ttl := b.TTL
	if ttl <= 0 {
		ttl = defaultBatteryTTL
	}
	last := b.checked.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < ttl {
		return b.cached.Load()
	}
	low := b.read()
	b.cached.Store(low)
	b.checked.Store(now.UnixNano())
	return low
}

func (b *Battery) read() bool {
	root := b.Root
	if root == "" {
		root = DefaultSysfsRoot
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		debuglog.RateLimitedf("power:sysfs", time.Minute, "power sysfs unavailable root=%s err=%v", root, err)
		return false
	}
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		if readTrim(filepath.Join(dir, "type")) != "Battery" {
			continue
		}
		if readTrim(filepath.Join(dir, "status")) != "Discharging" {
			continue
		}
		capacity, err := strconv.Atoi(readTrim(filepath.Join(dir, "capacity")))
		if err != nil {
			continue
		}
		if capacity <= LowBatteryThreshold {
			return true
		}
	}
	return false
}

func readTrim(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
