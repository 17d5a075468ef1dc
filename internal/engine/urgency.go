package engine

import "time"

// SnapshotUrgency tells a replica how urgently the server wants a fresh
// snapshot, reported on every successful AddVersion until one arrives.
type SnapshotUrgency int

const (
	// UrgencyNone: no snapshot is needed right now.
	UrgencyNone SnapshotUrgency = iota

	// UrgencyLow: a snapshot would be good, but can wait for another replica
	// to provide it.
	UrgencyLow

	// UrgencyHigh: a snapshot is needed right now.
	UrgencyHigh
)

func (u SnapshotUrgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyHigh:
		return "high"
	default:
		return "none"
	}
}

// urgencyForDays rates a snapshot by its age in days against the configured
// target, going high at 1.5x the target.
func urgencyForDays(cfg Config, days int64) SnapshotUrgency {
	switch {
	case days >= cfg.SnapshotDays*3/2:
		return UrgencyHigh
	case days >= cfg.SnapshotDays:
		return UrgencyLow
	default:
		return UrgencyNone
	}
}

// urgencyForVersions rates a snapshot by the number of versions accepted
// since it was taken.
func urgencyForVersions(cfg Config, versionsSince int64) SnapshotUrgency {
	switch {
	case versionsSince >= cfg.SnapshotVersions*3/2:
		return UrgencyHigh
	case versionsSince >= cfg.SnapshotVersions:
		return UrgencyLow
	default:
		return UrgencyNone
	}
}

func maxUrgency(a, b SnapshotUrgency) SnapshotUrgency {
	if a > b {
		return a
	}
	return b
}

// daysSince rounds down to whole days, matching the urgency thresholds.
func daysSince(now, then time.Time) int64 {
	return int64(now.Sub(then).Hours() / 24)
}
