package policy

import "time"

// Config holds the tunable thresholds §4.6 describes as defaults:
// antipassback lookback window and the minimum inter-movement interval.
type Config struct {
	AntipassbackWindow time.Duration // default 48h
	MinStayInterval    time.Duration // default 5m
	MinStayWindow      time.Duration // default 1h
}

// DefaultConfig returns the thresholds named in spec.md's defaults.
func DefaultConfig() Config {
	return Config{
		AntipassbackWindow: 48 * time.Hour,
		MinStayInterval:    5 * time.Minute,
		MinStayWindow:      time.Hour,
	}
}

// ModuleLink describes the entry/exit pairing a module participates in,
// the only fact the antipassback rule needs about module configuration.
type ModuleLink struct {
	ModuleID     int
	Direction    Direction
	PeerModuleID *int // nil when unconfigured: the check becomes a no-op
}

// CheckValidityWindow enforces person.From <= now <= person.To, open-ended
// on either side meaning unbounded, inclusive on both ends, compared in
// local wall-clock per spec.md §4.6.
func CheckValidityWindow(person Person, now time.Time) Decision {
	if person.From != nil && now.Before(*person.From) {
		return deny("not yet valid")
	}
	if person.To != nil && now.After(*person.To) {
		return deny("expired")
	}
	return allow()
}

// AntipassbackRule is the pluggable peer-direction policy spec.md leaves
// as an open question in the original source: given the module being
// presented at and the person's most recent movement within the lookback
// window, decide whether a repeat same-direction presentation is denied.
// The default CheckAntipassback below is the rule actually wired in; a
// different callable may be substituted without touching the caller.
type AntipassbackRule func(module ModuleLink, lastMovement *Movement, now time.Time, windowed bool) Decision

// CheckAntipassback implements spec.md's stated semantics literally: a
// person whose last movement (within AntipassbackWindow) was an entry
// through this module or its configured peer may not enter again at
// either without an intervening exit. A module with no configured peer
// performs no check. Direction other than DirectionEntry is unaffected,
// since antipassback only ever blocks repeat entries.
func CheckAntipassback(module ModuleLink, lastMovement *Movement, now time.Time, windowed bool) Decision {
	if module.PeerModuleID == nil {
		return allow()
	}
	if module.Direction != DirectionEntry {
		return allow()
	}
	if lastMovement == nil || !windowed {
		return allow()
	}
	if lastMovement.Direction != DirectionEntry {
		return allow()
	}
	sameOrPeer := lastMovement.ModuleID == module.ModuleID || lastMovement.ModuleID == *module.PeerModuleID
	if !sameOrPeer {
		return allow()
	}
	return deny("anti-passback")
}

// CheckMinimumStay defeats accidental double-reads: the same person
// presenting again within MinStayWindow must be separated from their
// last movement by at least MinStayInterval.
func CheckMinimumStay(cfg Config, lastMovement *Movement, now time.Time) Decision {
	if lastMovement == nil {
		return allow()
	}
	elapsed := now.Sub(lastMovement.Instant)
	if elapsed > cfg.MinStayWindow {
		return allow()
	}
	if elapsed < cfg.MinStayInterval {
		return deny("minimum stay")
	}
	return allow()
}

// Evaluate runs the full chain from spec.md §4.5 steps 3-5 in order,
// short-circuiting on the first denial. lastMovement, when non-nil, is
// assumed already filtered to within max(AntipassbackWindow, MinStayWindow)
// of now; lastMovementWithinAntipassback additionally reports whether it
// also falls within the (possibly shorter) antipassback window.
func Evaluate(cfg Config, module ModuleLink, person Person, lastMovement *Movement, lastMovementWithinAntipassback bool, now time.Time, rule AntipassbackRule) Decision {
	if d := CheckValidityWindow(person, now); !d.Allowed {
		return d
	}
	if rule == nil {
		rule = CheckAntipassback
	}
	if d := rule(module, lastMovement, now, lastMovementWithinAntipassback); !d.Allowed {
		return d
	}
	if d := CheckMinimumStay(cfg, lastMovement, now); !d.Allowed {
		return d
	}
	return allow()
}
