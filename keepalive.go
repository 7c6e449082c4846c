package kadhandler

import "time"

// KeepAliveKind distinguishes the two keep-alive decisions the handler can
// make. A third state — "close now" — is only externally expressible (the
// connection layer tears the connection down on its own timeline once a
// deadline passes); the handler itself never produces it directly.
type KeepAliveKind int

const (
	// KeepAliveUntil means the connection may be closed for idleness once
	// Deadline passes.
	KeepAliveUntil KeepAliveKind = iota
	// KeepAliveIndefinite means at least one exchange is live; the
	// connection must not be closed for idleness.
	KeepAliveIndefinite
)

// KeepAlive is the handler's input to the connection's idle-timeout
// policy (spec.md §5).
type KeepAlive struct {
	Kind     KeepAliveKind
	Deadline time.Time
}

// nextKeepAlive computes the new keep-alive value given whether any
// exchange is currently live, following spec.md §5: when exchanges are
// live, keep indefinitely; when none are live, preserve an existing future
// deadline rather than extending or shortening it, and only set a fresh
// deadline (now + idleTimeout) when there wasn't already one in the
// future.
func nextKeepAlive(current KeepAlive, anyLive bool, now time.Time, idleTimeout time.Duration) KeepAlive {
	if anyLive {
		return KeepAlive{Kind: KeepAliveIndefinite}
	}
	if current.Kind == KeepAliveUntil && current.Deadline.After(now) {
		return current
	}
	return KeepAlive{Kind: KeepAliveUntil, Deadline: now.Add(idleTimeout)}
}
