package timeline

// PlanInitialFetch decides how to resynchronize an agent timeline.
// Without a cursor or a cached tail it asks for a tail of boundedLimit
// entries (0 is unbounded); otherwise it asks for everything after the
// cursor.
func PlanInitialFetch(local *Cursor, hasLocalTail bool, boundedLimit int) FetchRequest {
	return Planner{BoundedLimit: boundedLimit}.Plan(local, hasLocalTail, "")
}

// Planner carries the one policy knob of catch-up: how large a tail a
// client bootstraps with.
type Planner struct {
	BoundedLimit int
}

// Plan is PlanInitialFetch with the daemon's current epoch, when known.
// A cursor from a different epoch is never used for an after fetch.
func (p Planner) Plan(local *Cursor, hasLocalTail bool, daemonEpoch string) FetchRequest {
	limit := p.BoundedLimit
	if limit < 0 {
		limit = 0
	}
	tail := FetchRequest{Direction: DirectionTail, Limit: limit, Projection: ProjectionCanonical}

	if local == nil || local.Epoch == "" || !hasLocalTail {
		return tail
	}
	if daemonEpoch != "" && daemonEpoch != local.Epoch {
		return tail
	}
	return FetchRequest{
		Direction:  DirectionAfter,
		Cursor:     &Cursor{Epoch: local.Epoch, Seq: local.Seq},
		Limit:      0,
		Projection: ProjectionCanonical,
	}
}
