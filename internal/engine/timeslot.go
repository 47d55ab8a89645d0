package engine

import (
	"time"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/ozon"
)

// ResolveSlot picks a slot for the desired window: an exact bounds match
// wins, else the nearest available slot whose start is within delta of the
// desired start. Both the slot id and the resolved bounds are returned since
// the booking call may require either.
func ResolveSlot(slots []ozon.Slot, from, to time.Time, delta time.Duration) (ozon.Slot, bool) {
	for _, s := range slots {
		if !s.Available {
			continue
		}
		if s.From.Equal(from) && s.To.Equal(to) {
			return s, true
		}
	}

	best := -1
	var bestDist time.Duration
	for i, s := range slots {
		if !s.Available {
			continue
		}
		dist := s.From.Sub(from)
		if dist < 0 {
			dist = -dist
		}
		if dist > delta {
			continue
		}
		if best == -1 || dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	if best >= 0 {
		return slots[best], true
	}
	return ozon.Slot{}, false
}
