package engine

import (
	"testing"
	"time"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/ozon"
)

func TestResolveSlot(t *testing.T) {
	base := time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)
	slot := func(id string, offset time.Duration, available bool) ozon.Slot {
		return ozon.Slot{
			ID:        id,
			From:      base.Add(offset),
			To:        base.Add(offset + time.Hour),
			Available: available,
		}
	}

	t.Run("exact match wins over a nearer start", func(t *testing.T) {
		slots := []ozon.Slot{
			slot("near", 30*time.Minute, true),
			slot("exact", 0, true),
		}
		got, ok := ResolveSlot(slots, base, base.Add(time.Hour), 6*time.Hour)
		if !ok || got.ID != "exact" {
			t.Fatalf("got %v ok=%v", got, ok)
		}
	})

	t.Run("nearest available within delta", func(t *testing.T) {
		slots := []ozon.Slot{
			slot("far", 5*time.Hour, true),
			slot("close", -2*time.Hour, true),
		}
		got, ok := ResolveSlot(slots, base, base.Add(time.Hour), 6*time.Hour)
		if !ok || got.ID != "close" {
			t.Fatalf("got %v ok=%v", got, ok)
		}
	})

	t.Run("unavailable slots are skipped", func(t *testing.T) {
		slots := []ozon.Slot{
			slot("taken", 0, false),
			slot("open", 2*time.Hour, true),
		}
		got, ok := ResolveSlot(slots, base, base.Add(time.Hour), 6*time.Hour)
		if !ok || got.ID != "open" {
			t.Fatalf("got %v ok=%v", got, ok)
		}
	})

	t.Run("nothing within delta", func(t *testing.T) {
		slots := []ozon.Slot{slot("far", 48*time.Hour, true)}
		if _, ok := ResolveSlot(slots, base, base.Add(time.Hour), 6*time.Hour); ok {
			t.Fatal("resolved a slot two days off")
		}
	})

	t.Run("empty offer list", func(t *testing.T) {
		if _, ok := ResolveSlot(nil, base, base.Add(time.Hour), 6*time.Hour); ok {
			t.Fatal("resolved a slot from no offers")
		}
	})
}
