package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/classchat/internal/model"
	"github.com/classchat/internal/storage/memory"
)

func newServices(t *testing.T) (*memory.Client, *Archive, *Tracker) {
	t.Helper()
	store := memory.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int64
	store.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	})
	msgs := store.Messages()
	return store, NewArchive(msgs, store, store, 0), NewTracker(msgs, store, store)
}

func seed(t *testing.T, a *Archive, scope model.Scope, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		m := &model.PersistedMessage{
			SenderEmail: "a@school.test",
			SenderName:  "A",
			Content:     fmt.Sprintf("m%d", i),
			Type:        model.MessageChat,
			ClassroomID: scope.Ref(),
		}
		if err := a.Append(context.Background(), m); err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, m.ID)
	}
	return ids
}

func TestArchiveHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("AscendingWithEqualTimestamps", func(t *testing.T) {
		store, a, _ := newServices(t)
		fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		store.SetClock(func() time.Time { return fixed })
		seed(t, a, model.GeneralScope, 4)
		got, err := a.History(ctx, model.GeneralScope, 0, 10)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		for i, m := range got {
			if m.Content != fmt.Sprintf("m%d", i) {
				t.Fatalf("position %d: %q", i, m.Content)
			}
		}
	})

	t.Run("FullPageReturnsEverything", func(t *testing.T) {
		_, a, _ := newServices(t)
		seed(t, a, model.GeneralScope, 1200)
		got, err := a.History(ctx, model.GeneralScope, 0, 1000)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(got) != 1200 {
			t.Fatalf("page=0,size=1000 must return all 1200; got %d", len(got))
		}
		second, _ := a.History(ctx, model.GeneralScope, 1, 1000)
		if len(second) != 200 {
			t.Fatalf("page=1,size=1000 is a normal page; got %d", len(second))
		}
	})

	t.Run("PagingDefaults", func(t *testing.T) {
		_, a, _ := newServices(t)
		seed(t, a, model.GeneralScope, 60)
		got, _ := a.History(ctx, model.GeneralScope, -3, 0)
		if len(got) != DefaultPageSize || got[0].Content != "m0" {
			t.Fatalf("negative page and zero size: n=%d first=%q", len(got), got[0].Content)
		}
		got, _ = a.History(ctx, model.GeneralScope, 2, 25)
		if len(got) != 10 || got[0].Content != "m50" {
			t.Fatalf("page 2 of 25: n=%d", len(got))
		}
	})

	t.Run("OffsetOverflowIsRejected", func(t *testing.T) {
		_, a, _ := newServices(t)
		seed(t, a, model.GeneralScope, 3)
		for _, tc := range []struct{ page, size int }{
			{math.MaxInt/2 + 1, 2},
			{2, math.MaxInt},
			{math.MaxInt, DefaultPageSize},
		} {
			got, err := a.History(ctx, model.GeneralScope, tc.page, tc.size)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("page=%d size=%d: want ErrValidation, got %v (%d rows)", tc.page, tc.size, err, len(got))
			}
		}
		got, err := a.History(ctx, model.GeneralScope, 1, math.MaxInt)
		if err != nil || len(got) != 0 {
			t.Fatalf("offset exactly MaxInt is still a page: %v, %d rows", err, len(got))
		}
	})

	t.Run("ScopesAreIsolated", func(t *testing.T) {
		_, a, _ := newServices(t)
		seed(t, a, model.GeneralScope, 3)
		seed(t, a, model.ClassroomScope(7), 2)
		if n, _ := a.Count(ctx, model.GeneralScope); n != 3 {
			t.Fatalf("general count = %d", n)
		}
		room, _ := a.All(ctx, model.ClassroomScope(7))
		if len(room) != 2 || room[0].ClassroomID == nil || *room[0].ClassroomID != 7 {
			t.Fatalf("room history: %+v", room)
		}
	})

	t.Run("RecentIsNewestOldestFirst", func(t *testing.T) {
		_, a, _ := newServices(t)
		seed(t, a, model.GeneralScope, 10)
		got, _ := a.Recent(ctx, model.GeneralScope, 3)
		if len(got) != 3 || got[0].Content != "m7" || got[2].Content != "m9" {
			t.Fatalf("recent: %+v", got)
		}
	})

	t.Run("RejectsFileTypesAndMissingSender", func(t *testing.T) {
		_, a, _ := newServices(t)
		err := a.Append(ctx, &model.PersistedMessage{SenderEmail: "a@school.test", Type: model.MessageImage})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("IMAGE row: got %v", err)
		}
		err = a.Append(ctx, &model.PersistedMessage{Type: model.MessageChat})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("missing sender: got %v", err)
		}
	})
}

func TestEnrichStatusAndReactions(t *testing.T) {
	ctx := context.Background()
	_, a, tr := newServices(t)
	ids := seed(t, a, model.GeneralScope, 3)

	if _, err := tr.MarkViewed(ctx, []int64{ids[0]}, "a@school.test"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := tr.MarkViewed(ctx, []int64{ids[1]}, "b@school.test"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, _, err := tr.ToggleReaction(ctx, ids[2], "b@school.test", "👍"); err != nil {
		t.Fatalf("react: %v", err)
	}

	got, err := a.All(ctx, model.GeneralScope)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if got[0].Status != model.StatusDelivered {
		t.Fatalf("viewed only by its sender must stay delivered; got %s", got[0].Status)
	}
	if got[1].Status != model.StatusViewed {
		t.Fatalf("viewed by another user: got %s", got[1].Status)
	}
	if len(got[2].Reactions) != 1 || got[2].Reactions[0].Count != 1 {
		t.Fatalf("reactions: %+v", got[2].Reactions)
	}
	if got[0].Reactions == nil {
		t.Fatal("reactions must be an empty list, not null")
	}
}

func TestTracker(t *testing.T) {
	ctx := context.Background()

	t.Run("ToggleIsItsOwnInverse", func(t *testing.T) {
		_, a, tr := newServices(t)
		id := seed(t, a, model.GeneralScope, 1)[0]
		added, sums, err := tr.ToggleReaction(ctx, id, "a@school.test", "👍")
		if err != nil || !added || len(sums) != 1 {
			t.Fatalf("first toggle: added=%v sums=%+v err=%v", added, sums, err)
		}
		added, sums, err = tr.ToggleReaction(ctx, id, "a@school.test", "👍")
		if err != nil || added {
			t.Fatalf("second toggle must remove: added=%v err=%v", added, err)
		}
		if len(sums) != 0 {
			t.Fatalf("reacting twice must leave zero entries; got %+v", sums)
		}
	})

	t.Run("DistinctEmojisCoexist", func(t *testing.T) {
		_, a, tr := newServices(t)
		id := seed(t, a, model.GeneralScope, 1)[0]
		_, _, _ = tr.ToggleReaction(ctx, id, "a@school.test", "👍")
		_, _, _ = tr.ToggleReaction(ctx, id, "a@school.test", "🎉")
		_, _, _ = tr.ToggleReaction(ctx, id, "b@school.test", "👍")
		sums, err := tr.ReactionsFor(ctx, id)
		if err != nil {
			t.Fatalf("reactions: %v", err)
		}
		if len(sums) != 2 || sums[0].Emoji != "👍" || sums[0].Count != 2 {
			t.Fatalf("grouped: %+v", sums)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		_, a, tr := newServices(t)
		id := seed(t, a, model.GeneralScope, 1)[0]
		if _, _, err := tr.ToggleReaction(ctx, id, "a@school.test", "  "); !errors.Is(err, ErrValidation) {
			t.Fatalf("empty emoji: got %v", err)
		}
		if _, _, err := tr.ToggleReaction(ctx, 4242, "a@school.test", "👍"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("unknown message: got %v", err)
		}
		if _, err := tr.ReactionsFor(ctx, 4242); !errors.Is(err, ErrNotFound) {
			t.Fatalf("reactions of unknown message: got %v", err)
		}
		if _, err := tr.MarkViewed(ctx, nil, "a@school.test"); !errors.Is(err, ErrValidation) {
			t.Fatalf("empty ids: got %v", err)
		}
	})

	t.Run("MarkViewedIsIdempotent", func(t *testing.T) {
		store, a, tr := newServices(t)
		ids := seed(t, a, model.GeneralScope, 2)
		n, err := tr.MarkViewed(ctx, []int64{ids[0], ids[0], ids[1], 9999}, "b@school.test")
		if err != nil || n != 2 {
			t.Fatalf("first mark: n=%d err=%v", n, err)
		}
		n, _ = tr.MarkViewed(ctx, ids, "b@school.test")
		if n != 0 {
			t.Fatalf("repeat mark: n=%d", n)
		}
		if c := store.ReceiptCount(ids[0]); c != 1 {
			t.Fatalf("receipts for message: %d", c)
		}
		viewers, _ := tr.Viewers(ctx, ids[0])
		if len(viewers) != 1 || viewers[0] != "b@school.test" {
			t.Fatalf("viewers: %v", viewers)
		}
	})
}
