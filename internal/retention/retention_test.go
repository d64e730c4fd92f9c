package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"farmchat/pkg/config"
	"farmchat/pkg/models"
	"farmchat/pkg/store"
)

func newTestStore(t *testing.T) *store.Pebble {
	t.Helper()
	s, err := store.OpenPebble(t.TempDir(), true)
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedMessages(t *testing.T, st *store.Pebble, oldCount, newCount int) {
	t.Helper()
	ctx := context.Background()
	conv, _, err := st.EnsureConversation(ctx, "farmer-1", "buyer-2")
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	now := time.Now().UTC()
	for i := 0; i < oldCount; i++ {
		old := now.Add(-60 * 24 * time.Hour).Add(time.Duration(i) * time.Second)
		if err := st.AppendMessage(ctx, models.Message{
			ID: fmt.Sprintf("msg-old-%03d", i), Conversation: conv.ID,
			Sender: "farmer-1", Receiver: "buyer-2", TS: old.UnixNano(), Content: "old",
		}); err != nil {
			t.Fatalf("append old: %v", err)
		}
	}
	for i := 0; i < newCount; i++ {
		if err := st.AppendMessage(ctx, models.Message{
			ID: fmt.Sprintf("msg-new-%03d", i), Conversation: conv.ID,
			Sender: "buyer-2", Receiver: "farmer-1",
			TS: now.Add(time.Duration(i) * time.Second).UnixNano(), Content: "new",
		}); err != nil {
			t.Fatalf("append new: %v", err)
		}
	}
}

func TestRunDeletesOnlyExpiredMessages(t *testing.T) {
	st := newTestStore(t)
	seedMessages(t, st, 3, 2)

	s := New(config.RetentionConfig{
		MaxAge: config.Duration(30 * 24 * time.Hour),
	}, st, t.TempDir())

	stats, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Deleted != 3 {
		t.Fatalf("deleted %d, want 3", stats.Deleted)
	}

	ctx := context.Background()
	conv, err := st.FindConversation(ctx, "farmer-1", "buyer-2")
	if err != nil {
		t.Fatalf("conversation metadata must survive the sweep: %v", err)
	}
	msgs, err := st.ConversationMessages(ctx, conv.ID, 10, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("%d messages survived, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Content != "new" {
			t.Fatalf("expired message survived: %+v", m)
		}
	}
}

func TestRunDryRunDeletesNothing(t *testing.T) {
	st := newTestStore(t)
	seedMessages(t, st, 3, 1)

	s := New(config.RetentionConfig{
		MaxAge: config.Duration(30 * 24 * time.Hour),
		DryRun: true,
	}, st, t.TempDir())

	stats, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Deleted != 3 {
		t.Fatalf("dry run should count %d deletable, got %d", 3, stats.Deleted)
	}

	ctx := context.Background()
	conv, err := st.FindConversation(ctx, "farmer-1", "buyer-2")
	if err != nil {
		t.Fatalf("find conversation: %v", err)
	}
	msgs, err := st.ConversationMessages(ctx, conv.ID, 10, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("dry run deleted messages: %d left, want 4", len(msgs))
	}
}

func TestRunWithoutMaxAgeIsDisabled(t *testing.T) {
	s := New(config.RetentionConfig{}, newTestStore(t), t.TempDir())
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestRunRefusesMaxAgeBelowFloor(t *testing.T) {
	s := New(config.RetentionConfig{
		MaxAge: config.Duration(time.Hour),
	}, newTestStore(t), t.TempDir())
	if _, err := s.Run(context.Background()); err == nil {
		t.Fatalf("expected safety-floor error for 1h max_age")
	}

	// an explicit min_age lowers the floor
	s = New(config.RetentionConfig{
		MaxAge: config.Duration(time.Hour),
		MinAge: config.Duration(time.Minute),
	}, newTestStore(t), t.TempDir())
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("run with lowered floor: %v", err)
	}
}

func TestRunIsSingleFlight(t *testing.T) {
	dir := t.TempDir()
	s := New(config.RetentionConfig{
		MaxAge: config.Duration(30 * 24 * time.Hour),
	}, newTestStore(t), dir)

	// simulate a sweep in progress
	if err := os.WriteFile(filepath.Join(dir, "sweep.lock"), []byte("pid=1\n"), 0o600); err != nil {
		t.Fatalf("plant lock: %v", err)
	}
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrSweepRunning) {
		t.Fatalf("err = %v, want ErrSweepRunning", err)
	}

	// the lock clears once the holder finishes
	if err := os.Remove(filepath.Join(dir, "sweep.lock")); err != nil {
		t.Fatalf("remove lock: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("run after unlock: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sweep.lock")); !os.IsNotExist(err) {
		t.Fatalf("lock not released after run")
	}
}

func TestRunWritesArtifact(t *testing.T) {
	dir := t.TempDir()
	st := newTestStore(t)
	seedMessages(t, st, 1, 1)

	s := New(config.RetentionConfig{
		MaxAge: config.Duration(30 * 24 * time.Hour),
	}, st, dir)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "last_run.json"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var rec struct {
		Started string           `json:"started"`
		Cutoff  int64            `json:"cutoff"`
		Stats   store.PurgeStats `json:"stats"`
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if rec.Started == "" || rec.Cutoff == 0 {
		t.Fatalf("artifact incomplete: %+v", rec)
	}
	if rec.Stats.Deleted != 1 {
		t.Fatalf("artifact deleted = %d, want 1", rec.Stats.Deleted)
	}
}

func TestStartRejectsBadCron(t *testing.T) {
	s := New(config.RetentionConfig{
		Enabled: true,
		Cron:    "not a cron",
		MaxAge:  config.Duration(30 * 24 * time.Hour),
	}, newTestStore(t), t.TempDir())
	if _, err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected invalid cron error")
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	s := New(config.RetentionConfig{}, newTestStore(t), t.TempDir())
	cancel, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
}
