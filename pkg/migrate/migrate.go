package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"farmchat/pkg/logger"
	"farmchat/pkg/store"
)

const (
	versionMarker    = "version"
	inProgressMarker = "migration_in_progress"
)

// Sync performs upgrade work between versions. Each step must be
// idempotent: a crash mid-migration leaves the in-progress marker behind
// and the whole run repeats on next start.
func Sync(ctx context.Context, db *store.Pebble, from, to string) error {
	logger.Info("migrate_sync_start", "from", from, "to", to)

	// Re-derive conversation previews and unread counters from the message
	// log. Covers records written before the preview fields existed and
	// counters skewed by interrupted purges.
	convs, err := db.AllConversations()
	if err != nil {
		logger.Error("migrate_list_conversations_failed", "error", err)
		return err
	}
	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := db.RepairConversationMeta(ctx, conv.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Error("migrate_repair_meta_failed", "conversation", conv.ID, "error", err)
			continue
		}
		if err := db.RecountUnread(conv.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Error("migrate_recount_unread_failed", "conversation", conv.ID, "error", err)
		}
	}

	logger.Info("migrate_sync_done", "from", from, "to", to, "conversations", len(convs))
	return nil
}

// Run compares the stored schema version with the running one and invokes
// Sync when they differ. Returns (invoked, error); invoked is true when
// Sync ran.
func Run(ctx context.Context, db *store.Pebble, newVersion string) (bool, error) {
	stored, err := db.SystemGet(versionMarker)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("migrate_read_version_failed", "error", err)
	}
	logger.Info("migrate_version_check", "stored", stored, "running", newVersion)

	if stored == newVersion {
		if _, err := db.SystemGet(inProgressMarker); err == nil {
			// previous run died mid-migration; repeat it
			logger.Warn("migrate_resuming_interrupted_run")
		} else {
			return false, nil
		}
	}

	marker := map[string]string{
		"from":       stored,
		"to":         newVersion,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	mb, _ := json.Marshal(marker)
	if err := db.SystemSet(inProgressMarker, mb); err != nil {
		return true, fmt.Errorf("write in-progress marker: %w", err)
	}

	if err := Sync(ctx, db, stored, newVersion); err != nil {
		return true, err
	}

	if err := db.SystemSet(versionMarker, []byte(newVersion)); err != nil {
		return true, fmt.Errorf("persist new version: %w", err)
	}
	if err := db.SystemDelete(inProgressMarker); err != nil {
		logger.Error("migrate_delete_inprogress_failed", "error", err)
	}

	logger.Info("migrate_version_persisted", "version", newVersion)
	return true, nil
}
