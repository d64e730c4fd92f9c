package monitor

import (
	"context"
	"time"

	"farmchat/pkg/ingest"
	"farmchat/pkg/logger"
	"farmchat/pkg/store"
)

// StorageConfig holds thresholds for the storage pressure monitor.
type StorageConfig struct {
	PollInterval time.Duration

	WALHighBytes uint64
	WALLowBytes  uint64

	DiskHighPct int
	DiskLowPct  int

	// RecoveryWindow is how long pressure must stay low before the
	// processor is resumed.
	RecoveryWindow time.Duration

	// FsyncInterval drives the group fsync for NoSync writes.
	FsyncInterval time.Duration
}

// DefaultStorageConfig returns the defaults used by the daemon.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		PollInterval:   500 * time.Millisecond,
		WALHighBytes:   1 << 30,
		WALLowBytes:    700 << 20,
		DiskHighPct:    85,
		DiskLowPct:     70,
		RecoveryWindow: 5 * time.Second,
		FsyncInterval:  100 * time.Millisecond,
	}
}

// StartStorage watches pebble and disk pressure and adjusts the ingest
// processor: shrink batches when the WAL grows, pause intake when disk or
// WAL cross the high-water mark, resume when pressure stays low. It also
// drives the group fsync for NoSync writes. Returns a stop function.
func StartStorage(ctx context.Context, p *ingest.Processor, probe *Probe, db *store.Pebble, cfg StorageConfig) context.CancelFunc {
	if cfg.PollInterval <= 0 {
		cfg = DefaultStorageConfig()
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		fsyncTicker := time.NewTicker(cfg.FsyncInterval)
		defer fsyncTicker.Stop()

		state := "normal"
		var lastCritical time.Time
		origMax, origFlush := p.GetBatchParams()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := db.Metrics()
				diskUtil := probe.Snapshot().DiskUtilPct()

				if m.WALBytes >= cfg.WALHighBytes || (diskUtil > 0 && diskUtil >= cfg.DiskHighPct) {
					if state != "paused" {
						logger.Warn("storage_monitor_paused", "wal_bytes", m.WALBytes, "disk_util", diskUtil)
						p.Pause()
						probe.SendThrottle(ThrottleRequest{Source: "storage_monitor", Reason: "wal_or_disk_high", Severity: 1.0})
						state = "paused"
					}
					lastCritical = time.Now()
					continue
				}

				if state == "paused" {
					if time.Since(lastCritical) > cfg.RecoveryWindow && m.WALBytes <= cfg.WALLowBytes && diskUtil <= cfg.DiskLowPct {
						logger.Info("storage_monitor_recovered")
						p.Resume()
						probe.SendThrottle(ThrottleRequest{Source: "storage_monitor", Reason: "recovered", Severity: 0})
						state = "normal"
					}
					continue
				}

				if m.WALBytes >= cfg.WALLowBytes {
					logger.Warn("storage_monitor_degraded", "wal_bytes", m.WALBytes, "disk_util", diskUtil)
					curMax, curFlush := p.GetBatchParams()
					if curMax > 1 {
						curMax = curMax / 2
					}
					if curFlush < time.Second {
						curFlush = curFlush * 2
					}
					p.SetBatchParams(curMax, curFlush)
					probe.SendThrottle(ThrottleRequest{Source: "storage_monitor", Reason: "wal_high", Severity: 0.6})
					state = "degraded"
					continue
				}

				if state == "degraded" && m.WALBytes < cfg.WALLowBytes && diskUtil < cfg.DiskLowPct {
					logger.Info("storage_monitor_restored")
					p.SetBatchParams(origMax, origFlush)
					state = "normal"
				}
			case <-fsyncTicker.C:
				if pw := db.PendingWrites(); pw > 0 {
					if err := db.ForceSync(); err == nil {
						db.ResetPendingWrites()
					} else {
						logger.Warn("storage_monitor_fsync_failed", "error", err)
					}
				}
			}
		}
	}()
	return cancel
}
