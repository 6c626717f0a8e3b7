package storage

import (
	"context"
	"time"

	"github.com/dgellow/webview-handoff/internal/log"
)

// CleanupManager periodically purges credentials whose max-age elapsed,
// so the mirror never re-seeds a browser with a dead cookie
type CleanupManager struct {
	store    CredentialStore
	interval time.Duration
}

// NewCleanupManager creates a cleanup manager sweeping every interval
func NewCleanupManager(store CredentialStore, interval time.Duration) *CleanupManager {
	return &CleanupManager{
		store:    store,
		interval: interval,
	}
}

// Run sweeps once immediately, then on every tick until ctx is done
func (cm *CleanupManager) Run(ctx context.Context) error {
	log.LogInfoWithFields("cleanup", "Starting credential cleanup", map[string]any{
		"interval": cm.interval.String(),
	})

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		cm.Sweep(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			log.LogInfoWithFields("cleanup", "Credential cleanup stopped", nil)
			return nil
		}
	}
}

// Sweep removes expired credentials and returns how many went away.
// Store errors are logged; the next tick retries.
func (cm *CleanupManager) Sweep(ctx context.Context) int {
	count, err := cm.store.CleanupExpired(ctx)
	if err != nil {
		log.LogErrorWithFields("cleanup", "Failed to cleanup expired credentials", map[string]any{
			"error":   err.Error(),
			"removed": count,
		})
		return count
	}

	if count > 0 {
		log.LogInfoWithFields("cleanup", "Cleaned up expired credentials", map[string]any{
			"count": count,
		})
	}
	return count
}
