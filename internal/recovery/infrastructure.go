package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// StagingSweeper removes attachment staging files left behind by an interrupted transfer.
type StagingSweeper struct {
	Dir string
	// MinAge keeps files younger than this. Zero removes every staged file.
	MinAge time.Duration
	now    func() time.Time
}

// NewStagingSweeper creates a sweeper for dir.
func NewStagingSweeper(dir string, minAge time.Duration) *StagingSweeper {
	return &StagingSweeper{Dir: dir, MinAge: minAge, now: time.Now}
}

// Name returns the component name.
func (s *StagingSweeper) Name() string { return "attachment-staging" }

// Recover deletes stale regular files directly inside Dir. Subdirectories are left alone.
func (s *StagingSweeper) Recover(ctx context.Context) error {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read staging directory %s: %w", s.Dir, err)
	}

	cutoff := s.now().Add(-s.MinAge)
	var removed int
	var errs []error
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if s.MinAge > 0 && info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.Dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Warn("StagingSweeper.Recover: removed orphaned staging files", "dir", s.Dir, "count", removed)
	}
	return errors.Join(errs...)
}

// Counter reports how many conversations a store holds.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// StoreCheck verifies the conversation store is readable before traffic is accepted.
type StoreCheck struct {
	Store Counter
}

// Name returns the component name.
func (c StoreCheck) Name() string { return "conversation-store" }

// Recover reads the conversation count.
func (c StoreCheck) Recover(ctx context.Context) error {
	n, err := c.Store.Count(ctx)
	if err != nil {
		return fmt.Errorf("conversation store unreadable: %w", err)
	}
	slog.Info("StoreCheck.Recover: conversation addresses restored", "conversations", n)
	return nil
}
