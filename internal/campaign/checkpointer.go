package campaign

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"boa/internal/errs"
	"boa/internal/logging"
)

// CheckpointPayload is what a checkpoint file holds: the serialized
// surrogate state plus enough context to know where it came from.
type CheckpointPayload struct {
	State          []byte
	IterationIndex int
	Strategy       string
	SavedAt        time.Time
	Meta           map[string]string
}

// Checkpointer persists surrogate snapshots under <dir>/<campaignID>/.
// Filenames are unique by timestamp; the engine serializes writers, so no
// cross-process locking is attempted.
type Checkpointer struct {
	dir string
	log *zap.Logger
}

// NewCheckpointer roots a checkpointer at dir.
func NewCheckpointer(dir string) *Checkpointer {
	return &Checkpointer{dir: dir, log: logging.Get(logging.CategoryCheckpoint)}
}

func (c *Checkpointer) campaignDir(campaignID string) string {
	return filepath.Join(c.dir, campaignID)
}

// Save writes a new checkpoint file and returns its path.
func (c *Checkpointer) Save(campaignID string, payload *CheckpointPayload) (string, error) {
	if payload.SavedAt.IsZero() {
		payload.SavedAt = time.Now().UTC()
	}
	dir := c.campaignDir(campaignID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errs.Wrap(err, errs.Repository, "failed to create checkpoint directory")
	}
	name := fmt.Sprintf("checkpoint_iter%d_%s_%s.bin",
		payload.IterationIndex, payload.Strategy, payload.SavedAt.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return "", errs.Wrap(err, errs.Repository, "failed to encode checkpoint")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", errs.Wrap(err, errs.Repository, "failed to write checkpoint %s", path)
	}
	c.log.Info("checkpoint saved",
		zap.String("campaign", campaignID), zap.Int("iteration", payload.IterationIndex), zap.String("path", path))
	return path, nil
}

// Load reads one checkpoint file.
func (c *Checkpointer) Load(path string) (*CheckpointPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.NotFound, "checkpoint %s does not exist", path)
		}
		return nil, errs.Wrap(err, errs.Repository, "failed to read checkpoint %s", path)
	}
	var payload CheckpointPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, errs.Wrap(err, errs.Repository, "failed to decode checkpoint %s", path)
	}
	return &payload, nil
}

// List returns a campaign's checkpoint paths, oldest first by mtime. An
// empty strategy matches all.
func (c *Checkpointer) List(campaignID, strategy string) ([]string, error) {
	entries, err := os.ReadDir(c.campaignDir(campaignID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(err, errs.Repository, "failed to list checkpoints")
	}
	type candidate struct {
		path  string
		mtime time.Time
	}
	var found []candidate
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "checkpoint_iter") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		if strategy != "" && !strings.Contains(name, "_"+strategy+"_") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{
			path:  filepath.Join(c.campaignDir(campaignID), name),
			mtime: info.ModTime(),
		})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].mtime.Equal(found[j].mtime) {
			return found[i].path < found[j].path
		}
		return found[i].mtime.Before(found[j].mtime)
	})
	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

// LoadLatest loads the most recently written checkpoint, or nil when the
// campaign has none.
func (c *Checkpointer) LoadLatest(campaignID, strategy string) (*CheckpointPayload, error) {
	paths, err := c.List(campaignID, strategy)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	return c.Load(paths[len(paths)-1])
}

// Cleanup removes the oldest checkpoints beyond keepLatest and returns
// how many were deleted.
func (c *Checkpointer) Cleanup(campaignID string, keepLatest int, strategy string) (int, error) {
	if keepLatest < 0 {
		keepLatest = 0
	}
	paths, err := c.List(campaignID, strategy)
	if err != nil {
		return 0, err
	}
	if len(paths) <= keepLatest {
		return 0, nil
	}
	removed := 0
	for _, path := range paths[:len(paths)-keepLatest] {
		if err := os.Remove(path); err != nil {
			return removed, errs.Wrap(err, errs.Repository, "failed to remove checkpoint %s", path)
		}
		removed++
	}
	c.log.Info("checkpoints cleaned up",
		zap.String("campaign", campaignID), zap.Int("removed", removed))
	return removed, nil
}

// FileSize returns a checkpoint's size in bytes.
func (c *Checkpointer) FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errs.New(errs.NotFound, "checkpoint %s does not exist", path)
		}
		return 0, errs.Wrap(err, errs.Repository, "failed to stat checkpoint %s", path)
	}
	return info.Size(), nil
}
