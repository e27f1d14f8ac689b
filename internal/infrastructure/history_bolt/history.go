package history_bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/davarch/archbuild/internal/domain"
	bolt "go.etcd.io/bbolt"
)

var runsBucket = []byte("runs")

// History keeps one summary per finished run. Keys are the big-endian start
// time followed by the run ID, so a reverse cursor walk is newest first.
type History struct {
	db *bolt.DB
}

func Open(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &History{db: db}, nil
}

func (h *History) Close() error { return h.db.Close() }

func (h *History) Write(_ context.Context, run *domain.PipelineRun) error {
	b, err := json.Marshal(run.Summary())
	if err != nil {
		return err
	}

	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put(key(run.Started, run.ID), b)
	})
}

// List returns up to limit summaries, newest first. limit <= 0 means all.
func (h *History) List(limit int) ([]domain.Summary, error) {
	var out []domain.Summary

	err := h.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var s domain.Summary
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("history entry %x: %w", k, err)
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

func key(started time.Time, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(started.UnixNano()))
	return append(k, id...)
}
