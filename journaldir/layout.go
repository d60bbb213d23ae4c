// Package journaldir owns the single on-disk directory the core creates for
// one replicated journal (spec.md §5, §6 "Persistence layout"; SPEC_FULL.md
// §4.7). It is the only filesystem surface the core touches directly; log
// and snapshot I/O inside the group's working directory belong to the
// consensus engine.
package journaldir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketControl = []byte("control")

var (
	keyGroupUUID = []byte("group_uuid")
)

// Layout opens and tracks the top-level journal directory and its
// control.db sidecar database.
type Layout struct {
	root string
	db   *bolt.DB
}

// Open opens or initializes root, creating it and control.db if they don't
// already exist.
func Open(root string) (*Layout, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("journaldir: create root %q: %w", root, err)
	}

	db, err := bolt.Open(filepath.Join(root, "control.db"), 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("journaldir: open control.db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketControl)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journaldir: init control.db: %w", err)
	}

	return &Layout{root: root, db: db}, nil
}

// Close releases control.db.
func (l *Layout) Close() error {
	return l.db.Close()
}

// Root returns the journal root directory.
func (l *Layout) Root() string {
	return l.root
}

// Format removes all contents of root, or recreates it if it doesn't exist.
// Errors are surfaced, never retried (spec.md §7 "I/O errors during format
// ... surface; do not retry automatically").
func (l *Layout) Format() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("journaldir: close control.db before format: %w", err)
	}
	if err := os.RemoveAll(l.root); err != nil {
		return fmt.Errorf("journaldir: format %q: %w", l.root, err)
	}
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("journaldir: recreate %q: %w", l.root, err)
	}
	db, err := bolt.Open(filepath.Join(l.root, "control.db"), 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("journaldir: reopen control.db after format: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketControl)
		return err
	}); err != nil {
		_ = db.Close()
		return fmt.Errorf("journaldir: reinit control.db after format: %w", err)
	}
	l.db = db
	return nil
}

// RecordGroupUUID persists id in control.db so a restart can recognize the
// existing layout without re-deriving it from directory contents alone.
func (l *Layout) RecordGroupUUID(id string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketControl).Put(keyGroupUUID, []byte(id))
	})
}

// GroupUUID returns the previously recorded group UUID, if any.
func (l *Layout) GroupUUID() (string, bool, error) {
	var id string
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketControl).Get(keyGroupUUID)
		if v != nil {
			id = string(v)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return id, id != "", nil
}

// EnsureLayout returns the group's working directory, root/<groupUUID>/,
// creating it if needed. If root/legacy/<groupUUID> exists and
// root/<groupUUID> does not, the former is renamed to the latter first. A
// group directory already directly under root is used in place; it is not
// treated as a legacy layout.
func (l *Layout) EnsureLayout(groupUUID string) (string, error) {
	if groupUUID == "" {
		return "", errors.New("journaldir: empty group UUID")
	}

	expected := filepath.Join(l.root, groupUUID)
	recorded, ok, err := l.GroupUUID()
	if err != nil {
		return "", fmt.Errorf("journaldir: read recorded group uuid: %w", err)
	}

	if ok && recorded == groupUUID {
		if _, err := os.Stat(expected); err == nil {
			return expected, nil
		}
	}

	legacy := filepath.Join(l.root, "legacy", groupUUID)
	if _, err := os.Stat(legacy); err == nil {
		if _, err := os.Stat(expected); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(expected), 0o755); err != nil {
				return "", fmt.Errorf("journaldir: prepare expected layout: %w", err)
			}
			if err := os.Rename(legacy, expected); err != nil {
				return "", fmt.Errorf("journaldir: migrate legacy layout: %w", err)
			}
		}
	}

	if err := os.MkdirAll(expected, 0o755); err != nil {
		return "", fmt.Errorf("journaldir: ensure working directory: %w", err)
	}
	if err := l.RecordGroupUUID(groupUUID); err != nil {
		return "", fmt.Errorf("journaldir: record group uuid: %w", err)
	}
	return expected, nil
}
