package journaldir

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	bolt "go.etcd.io/bbolt"
)

var bucketSnapshotsPrefix = "snapshot:"

// SnapshotStore persists one bbolt bucket per logical journal, keyed by the
// snapshot's sequence number, inside the same control.db the Layout already
// owns (SPEC_FULL.md §10: "one bucket per logical journal, keyed by the
// snapshot's lastAppliedSN").
type SnapshotStore struct {
	db *bolt.DB
}

// NewSnapshotStore wraps l's underlying database for snapshot storage.
func NewSnapshotStore(l *Layout) *SnapshotStore {
	return &SnapshotStore{db: l.db}
}

func bucketNameFor(journalName string) []byte {
	return []byte(bucketSnapshotsPrefix + journalName)
}

func encodeSN(sn int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(sn))
	return b
}

// snapshotWriteBuffer accumulates one journal's checkpoint bytes in memory,
// then commits them to bbolt on close; bbolt transactions aren't streaming,
// so this is the natural adapter to journal.SnapshotSink's io.Writer shape.
type snapshotWriteBuffer struct {
	store *SnapshotStore
	name  string
	sn    int64
	buf   bytes.Buffer
}

func (w *snapshotWriteBuffer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *snapshotWriteBuffer) commit() error {
	return w.store.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketNameFor(w.name))
		if err != nil {
			return err
		}
		return b.Put(encodeSN(w.sn), w.buf.Bytes())
	})
}

// Open implements journal.SnapshotSink.
func (s *SnapshotStore) Open(name string, sn int64) (io.Writer, func() error, error) {
	w := &snapshotWriteBuffer{store: s, name: name, sn: sn}
	return w, w.commit, nil
}

// OpenLatest implements journal.SnapshotSource, returning the most recent
// checkpoint recorded for name.
func (s *SnapshotStore) OpenLatest(name string) (io.Reader, func() error, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNameFor(name))
		if b == nil {
			return fmt.Errorf("journaldir: no snapshot recorded for %q", name)
		}
		k, v := b.Cursor().Last()
		if k == nil {
			return fmt.Errorf("journaldir: no snapshot recorded for %q", name)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return bytes.NewReader(data), nil, nil
}

// snapshotSource adapts SnapshotStore.OpenLatest to journal.SnapshotSource's
// single-argument Open method.
type snapshotSource struct {
	store *SnapshotStore
}

// AsSource returns a journal.SnapshotSource view of the store, resolving
// every journal name to its latest recorded checkpoint.
func (s *SnapshotStore) AsSource() *snapshotSource {
	return &snapshotSource{store: s}
}

func (s *snapshotSource) Open(name string) (io.Reader, func() error, error) {
	return s.store.OpenLatest(name)
}
