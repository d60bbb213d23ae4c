// Package journaltest provides a sample LogicalJournal implementation,
// MemDBJournal, used by this module's own tests to exercise
// journal.StateMachine end to end (SPEC_FULL.md §10, grounding spec.md's
// "the per-master state machines themselves... we specify only the
// callbacks they must implement" with a concrete, testable target).
package journaltest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/go-memdb"
)

const tableRecords = "records"

// Op is one operation applied to a MemDBJournal, the wire format of its
// apply payload.
type Op struct {
	Kind  string `json:"kind"` // "put" or "delete"
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type record struct {
	Key   string
	Value string
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableRecords: {
				Name: tableRecords,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
				},
			},
		},
	}
}

// MemDBJournal is an in-memory, transactional master state machine
// implementing journal.LogicalJournal, backed by hashicorp/go-memdb.
type MemDBJournal struct {
	name string
	db   *memdb.MemDB
}

// New constructs an empty MemDBJournal named name.
func New(name string) *MemDBJournal {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		panic(fmt.Errorf("journaltest: build schema: %w", err))
	}
	return &MemDBJournal{name: name, db: db}
}

// Name implements journal.LogicalJournal.
func (j *MemDBJournal) Name() string { return j.name }

// Apply decodes payload as an Op and applies it transactionally.
func (j *MemDBJournal) Apply(ctx context.Context, payload []byte) error {
	var op Op
	if err := json.Unmarshal(payload, &op); err != nil {
		return fmt.Errorf("journaltest: decode op: %w", err)
	}

	txn := j.db.Txn(true)
	defer txn.Abort()

	switch op.Kind {
	case "put":
		if err := txn.Insert(tableRecords, record{Key: op.Key, Value: op.Value}); err != nil {
			return fmt.Errorf("journaltest: insert: %w", err)
		}
	case "delete":
		existing, err := txn.First(tableRecords, "id", op.Key)
		if err != nil {
			return fmt.Errorf("journaltest: lookup for delete: %w", err)
		}
		if existing != nil {
			if err := txn.Delete(tableRecords, existing); err != nil {
				return fmt.Errorf("journaltest: delete: %w", err)
			}
		}
	default:
		return fmt.Errorf("journaltest: unknown op kind %q", op.Kind)
	}

	txn.Commit()
	return nil
}

// Get returns the current value for key, for test assertions.
func (j *MemDBJournal) Get(key string) (string, bool) {
	txn := j.db.Txn(false)
	defer txn.Abort()
	v, err := txn.First(tableRecords, "id", key)
	if err != nil || v == nil {
		return "", false
	}
	return v.(record).Value, true
}

// Snapshot writes every record as newline-delimited JSON.
func (j *MemDBJournal) Snapshot(ctx context.Context, w io.Writer) error {
	txn := j.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableRecords, "id")
	if err != nil {
		return fmt.Errorf("journaltest: snapshot iterate: %w", err)
	}

	enc := json.NewEncoder(w)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if err := enc.Encode(raw.(record)); err != nil {
			return fmt.Errorf("journaltest: snapshot encode: %w", err)
		}
	}
	return nil
}

// Install replaces all state from r, which must be in the Snapshot format.
func (j *MemDBJournal) Install(ctx context.Context, r io.Reader) error {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return fmt.Errorf("journaltest: rebuild schema: %w", err)
	}

	txn := db.Txn(true)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			txn.Abort()
			return fmt.Errorf("journaltest: decode snapshot record: %w", err)
		}
		if err := txn.Insert(tableRecords, rec); err != nil {
			txn.Abort()
			return fmt.Errorf("journaltest: install insert: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		txn.Abort()
		return fmt.Errorf("journaltest: read snapshot: %w", err)
	}
	txn.Commit()

	j.db = db
	return nil
}

// EncodePut is a convenience for tests constructing Apply payloads.
func EncodePut(key, value string) []byte {
	b, _ := json.Marshal(Op{Kind: "put", Key: key, Value: value})
	return b
}

// EncodeDelete is a convenience for tests constructing Apply payloads.
func EncodeDelete(key string) []byte {
	b, _ := json.Marshal(Op{Kind: "delete", Key: key})
	return b
}
