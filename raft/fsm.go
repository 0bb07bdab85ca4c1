package raft

import (
	"encoding/json"
	"io"
	"reflect"
	"sort"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/devadigapratham/spoolshare/api/models"
)

// FSM implements the raft.FSM interface over a path-addressed document set
type FSM struct {
	mu sync.RWMutex

	seq       uint64
	documents map[string]*models.Document

	watchers  map[uint64]*watcher
	watcherID uint64
}

// NewFSM creates a new Finite State Machine for the Raft cluster
func NewFSM() *FSM {
	return &FSM{
		documents: make(map[string]*models.Document),
		watchers:  make(map[uint64]*watcher),
	}
}

// Apply applies a Raft log entry to the FSM
func (f *FSM) Apply(l *raft.Log) interface{} {
	cmd, err := models.UnmarshalCommand(l.Data)
	if err != nil {
		return errors.Wrap(err, "failed to unmarshal command")
	}
	return f.applyCommand(cmd)
}

// applyCommand applies every op of cmd or none of them. It returns nil or an error.
func (f *FSM) applyCommand(cmd *models.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tx := &txn{base: f.documents, staged: map[string]*models.Document{}}
	version := f.seq + 1
	for i := range cmd.Ops {
		if err := tx.apply(&cmd.Ops[i], version, cmd); err != nil {
			return err
		}
	}

	f.seq = version
	changed := make([]string, 0, len(tx.staged))
	for p, doc := range tx.staged {
		if doc == nil {
			delete(f.documents, p)
		} else {
			f.documents[p] = doc
		}
		changed = append(changed, p)
	}
	sort.Strings(changed)
	for _, p := range changed {
		f.notify(p, f.documents[p])
	}
	return nil
}

// txn stages document writes so a failing op leaves the FSM untouched
type txn struct {
	base   map[string]*models.Document
	staged map[string]*models.Document // nil value marks a deletion
}

func (t *txn) get(p string) *models.Document {
	if doc, ok := t.staged[p]; ok {
		return doc
	}
	return t.base[p]
}

func (t *txn) apply(op *models.Op, version uint64, cmd *models.Command) error {
	if op.Path == "" {
		return errors.Wrap(models.ErrInvalidArgument, "empty document path")
	}
	current := t.get(op.Path)

	switch {
	case op.IfMissing && current != nil:
		return errors.Wrapf(models.ErrConflict, "%s already exists", op.Path)
	case op.IfVersion != 0 && (current == nil || current.Version != op.IfVersion):
		return errors.Wrapf(models.ErrConflict, "%s changed since version %d", op.Path, op.IfVersion)
	case op.IfExists && current == nil:
		return errors.Wrapf(models.ErrNotFound, "%s", op.Path)
	}

	switch op.Type {
	case models.OpSet:
		next := &models.Document{
			Path:      op.Path,
			Version:   version,
			Fields:    copyFields(op.Fields),
			CreatedAt: cmd.Timestamp,
			UpdatedAt: cmd.Timestamp,
		}
		if current != nil {
			next.CreatedAt = current.CreatedAt
		}
		t.staged[op.Path] = next

	case models.OpUpdate:
		if current == nil {
			return errors.Wrapf(models.ErrNotFound, "%s", op.Path)
		}
		next := t.mutable(current, version, cmd)
		for k, v := range op.Fields {
			next.Fields[k] = models.CloneValue(v)
		}

	case models.OpDelete:
		if current != nil {
			t.staged[op.Path] = nil
		}

	case models.OpDeleteTree:
		for p := range t.base {
			if isUnder(p, op.Path) {
				t.staged[p] = nil
			}
		}
		for p := range t.staged {
			if isUnder(p, op.Path) {
				t.staged[p] = nil
			}
		}

	case models.OpArrayUnion:
		if op.Field == "" {
			return errors.Wrap(models.ErrInvalidArgument, "array union without field")
		}
		var next *models.Document
		if current == nil {
			next = &models.Document{
				Path:      op.Path,
				Version:   version,
				Fields:    map[string]interface{}{},
				CreatedAt: cmd.Timestamp,
				UpdatedAt: cmd.Timestamp,
			}
			t.staged[op.Path] = next
		} else {
			next = t.mutable(current, version, cmd)
		}
		arr, _ := next.Fields[op.Field].([]interface{})
		for _, v := range op.Values {
			if indexOf(arr, v) < 0 {
				arr = append(arr, models.CloneValue(v))
			}
		}
		if arr == nil {
			arr = []interface{}{}
		}
		next.Fields[op.Field] = arr

	case models.OpArrayRemove:
		if op.Field == "" {
			return errors.Wrap(models.ErrInvalidArgument, "array remove without field")
		}
		if current == nil {
			return nil
		}
		next := t.mutable(current, version, cmd)
		arr, _ := next.Fields[op.Field].([]interface{})
		kept := make([]interface{}, 0, len(arr))
		for _, item := range arr {
			if indexOf(op.Values, item) < 0 {
				kept = append(kept, item)
			}
		}
		next.Fields[op.Field] = kept

	default:
		return errors.Errorf("unknown op type: %s", op.Type)
	}
	return nil
}

// mutable returns the staged copy of current, creating it on first write in this txn
func (t *txn) mutable(current *models.Document, version uint64, cmd *models.Command) *models.Document {
	if staged, ok := t.staged[current.Path]; ok && staged != nil && staged.Version == version {
		return staged
	}
	next := current.Clone()
	if next.Fields == nil {
		next.Fields = map[string]interface{}{}
	}
	next.Version = version
	next.UpdatedAt = cmd.Timestamp
	t.staged[current.Path] = next
	return next
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return map[string]interface{}{}
	}
	return models.CloneValue(fields).(map[string]interface{})
}

func indexOf(arr []interface{}, v interface{}) int {
	for i, item := range arr {
		if reflect.DeepEqual(item, v) {
			return i
		}
	}
	return -1
}

// Get returns a copy of the document at path
func (f *FSM) Get(p string) (*models.Document, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	doc, ok := f.documents[p]
	return doc.Clone(), ok
}

// List returns the documents directly inside collection, ordered by path
func (f *FSM) List(collection string) []*models.Document {
	return f.Query(collection, "", nil)
}

// Query returns the documents directly inside collection whose field equals
// value, ordered by path. An empty field matches every document.
func (f *FSM) Query(collection, field string, value interface{}) []*models.Document {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var docs []*models.Document
	for p, doc := range f.documents {
		if models.Collection(p) != collection {
			continue
		}
		if field != "" && !reflect.DeepEqual(doc.Fields[field], value) {
			continue
		}
		docs = append(docs, doc.Clone())
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs
}

// Len returns the number of stored documents
func (f *FSM) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.documents)
}

// Snapshot returns a snapshot of the FSM state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	documents := make(map[string]*models.Document, len(f.documents))
	for k, v := range f.documents {
		documents[k] = v.Clone()
	}

	return &fsmSnapshot{Seq: f.seq, Documents: documents}, nil
}

// Restore restores the FSM from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return errors.Wrap(err, "failed to decode snapshot")
	}
	if snapshot.Documents == nil {
		snapshot.Documents = make(map[string]*models.Document)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	previous := f.documents
	f.seq = snapshot.Seq
	f.documents = snapshot.Documents

	for p := range previous {
		if _, ok := f.documents[p]; !ok {
			f.notify(p, nil)
		}
	}
	for p, doc := range f.documents {
		f.notify(p, doc)
	}
	log.WithField("documents", len(f.documents)).Info("restored document store from snapshot")
	return nil
}

// fsmSnapshot implements the raft.FSMSnapshot interface
type fsmSnapshot struct {
	Seq       uint64                      `json:"seq"`
	Documents map[string]*models.Document `json:"documents"`
}

// Persist saves the snapshot to the provided sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		_ = sink.Cancel()
		return err
	}

	return nil
}

// Release is a no-op
func (s *fsmSnapshot) Release() {}
