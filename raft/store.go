package raft

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/devadigapratham/spoolshare/api/models"
	"github.com/devadigapratham/spoolshare/metrics"
)

// Applier commits commands to the FSM
type Applier interface {
	Apply(ctx context.Context, cmd *models.Command) error
}

// localApplier applies commands straight to an FSM without replication
type localApplier struct {
	fsm *FSM
}

// Apply round-trips the command through JSON so values look exactly like
// they do after replication.
func (a localApplier) Apply(ctx context.Context, cmd *models.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := cmd.Marshal()
	if err != nil {
		return errors.Wrap(err, "failed to marshal command")
	}
	normalized, err := models.UnmarshalCommand(data)
	if err != nil {
		return errors.Wrap(err, "failed to unmarshal command")
	}
	return a.fsm.applyCommand(normalized)
}

// NewLocalApplier returns an applier writing straight to fsm
func NewLocalApplier(fsm *FSM) Applier {
	return localApplier{fsm: fsm}
}

// Store provides document access on top of the FSM. Writes go through the
// applier, reads are served from the local FSM.
type Store struct {
	fsm     *FSM
	applier Applier
	now     func() time.Time
}

// NewStore creates a store reading from fsm and writing through applier
func NewStore(fsm *FSM, applier Applier) *Store {
	return &Store{fsm: fsm, applier: applier, now: time.Now}
}

// NewNodeStore creates a store replicated through node
func NewNodeStore(node *Node) *Store {
	return NewStore(node.GetFSM(), node)
}

// NewLocalStore creates a store backed by an unreplicated in-memory FSM
func NewLocalStore() *Store {
	fsm := NewFSM()
	return NewStore(fsm, NewLocalApplier(fsm))
}

// NewID returns a fresh document id
func (s *Store) NewID() string {
	return uuid.New().String()
}

// WriteOption sets a precondition on a write
type WriteOption func(*models.Op)

// IfVersion makes the write fail with ErrConflict unless the document is at version v
func IfVersion(v uint64) WriteOption {
	return func(op *models.Op) { op.IfVersion = v }
}

// IfMissing makes the write fail with ErrConflict if the document exists
func IfMissing() WriteOption {
	return func(op *models.Op) { op.IfMissing = true }
}

// IfExists makes the write fail with ErrNotFound if the document does not exist
func IfExists() WriteOption {
	return func(op *models.Op) { op.IfExists = true }
}

// Get returns the document at path or ErrNotFound
func (s *Store) Get(ctx context.Context, path string) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, ok := s.fsm.Get(path)
	if !ok {
		observe("get", models.ErrNotFound)
		return nil, errors.Wrapf(models.ErrNotFound, "%s", path)
	}
	observe("get", nil)
	return doc, nil
}

// List returns every document directly inside collection, ordered by path
func (s *Store) List(ctx context.Context, collection string) ([]*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	observe("list", nil)
	return s.fsm.List(collection), nil
}

// Query returns the documents in collection whose field equals value, ordered by path
func (s *Store) Query(ctx context.Context, collection, field string, value interface{}) ([]*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized, err := normalize(value)
	if err != nil {
		return nil, errors.Wrap(err, "failed to normalize query value")
	}
	observe("query", nil)
	return s.fsm.Query(collection, field, normalized), nil
}

// Set creates or replaces the document at path with the fields of data
func (s *Store) Set(ctx context.Context, path string, data interface{}, opts ...WriteOption) error {
	return s.Batch().Set(path, data, opts...).Commit(ctx)
}

// Update merges fields into an existing document
func (s *Store) Update(ctx context.Context, path string, fields map[string]interface{}, opts ...WriteOption) error {
	return s.Batch().Update(path, fields, opts...).Commit(ctx)
}

// Delete removes the document at path. Deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, path string, opts ...WriteOption) error {
	return s.Batch().Delete(path, opts...).Commit(ctx)
}

// DeleteTree removes the document at path and every document below it
func (s *Store) DeleteTree(ctx context.Context, path string, opts ...WriteOption) error {
	return s.Batch().DeleteTree(path, opts...).Commit(ctx)
}

// ArrayUnion appends the values missing from the array field
func (s *Store) ArrayUnion(ctx context.Context, path, field string, values []interface{}, opts ...WriteOption) error {
	return s.Batch().ArrayUnion(path, field, values, opts...).Commit(ctx)
}

// ArrayRemove removes every element of the array field equal to one of values
func (s *Store) ArrayRemove(ctx context.Context, path, field string, values []interface{}, opts ...WriteOption) error {
	return s.Batch().ArrayRemove(path, field, values, opts...).Commit(ctx)
}

// Batch starts a set of writes committed atomically
func (s *Store) Batch() *Batch {
	return &Batch{store: s}
}

// Batch collects operations that are applied all together or not at all
type Batch struct {
	store *Store
	ops   []models.Op
	err   error
}

func (b *Batch) add(op models.Op, opts []WriteOption) *Batch {
	for _, opt := range opts {
		opt(&op)
	}
	b.ops = append(b.ops, op)
	return b
}

// Set adds a create-or-replace of path
func (b *Batch) Set(path string, data interface{}, opts ...WriteOption) *Batch {
	fields, err := toFields(data)
	if err != nil {
		b.err = errors.Wrapf(err, "failed to encode %s", path)
		return b
	}
	return b.add(models.Op{Type: models.OpSet, Path: path, Fields: fields}, opts)
}

// Update adds a field merge into path
func (b *Batch) Update(path string, fields map[string]interface{}, opts ...WriteOption) *Batch {
	return b.add(models.Op{Type: models.OpUpdate, Path: path, Fields: fields}, opts)
}

// Delete adds a deletion of path
func (b *Batch) Delete(path string, opts ...WriteOption) *Batch {
	return b.add(models.Op{Type: models.OpDelete, Path: path}, opts)
}

// DeleteTree adds a deletion of path and its descendants
func (b *Batch) DeleteTree(path string, opts ...WriteOption) *Batch {
	return b.add(models.Op{Type: models.OpDeleteTree, Path: path}, opts)
}

// ArrayUnion adds an array union on field
func (b *Batch) ArrayUnion(path, field string, values []interface{}, opts ...WriteOption) *Batch {
	return b.add(models.Op{Type: models.OpArrayUnion, Path: path, Field: field, Values: values}, opts)
}

// ArrayRemove adds an array removal on field
func (b *Batch) ArrayRemove(path, field string, values []interface{}, opts ...WriteOption) *Batch {
	return b.add(models.Op{Type: models.OpArrayRemove, Path: path, Field: field, Values: values}, opts)
}

// Commit applies the batch. Precondition failures surface as ErrConflict or
// ErrNotFound, anything else is returned as is.
func (b *Batch) Commit(ctx context.Context) error {
	op := "write"
	if len(b.ops) == 1 {
		op = string(b.ops[0].Type)
	} else if len(b.ops) > 1 {
		op = "batch"
	}
	if b.err != nil {
		observe(op, b.err)
		return b.err
	}
	if len(b.ops) == 0 {
		return nil
	}
	cmd := &models.Command{Ops: b.ops, Timestamp: b.store.now().UTC()}
	err := b.store.applier.Apply(ctx, cmd)
	observe(op, err)
	return err
}

// Subscription delivers document events until closed
type Subscription struct {
	events <-chan Event
	stop   func()
}

// Events returns the event channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close ends the subscription
func (s *Subscription) Close() {
	s.stop()
}

// Subscribe watches a single document. The first event carries the current
// state (Doc nil if the document does not exist). The subscription ends when
// ctx is done or Close is called.
func (s *Store) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	return s.subscribe(ctx, path, false)
}

// SubscribeCollection watches the documents directly inside collection. One
// event is delivered per existing document, then one per change.
func (s *Store) SubscribeCollection(ctx context.Context, collection string) (*Subscription, error) {
	return s.subscribe(ctx, collection, true)
}

func (s *Store) subscribe(ctx context.Context, path string, collection bool) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, w, initial := s.fsm.watch(path, collection)

	out := make(chan Event, watcherBuffer)
	stopped := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(stopped) }) }

	go func() {
		defer close(out)
		defer s.fsm.unwatch(id)

		deliver := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
			case <-stopped:
			}
			return false
		}

		if !collection && len(initial) == 0 {
			if !deliver(Event{Path: path}) {
				return
			}
		}
		for _, doc := range initial {
			if !deliver(Event{Path: doc.Path, Doc: doc}) {
				return
			}
		}
		for {
			select {
			case ev, ok := <-w.ch:
				if !ok || !deliver(ev) {
					return
				}
			case <-ctx.Done():
				return
			case <-stopped:
				return
			}
		}
	}()

	observe("subscribe", nil)
	return &Subscription{events: out, stop: stop}, nil
}

// FSM returns the state machine backing the store
func (s *Store) FSM() *FSM {
	return s.fsm
}

func toFields(data interface{}) (map[string]interface{}, error) {
	if fields, ok := data.(map[string]interface{}); ok {
		return fields, nil
	}
	return models.ToFields(data)
}

func normalize(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func observe(op string, err error) {
	result := metrics.ResultOK
	switch {
	case err == nil:
	case errors.Is(err, models.ErrConflict):
		result = metrics.ResultConflict
	case errors.Is(err, models.ErrNotFound):
		result = metrics.ResultNotFound
	default:
		result = metrics.ResultError
	}
	metrics.StoreOperations.WithLabelValues(op, result).Inc()
}
