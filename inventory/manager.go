// Package inventory manages each user's personal list of filament spools.
//
// The spools of a user live in the "filaments" array of the users/{uid}
// document. Whole-array rewrites are guarded by the document version, so two
// concurrent edits of the same list never silently overwrite each other: the
// loser gets models.ErrConflict and may retry.
package inventory

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/devadigapratham/spoolshare/api/models"
	"github.com/devadigapratham/spoolshare/notify"
	"github.com/devadigapratham/spoolshare/raft"
)

const filamentsField = "filaments"

// Manager performs CRUD over the spool lists
type Manager struct {
	store    *raft.Store
	alerts   notify.Scheduler
	leadTime time.Duration
}

// NewManager creates a Manager. A nil scheduler only logs alerts.
func NewManager(store *raft.Store, alerts notify.Scheduler, leadTime time.Duration) *Manager {
	if alerts == nil {
		alerts = notify.LogScheduler{}
	}
	if leadTime <= 0 {
		leadTime = notify.DefaultLeadTime
	}
	return &Manager{store: store, alerts: alerts, leadTime: leadTime}
}

func requireUser(uid string) error {
	if uid == "" {
		return models.ErrNotAuthenticated
	}
	return models.ValidateID("user id", uid)
}

// LoadFilaments streams the full spool list of uid, once now and again after
// every change. Entries that cannot be parsed are skipped. The channel is
// closed when ctx is done.
func (m *Manager) LoadFilaments(ctx context.Context, uid string) (<-chan []models.FilamentSpool, error) {
	if err := requireUser(uid); err != nil {
		return nil, err
	}
	sub, err := m.store.Subscribe(ctx, models.UserPath(uid))
	if err != nil {
		return nil, models.StoreFailure("load filaments", err)
	}

	out := make(chan []models.FilamentSpool, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		for ev := range sub.Events() {
			var spools []models.FilamentSpool
			if ev.Exists() {
				spools = parseEntries(uid, ev.Doc.Array(filamentsField))
			}
			if spools == nil {
				spools = []models.FilamentSpool{}
			}
			select {
			case out <- spools:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListFilaments returns the current spool list of uid
func (m *Manager) ListFilaments(ctx context.Context, uid string) ([]models.FilamentSpool, error) {
	if err := requireUser(uid); err != nil {
		return nil, err
	}
	doc, err := m.store.Get(ctx, models.UserPath(uid))
	if errors.Is(err, models.ErrNotFound) {
		return []models.FilamentSpool{}, nil
	}
	if err != nil {
		return nil, models.StoreFailure("list filaments", err)
	}
	spools := parseEntries(uid, doc.Array(filamentsField))
	if spools == nil {
		spools = []models.FilamentSpool{}
	}
	return spools, nil
}

func parseEntries(uid string, entries []interface{}) []models.FilamentSpool {
	var spools []models.FilamentSpool
	for i, raw := range entries {
		spool, err := models.ParseFilamentEntry(raw)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"user_id": uid, "index": i}).Warn("skipping unreadable filament entry")
			continue
		}
		spools = append(spools, spool)
	}
	return spools
}

// SaveNewFilament stores spool under a fresh id and schedules its expiration alert
func (m *Manager) SaveNewFilament(ctx context.Context, uid string, spool models.FilamentSpool) (models.FilamentSpool, error) {
	if err := requireUser(uid); err != nil {
		return spool, err
	}
	spool.Normalize()
	if err := spool.Validate(); err != nil {
		return spool, err
	}
	spool.ID = m.store.NewID()

	entry, err := spool.Entry()
	if err != nil {
		return spool, errors.Wrap(err, "failed to encode filament")
	}
	if err := m.store.ArrayUnion(ctx, models.UserPath(uid), filamentsField, []interface{}{entry}); err != nil {
		return spool, models.StoreFailure("save filament", err)
	}

	log.WithFields(log.Fields{"user_id": uid, "filament_id": spool.ID}).Info("filament saved")
	m.scheduleAlert(ctx, uid, spool)
	return spool, nil
}

// SaveExistingFilament replaces the stored spool with the same id
func (m *Manager) SaveExistingFilament(ctx context.Context, uid string, spool models.FilamentSpool) (models.FilamentSpool, error) {
	if err := requireUser(uid); err != nil {
		return spool, err
	}
	if spool.ID == "" {
		return spool, errors.Wrap(models.ErrInvalidArgument, "filament id is required")
	}
	spool.Normalize()
	if err := spool.Validate(); err != nil {
		return spool, err
	}

	updated, previous, err := m.mutate(ctx, uid, spool.ID, func(s *models.FilamentSpool) error {
		*s = spool
		return nil
	})
	if err != nil {
		return spool, err
	}

	if updated.ExpirationDate != previous.ExpirationDate {
		if updated.ExpirationDate.IsZero() {
			m.cancelAlert(ctx, uid, updated.ID)
		} else {
			m.scheduleAlert(ctx, uid, updated)
		}
	}
	return updated, nil
}

// UpdateFilamentNfcStatus records whether the spool's tag has been programmed
func (m *Manager) UpdateFilamentNfcStatus(ctx context.Context, uid, id string, active bool) (models.FilamentSpool, error) {
	if err := requireUser(uid); err != nil {
		return models.FilamentSpool{}, err
	}
	updated, _, err := m.mutate(ctx, uid, id, func(s *models.FilamentSpool) error {
		s.ActiveNFC = active
		return nil
	})
	return updated, err
}

// UpdateFilamentWeight sets the remaining grams of a spool
func (m *Manager) UpdateFilamentWeight(ctx context.Context, uid, id string, grams int) (models.FilamentSpool, error) {
	if err := requireUser(uid); err != nil {
		return models.FilamentSpool{}, err
	}
	if grams < 0 {
		return models.FilamentSpool{}, errors.Wrapf(models.ErrInvalidWeight, "weight %d is negative", grams)
	}
	updated, _, err := m.mutate(ctx, uid, id, func(s *models.FilamentSpool) error {
		s.Weight = grams
		return nil
	})
	return updated, err
}

// LoadFilamentByID returns a single spool
func (m *Manager) LoadFilamentByID(ctx context.Context, uid, id string) (models.FilamentSpool, error) {
	if err := requireUser(uid); err != nil {
		return models.FilamentSpool{}, err
	}
	doc, i, err := m.find(ctx, uid, id)
	if err != nil {
		return models.FilamentSpool{}, err
	}
	return models.ParseFilamentEntry(doc.Array(filamentsField)[i])
}

// DeleteFilament removes the spool from the owner's list and cancels its alert.
// The exact stored value is removed, other entries are left untouched.
func (m *Manager) DeleteFilament(ctx context.Context, uid, id string) error {
	if err := requireUser(uid); err != nil {
		return err
	}
	doc, i, err := m.find(ctx, uid, id)
	if err != nil {
		return err
	}
	raw := doc.Array(filamentsField)[i]
	err = m.store.ArrayRemove(ctx, doc.Path, filamentsField, []interface{}{raw}, raft.IfVersion(doc.Version))
	if err != nil {
		return models.StoreFailure("delete filament", err)
	}

	log.WithFields(log.Fields{"user_id": uid, "filament_id": id}).Info("filament deleted")
	m.cancelAlert(ctx, uid, id)
	return nil
}

// find locates the entry with id in the user's array
func (m *Manager) find(ctx context.Context, uid, id string) (*models.Document, int, error) {
	doc, err := m.store.Get(ctx, models.UserPath(uid))
	if errors.Is(err, models.ErrNotFound) {
		return nil, 0, errors.Wrapf(models.ErrFilamentNotFound, "%s", id)
	}
	if err != nil {
		return nil, 0, models.StoreFailure("load filaments", err)
	}
	for i, raw := range doc.Array(filamentsField) {
		if models.EntryID(raw) == id {
			return doc, i, nil
		}
	}
	return nil, 0, errors.Wrapf(models.ErrFilamentNotFound, "%s", id)
}

// mutate applies fn to the spool with id and writes the array back if the
// document has not changed in between. It returns the new and the old spool.
func (m *Manager) mutate(ctx context.Context, uid, id string, fn func(*models.FilamentSpool) error) (models.FilamentSpool, models.FilamentSpool, error) {
	doc, i, err := m.find(ctx, uid, id)
	if err != nil {
		return models.FilamentSpool{}, models.FilamentSpool{}, err
	}
	entries := doc.Array(filamentsField)
	previous, err := models.ParseFilamentEntry(entries[i])
	if err != nil {
		return models.FilamentSpool{}, models.FilamentSpool{}, err
	}

	updated := previous
	if err := fn(&updated); err != nil {
		return previous, previous, err
	}
	updated.ID = id
	if err := updated.Validate(); err != nil {
		return previous, previous, err
	}
	entry, err := updated.Entry()
	if err != nil {
		return previous, previous, errors.Wrap(err, "failed to encode filament")
	}

	next := models.CloneValue(entries).([]interface{})
	next[i] = entry
	err = m.store.Update(ctx, doc.Path, map[string]interface{}{filamentsField: next}, raft.IfVersion(doc.Version))
	if err != nil {
		return previous, previous, models.StoreFailure("update filament", err)
	}
	return updated, previous, nil
}

func (m *Manager) scheduleAlert(ctx context.Context, uid string, spool models.FilamentSpool) {
	alert, ok := notify.NewAlert(uid, spool, m.leadTime)
	if !ok {
		return
	}
	if err := m.alerts.ScheduleExpirationAlert(ctx, alert); err != nil {
		log.WithError(err).WithField("filament_id", spool.ID).Warn("failed to schedule expiration alert")
	}
}

func (m *Manager) cancelAlert(ctx context.Context, uid, id string) {
	if err := m.alerts.CancelExpirationAlert(ctx, uid, id); err != nil {
		log.WithError(err).WithField("filament_id", id).Warn("failed to cancel expiration alert")
	}
}
