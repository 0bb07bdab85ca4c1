// Package sessions implements shared print sessions: creation, joining by
// access code, ownership handoff, leaving, and the spools pooled in a session.
package sessions

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/devadigapratham/spoolshare/api/models"
	"github.com/devadigapratham/spoolshare/metrics"
	"github.com/devadigapratham/spoolshare/raft"
)

// maxJoinAttempts bounds retries when the session changes during a join
const maxJoinAttempts = 3

// Manager runs session operations against the document store
type Manager struct {
	store *raft.Store
	codes CodeGenerator
	now   func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithCodeGenerator replaces the random access code generator
func WithCodeGenerator(gen CodeGenerator) Option {
	return func(m *Manager) { m.codes = gen }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager
func NewManager(store *raft.Store, opts ...Option) *Manager {
	m := &Manager{store: store, codes: RandomAccessCode, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LeaveResult describes what a leave changed
type LeaveResult struct {
	// Deleted is true when the caller was the last participant.
	Deleted  bool   `json:"deleted"`
	NewOwner string `json:"new_owner,omitempty"`
	// RemovedFilaments lists the caller's spools pulled out of the session.
	RemovedFilaments []string `json:"removed_filaments"`
}

func requireUser(uid string) error {
	if uid == "" {
		return models.ErrNotAuthenticated
	}
	return models.ValidateID("user id", uid)
}

func (m *Manager) timestamp() time.Time {
	return m.now().UTC()
}

// CreateSession creates a session owned by uid with a fresh access code
func (m *Manager) CreateSession(ctx context.Context, uid, name string) (*models.Session, error) {
	if err := requireUser(uid); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.Wrap(models.ErrInvalidArgument, "session name is required")
	}

	id := m.store.NewID()
	now := m.timestamp()
	session := &models.Session{
		ID:           id,
		Name:         name,
		OwnerID:      uid,
		Participants: []string{uid},
		Filaments:    []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	created := false
	for attempt := 0; attempt < maxCodeAttempts && !created; attempt++ {
		code, err := m.codes()
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate access code")
		}
		session.AccessCode = code

		err = m.store.Batch().
			Set(models.SessionPath(id), session, raft.IfMissing()).
			Set(models.AccessCodePath(code), models.AccessCodeReservation{SessionID: id}, raft.IfMissing()).
			Commit(ctx)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, models.ErrConflict):
			log.WithField("attempt", attempt+1).Debug("access code already in use, retrying")
		default:
			return nil, models.StoreFailure("create session", err)
		}
	}
	if !created {
		return nil, models.ErrAccessCodeExhausted
	}

	membership := models.Membership{SessionID: id, JoinedAt: now}
	if err := m.store.Set(ctx, models.MembershipPath(uid, id), membership); err != nil {
		log.WithError(err).WithFields(log.Fields{"session_id": id, "user_id": uid}).Error("session created without membership pointer")
		return nil, models.StoreFailure("create session", err)
	}

	metrics.SessionEvents.WithLabelValues("create").Inc()
	log.WithFields(log.Fields{"session_id": id, "user_id": uid}).Info("session created")
	return m.GetSession(ctx, id)
}

// JoinSession adds uid to the session with the given access code
func (m *Manager) JoinSession(ctx context.Context, uid, accessCode string) (*models.Session, error) {
	if err := requireUser(uid); err != nil {
		return nil, err
	}
	code := strings.ToUpper(strings.TrimSpace(accessCode))
	if code == "" {
		return nil, errors.Wrap(models.ErrSessionNotFound, "empty access code")
	}

	docs, err := m.store.Query(ctx, models.SessionsCollection, "access_code", code)
	if err != nil {
		return nil, models.StoreFailure("join session", err)
	}
	if len(docs) == 0 {
		return nil, errors.Wrapf(models.ErrSessionNotFound, "no session with code %s", code)
	}
	session, err := decodeSession(docs[0])
	if err != nil {
		return nil, err
	}

	var now time.Time
	for attempt := 0; ; attempt++ {
		if session.HasParticipant(uid) {
			return nil, models.ErrAlreadyMember
		}
		now = m.timestamp()
		err = m.store.Batch().
			ArrayUnion(models.SessionPath(session.ID), "participants", []interface{}{uid}, raft.IfVersion(session.Version)).
			Update(models.SessionPath(session.ID), map[string]interface{}{"updated_at": now}).
			Commit(ctx)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrConflict) || attempt+1 >= maxJoinAttempts {
			return nil, models.StoreFailure("join session", err)
		}
		// Session changed since the read; reload and retry.
		if session, err = m.GetSession(ctx, session.ID); err != nil {
			return nil, err
		}
	}

	membership := models.Membership{SessionID: session.ID, JoinedAt: now}
	if err := m.store.Set(ctx, models.MembershipPath(uid, session.ID), membership); err != nil {
		log.WithError(err).WithFields(log.Fields{"session_id": session.ID, "user_id": uid}).Error("joined session without membership pointer")
		return nil, models.StoreFailure("join session", err)
	}

	metrics.SessionEvents.WithLabelValues("join").Inc()
	log.WithFields(log.Fields{"session_id": session.ID, "user_id": uid}).Info("user joined session")
	return m.GetSession(ctx, session.ID)
}

// GetSession returns the session with id
func (m *Manager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if models.ValidateID("session id", id) != nil {
		return nil, errors.Wrapf(models.ErrSessionNotFound, "%q", id)
	}
	doc, err := m.store.Get(ctx, models.SessionPath(id))
	if errors.Is(err, models.ErrNotFound) {
		return nil, errors.Wrapf(models.ErrSessionNotFound, "%s", id)
	}
	if err != nil {
		return nil, models.StoreFailure("get session", err)
	}
	return decodeSession(doc)
}

// GetUserSessions returns the sessions uid belongs to, in join order.
// Pointers to sessions that no longer exist are skipped.
func (m *Manager) GetUserSessions(ctx context.Context, uid string) ([]*models.Session, error) {
	if err := requireUser(uid); err != nil {
		return nil, err
	}
	docs, err := m.store.List(ctx, models.MembershipCollection(uid))
	if err != nil {
		return nil, models.StoreFailure("list sessions", err)
	}

	memberships := make([]models.Membership, 0, len(docs))
	for _, doc := range docs {
		var ms models.Membership
		if err := doc.DataTo(&ms); err != nil {
			log.WithError(err).WithField("path", doc.Path).Warn("skipping unreadable membership")
			continue
		}
		if ms.SessionID == "" {
			ms.SessionID = doc.ID()
		}
		memberships = append(memberships, ms)
	}
	sort.SliceStable(memberships, func(i, j int) bool {
		return memberships[i].JoinedAt.Before(memberships[j].JoinedAt)
	})

	found := make([]*models.Session, len(memberships))
	g, gctx := errgroup.WithContext(ctx)
	for i, ms := range memberships {
		i, ms := i, ms
		g.Go(func() error {
			session, err := m.GetSession(gctx, ms.SessionID)
			switch {
			case errors.Is(err, models.ErrSessionNotFound):
				return nil
			case errors.Is(err, models.ErrParseFailure):
				log.WithError(err).WithField("session_id", ms.SessionID).Warn("skipping unreadable session")
				return nil
			case err != nil:
				return err
			}
			found[i] = session
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sessions := make([]*models.Session, 0, len(found))
	for _, s := range found {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

// AddFilamentToSession attaches a spool to the session with its current
// weight equal to originalWeight. ownerID defaults to the caller.
func (m *Manager) AddFilamentToSession(ctx context.Context, uid, sessionID, filamentID, ownerID string, originalWeight int) (*models.SessionFilament, error) {
	if err := requireUser(uid); err != nil {
		return nil, err
	}
	if err := models.ValidateID("filament id", filamentID); err != nil {
		return nil, err
	}
	if originalWeight < 0 {
		return nil, errors.Wrapf(models.ErrInvalidWeight, "weight %d is negative", originalWeight)
	}
	session, err := m.requireParticipant(ctx, uid, sessionID)
	if err != nil {
		return nil, err
	}
	if session.HasFilament(filamentID) {
		return nil, errors.Wrapf(models.ErrFilamentInSession, "%s", filamentID)
	}
	if ownerID == "" {
		ownerID = uid
	}

	now := m.timestamp()
	sf := models.SessionFilament{
		FilamentID:     filamentID,
		OwnerID:        ownerID,
		OriginalWeight: originalWeight,
		CurrentWeight:  originalWeight,
		AddedAt:        now,
	}
	err = m.store.Batch().
		Set(models.SessionFilamentPath(sessionID, filamentID), sf, raft.IfMissing()).
		ArrayUnion(models.SessionPath(sessionID), "filaments", []interface{}{filamentID}, raft.IfExists()).
		Update(models.SessionPath(sessionID), map[string]interface{}{"updated_at": now}).
		Commit(ctx)
	switch {
	case errors.Is(err, models.ErrConflict):
		return nil, errors.Wrapf(models.ErrFilamentInSession, "%s", filamentID)
	case errors.Is(err, models.ErrNotFound):
		return nil, errors.Wrapf(models.ErrSessionNotFound, "%s", sessionID)
	case err != nil:
		return nil, models.StoreFailure("add filament", err)
	}

	log.WithFields(log.Fields{"session_id": sessionID, "filament_id": filamentID, "owner_id": ownerID}).Info("filament added to session")
	return m.getSessionFilament(ctx, sessionID, filamentID)
}

// RemoveFilamentFromSession detaches a spool from the session
func (m *Manager) RemoveFilamentFromSession(ctx context.Context, uid, sessionID, filamentID string) error {
	if err := requireUser(uid); err != nil {
		return err
	}
	session, err := m.requireParticipant(ctx, uid, sessionID)
	if err != nil {
		return err
	}
	return m.removeFilament(ctx, session, filamentID)
}

// removeFilament deletes the sub-record and the index entry together and
// cancels the print jobs still waiting on the spool.
func (m *Manager) removeFilament(ctx context.Context, session *models.Session, filamentID string) error {
	sfPath := models.SessionFilamentPath(session.ID, filamentID)
	if _, err := m.store.Get(ctx, sfPath); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return models.StoreFailure("remove filament", err)
		}
		if !session.HasFilament(filamentID) {
			return errors.Wrapf(models.ErrFilamentNotFound, "%s", filamentID)
		}
	}

	jobs, err := m.listJobs(ctx, session.ID)
	if err != nil {
		return err
	}

	now := m.timestamp()
	batch := m.store.Batch().
		Delete(sfPath).
		ArrayRemove(models.SessionPath(session.ID), "filaments", []interface{}{filamentID}).
		Update(models.SessionPath(session.ID), map[string]interface{}{"updated_at": now})
	for _, job := range jobs {
		if job.FilamentID == filamentID && models.IsActiveJobStatus(job.Status) {
			batch.Update(models.PrintJobPath(session.ID, job.ID), map[string]interface{}{
				"status":     models.JobCanceled,
				"updated_at": now,
			}, raft.IfVersion(job.Version))
		}
	}
	err = batch.Commit(ctx)
	if errors.Is(err, models.ErrNotFound) {
		return errors.Wrapf(models.ErrSessionNotFound, "%s", session.ID)
	}
	if err != nil {
		return models.StoreFailure("remove filament", err)
	}

	log.WithFields(log.Fields{"session_id": session.ID, "filament_id": filamentID}).Info("filament removed from session")
	return nil
}

// UpdateFilamentWeightInSession records the remaining grams of a session
// spool. Weight may only go down and never below zero.
func (m *Manager) UpdateFilamentWeightInSession(ctx context.Context, uid, sessionID, filamentID string, newWeight int) (*models.SessionFilament, error) {
	if err := requireUser(uid); err != nil {
		return nil, err
	}
	if newWeight < 0 {
		return nil, errors.Wrapf(models.ErrInvalidWeight, "weight %d is negative", newWeight)
	}
	if _, err := m.requireParticipant(ctx, uid, sessionID); err != nil {
		return nil, err
	}
	sf, err := m.getSessionFilament(ctx, sessionID, filamentID)
	if err != nil {
		return nil, err
	}
	if newWeight > sf.CurrentWeight {
		return nil, errors.Wrapf(models.ErrInvalidWeight, "weight %d exceeds remaining %d", newWeight, sf.CurrentWeight)
	}

	err = m.store.Update(ctx, models.SessionFilamentPath(sessionID, filamentID),
		map[string]interface{}{"current_weight": newWeight}, raft.IfVersion(sf.Version))
	if err != nil {
		return nil, models.StoreFailure("update weight", err)
	}

	metrics.FilamentGramsConsumed.Add(float64(sf.CurrentWeight - newWeight))
	return m.getSessionFilament(ctx, sessionID, filamentID)
}

// ListSessionFilaments returns the spools attached to a session, ordered by id
func (m *Manager) ListSessionFilaments(ctx context.Context, sessionID string) ([]*models.SessionFilament, error) {
	docs, err := m.store.List(ctx, models.SessionFilamentsCollection(sessionID))
	if err != nil {
		return nil, models.StoreFailure("list filaments", err)
	}
	filaments := make([]*models.SessionFilament, 0, len(docs))
	for _, doc := range docs {
		sf, err := decodeSessionFilament(doc)
		if err != nil {
			log.WithError(err).WithField("path", doc.Path).Warn("skipping unreadable session filament")
			continue
		}
		filaments = append(filaments, sf)
	}
	return filaments, nil
}

// LeaveSession removes uid from the session. The last participant deletes
// the session with everything below it. Otherwise ownership moves on if
// needed and the caller's spools are pulled out of the session. The caller's
// membership pointer is removed in both cases.
func (m *Manager) LeaveSession(ctx context.Context, uid, sessionID string) (*LeaveResult, error) {
	if err := requireUser(uid); err != nil {
		return nil, err
	}
	pointer := models.MembershipPath(uid, sessionID)
	logger := log.WithFields(log.Fields{"session_id": sessionID, "user_id": uid})

	session, err := m.GetSession(ctx, sessionID)
	if errors.Is(err, models.ErrSessionNotFound) {
		m.dropPointer(ctx, pointer)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(uid) {
		m.dropPointer(ctx, pointer)
		return nil, models.ErrNotMember
	}

	result := &LeaveResult{RemovedFilaments: []string{}}
	if len(session.Without(uid)) == 0 {
		err := m.store.Batch().
			DeleteTree(models.SessionPath(sessionID), raft.IfVersion(session.Version)).
			Delete(models.AccessCodePath(session.AccessCode)).
			Delete(pointer).
			Commit(ctx)
		if err != nil {
			return nil, models.StoreFailure("leave session", err)
		}
		result.Deleted = true
		metrics.SessionEvents.WithLabelValues("delete").Inc()
		logger.Info("last participant left, session deleted")
		return result, nil
	}

	owner, _ := session.NextOwner(uid)
	err = m.store.Batch().
		ArrayRemove(models.SessionPath(sessionID), "participants", []interface{}{uid}, raft.IfVersion(session.Version)).
		Update(models.SessionPath(sessionID), map[string]interface{}{
			"owner_id":   owner,
			"updated_at": m.timestamp(),
		}).
		Commit(ctx)
	if err != nil {
		return nil, models.StoreFailure("leave session", err)
	}
	if owner != session.OwnerID {
		result.NewOwner = owner
		metrics.SessionEvents.WithLabelValues("owner_change").Inc()
		logger.WithField("new_owner", owner).Info("session ownership transferred")
	}

	var merr *multierror.Error
	filaments, err := m.ListSessionFilaments(ctx, sessionID)
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	for _, sf := range filaments {
		if sf.OwnerID != uid {
			continue
		}
		if err := m.removeFilament(ctx, session, sf.FilamentID); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "remove %s", sf.FilamentID))
			continue
		}
		result.RemovedFilaments = append(result.RemovedFilaments, sf.FilamentID)
	}

	if err := m.store.Delete(ctx, pointer); err != nil {
		merr = multierror.Append(merr, err)
	}

	metrics.SessionEvents.WithLabelValues("leave").Inc()
	logger.WithField("removed_filaments", len(result.RemovedFilaments)).Info("user left session")
	if err := merr.ErrorOrNil(); err != nil {
		return result, models.StoreFailure("leave session", err)
	}
	return result, nil
}

func (m *Manager) dropPointer(ctx context.Context, pointer string) {
	if err := m.store.Delete(ctx, pointer); err != nil {
		log.WithError(err).WithField("path", pointer).Warn("failed to remove membership pointer")
	}
}

func (m *Manager) requireParticipant(ctx context.Context, uid, sessionID string) (*models.Session, error) {
	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(uid) {
		return nil, models.ErrNotMember
	}
	return session, nil
}

func (m *Manager) getSessionFilament(ctx context.Context, sessionID, filamentID string) (*models.SessionFilament, error) {
	doc, err := m.store.Get(ctx, models.SessionFilamentPath(sessionID, filamentID))
	if errors.Is(err, models.ErrNotFound) {
		return nil, errors.Wrapf(models.ErrFilamentNotFound, "%s", filamentID)
	}
	if err != nil {
		return nil, models.StoreFailure("get filament", err)
	}
	return decodeSessionFilament(doc)
}

func decodeSession(doc *models.Document) (*models.Session, error) {
	var s models.Session
	if err := doc.DataTo(&s); err != nil {
		return nil, err
	}
	s.ID = doc.ID()
	s.Version = doc.Version
	if s.Participants == nil {
		s.Participants = []string{}
	}
	if s.Filaments == nil {
		s.Filaments = []string{}
	}
	return &s, nil
}

func decodeSessionFilament(doc *models.Document) (*models.SessionFilament, error) {
	var sf models.SessionFilament
	if err := doc.DataTo(&sf); err != nil {
		return nil, err
	}
	sf.FilamentID = doc.ID()
	sf.Version = doc.Version
	return &sf, nil
}
