package sessions

import (
	"context"
	"path"
	"reflect"

	log "github.com/sirupsen/logrus"

	"github.com/devadigapratham/spoolshare/api/models"
)

// WatchSession streams the session after every change. A nil value means the
// session was deleted, after which the channel is closed.
func (m *Manager) WatchSession(ctx context.Context, sessionID string) (<-chan *models.Session, error) {
	if _, err := m.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	sub, err := m.store.Subscribe(ctx, models.SessionPath(sessionID))
	if err != nil {
		return nil, models.StoreFailure("watch session", err)
	}

	out := make(chan *models.Session, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		for ev := range sub.Events() {
			var session *models.Session
			if ev.Exists() {
				s, err := decodeSession(ev.Doc)
				if err != nil {
					log.WithError(err).WithField("session_id", sessionID).Warn("skipping unreadable session update")
					continue
				}
				session = s
			}
			select {
			case out <- session:
			case <-ctx.Done():
				return
			}
			if session == nil {
				return
			}
		}
	}()
	return out, nil
}

// WatchSessions streams the full list of sessions uid belongs to, once now and
// again whenever a membership or one of those sessions changes.
func (m *Manager) WatchSessions(ctx context.Context, uid string) (<-chan []*models.Session, error) {
	if err := requireUser(uid); err != nil {
		return nil, err
	}
	memberships, err := m.store.SubscribeCollection(ctx, models.MembershipCollection(uid))
	if err != nil {
		return nil, models.StoreFailure("watch sessions", err)
	}
	sessions, err := m.store.SubscribeCollection(ctx, models.SessionsCollection)
	if err != nil {
		memberships.Close()
		return nil, models.StoreFailure("watch sessions", err)
	}

	out := make(chan []*models.Session, 1)
	go func() {
		defer close(out)
		defer memberships.Close()
		defer sessions.Close()

		var last []*models.Session
		tracked := map[string]bool{}
		emit := func() bool {
			list, err := m.GetUserSessions(ctx, uid)
			if err != nil {
				log.WithError(err).WithField("user_id", uid).Warn("failed to refresh sessions")
				return ctx.Err() == nil
			}
			if last != nil && reflect.DeepEqual(last, list) {
				return true
			}
			last = list
			tracked = make(map[string]bool, len(list))
			for _, s := range list {
				tracked[s.ID] = true
			}
			select {
			case out <- list:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			dirty := false
			select {
			case _, ok := <-memberships.Events():
				if !ok {
					return
				}
				dirty = true
			case ev, ok := <-sessions.Events():
				if !ok {
					return
				}
				dirty = tracked[path.Base(ev.Path)]
			case <-ctx.Done():
				return
			}
			if dirty && !emit() {
				return
			}
		}
	}()
	return out, nil
}
