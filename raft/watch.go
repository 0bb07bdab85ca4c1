package raft

import (
	"sort"
	"strings"

	"github.com/devadigapratham/spoolshare/api/models"
)

// watcherBuffer bounds the events queued for one subscriber. When it is full
// the oldest event is dropped: subscribers care about the latest state.
const watcherBuffer = 64

// Event is one committed change to a watched document. Doc is nil when the
// document was deleted.
type Event struct {
	Path string
	Doc  *models.Document
}

// Exists reports whether the event carries a live document
func (e Event) Exists() bool {
	return e.Doc != nil
}

type watcher struct {
	path       string
	collection bool
	ch         chan Event
}

func (w *watcher) matches(p string) bool {
	if w.collection {
		return models.Collection(p) == w.path
	}
	return p == w.path
}

// send never blocks: the FSM lock is held while notifying.
func (w *watcher) send(ev Event) {
	for {
		select {
		case w.ch <- ev:
			return
		default:
		}
		select {
		case <-w.ch:
		default:
		}
	}
}

// watch registers a watcher and returns the current matching documents
// together with it, atomically with respect to writes.
func (f *FSM) watch(p string, collection bool) (uint64, *watcher, []*models.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &watcher{path: p, collection: collection, ch: make(chan Event, watcherBuffer)}
	f.watcherID++
	id := f.watcherID
	f.watchers[id] = w

	var initial []*models.Document
	if collection {
		for docPath, doc := range f.documents {
			if models.Collection(docPath) == p {
				initial = append(initial, doc.Clone())
			}
		}
		sort.Slice(initial, func(i, j int) bool { return initial[i].Path < initial[j].Path })
	} else if doc, ok := f.documents[p]; ok {
		initial = append(initial, doc.Clone())
	}
	return id, w, initial
}

func (f *FSM) unwatch(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if w, ok := f.watchers[id]; ok {
		delete(f.watchers, id)
		close(w.ch)
	}
}

// notify must be called with f.mu held.
func (f *FSM) notify(p string, doc *models.Document) {
	for _, w := range f.watchers {
		if w.matches(p) {
			w.send(Event{Path: p, Doc: doc.Clone()})
		}
	}
}

// isUnder reports whether p is root or a descendant of it
func isUnder(p, root string) bool {
	return p == root || strings.HasPrefix(p, root+"/")
}
