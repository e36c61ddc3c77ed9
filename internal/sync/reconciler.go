// Package sync applies change events from the shared store to the
// in-memory state. Its one subtle job is echo suppression: our own
// writes come back through the subscription, and blindly applying them
// would trigger another persist and loop forever. An inbound record
// whose numeric value equals what we already hold is treated as an echo
// and dropped, whatever its history looks like.
package sync

import (
	"encoding/json"
	"log"

	"worksite/api/internal/remote"
	"worksite/api/internal/store"
)

type Reconciler struct {
	store  *store.Store
	notify func(key string)
}

// New builds a reconciler over st. notify is invoked with the identity
// key of every activity whose state actually changed; it may be nil.
func New(st *store.Store, notify func(key string)) *Reconciler {
	if notify == nil {
		notify = func(string) {}
	}
	return &Reconciler{store: st, notify: notify}
}

// Run consumes sub until its event channel closes.
func (r *Reconciler) Run(sub remote.Subscription) {
	for ev := range sub.Events() {
		r.Apply(ev)
	}
}

// Apply merges one change event into the store. Returns whether local
// state changed.
func (r *Reconciler) Apply(ev remote.ChangeEvent) bool {
	switch ev.Collection {
	case remote.CollectionProgress:
		return r.applyProgress(ev)
	case remote.CollectionUnits:
		return r.applyUnits(ev)
	default:
		log.Printf("ignore change event for unknown collection %q", ev.Collection)
		return false
	}
}

func (r *Reconciler) applyProgress(ev remote.ChangeEvent) bool {
	if ev.Type == remote.ChangeRemoved {
		if !r.store.DeleteProgress(ev.Key) {
			return false
		}
		r.notify(ev.Key)
		return true
	}

	var rec store.ProgressRecord
	if err := json.Unmarshal(ev.Payload, &rec); err != nil {
		log.Printf("drop malformed progress change for %q: %v", ev.Key, err)
		return false
	}
	if rec.Current == r.store.Progress(ev.Key) {
		return false
	}
	r.store.ApplyProgress(ev.Key, rec)
	r.notify(ev.Key)
	return true
}

func (r *Reconciler) applyUnits(ev remote.ChangeEvent) bool {
	if ev.Type == remote.ChangeRemoved {
		if !r.store.DeleteUnits(ev.Key) {
			return false
		}
		r.notify(ev.Key)
		return true
	}

	var uc store.UnitCount
	if err := json.Unmarshal(ev.Payload, &uc); err != nil {
		log.Printf("drop malformed unit change for %q: %v", ev.Key, err)
		return false
	}
	if uc.Completed == r.store.UnitsCompleted(ev.Key) {
		return false
	}
	r.store.ApplyUnits(ev.Key, uc)
	r.notify(ev.Key)
	return true
}
