// Package checkpoint persists scan positions so an interrupted scan can
// resume after the last key it read.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/freeeve/collscan"
)

// State is a saved scan position.
type State struct {
	Collection string    `json:"collection"`
	LastKey    string    `json:"last_key"`
	Scanned    int       `json:"scanned"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store loads and saves named checkpoints.
type Store interface {
	// Load returns the named checkpoint. ok is false when none was saved.
	Load(ctx context.Context, name string) (st State, ok bool, err error)
	Save(ctx context.Context, name string, st State) error
}

// ErrCollectionMismatch is returned when resuming a checkpoint saved for a
// different collection.
var ErrCollectionMismatch = errors.New("checkpoint belongs to another collection")

func encode(st State) ([]byte, error) {
	return json.MarshalIndent(st, "", "  ")
}

func decode(name string, data []byte) (State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, errors.Wrapf(err, "checkpoint %q", name)
	}
	return st, nil
}

// Resume positions session after the saved key of the named checkpoint and
// returns the saved state. A missing checkpoint leaves the session as is.
func Resume(ctx context.Context, store Store, name string, session *collscan.Session) (State, error) {
	st, ok, err := store.Load(ctx, name)
	if err != nil || !ok {
		return State{}, err
	}
	if collection := session.Partitions().Collection; st.Collection != collection {
		return State{}, errors.Wrapf(ErrCollectionMismatch, "%q saved for %q, scanning %q", name, st.Collection, collection)
	}
	if st.LastKey != "" {
		if err := session.SetStartAfter(st.LastKey); err != nil {
			return State{}, err
		}
	}
	return st, nil
}

// Commit saves the session's position under name. base is the state
// returned by Resume; its scanned count carries over.
func Commit(ctx context.Context, store Store, name string, base State, session *collscan.Session) error {
	lastKey := session.LastKey()
	if lastKey == "" {
		lastKey = base.LastKey
	}
	return store.Save(ctx, name, State{
		Collection: session.Partitions().Collection,
		LastKey:    lastKey,
		Scanned:    base.Scanned + session.ScannedCount(),
		UpdatedAt:  time.Now().UTC(),
	})
}
