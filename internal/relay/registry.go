package relay

import (
	"errors"

	"github.com/google/uuid"
)

// ConnID identifies one signaling connection. An ID is never handed out while
// its connection is registered, nor again after it disconnects as long as it
// is among the last retiredIDLimit IDs removed.
type ConnID string

// Connection is a snapshot of a registered connection.
type Connection struct {
	ID       ConnID
	Identity string
	// Room is the room the connection is a member of, or "" if none.
	Room string
}

type connEntry struct {
	Connection
	channel Channel
}

func newConnID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// retiredIDLimit bounds how many disconnected IDs the registry remembers.
const retiredIDLimit = 4096

// registry maps connection ids to live connections. It is not safe for
// concurrent use; Relay serializes access.
type registry struct {
	newID func() (string, error)
	conns map[ConnID]*connEntry

	// retired holds recently removed ids; retiredRing evicts the oldest.
	retired     map[ConnID]struct{}
	retiredRing []ConnID
	retiredNext int
}

func newRegistry(newID func() (string, error)) registry {
	if newID == nil {
		newID = newConnID
	}
	return registry{
		newID:   newID,
		conns:   make(map[ConnID]*connEntry),
		retired: make(map[ConnID]struct{}),
	}
}

var errIDExhausted = errors.New("failed to allocate unique connection id")

func (r *registry) register(identity string, ch Channel) (*connEntry, error) {
	for attempt := 0; attempt < 3; attempt++ {
		raw, err := r.newID()
		if err != nil {
			return nil, err
		}
		id := ConnID(raw)
		if id == "" {
			continue
		}
		if _, inUse := r.conns[id]; inUse {
			continue
		}
		if _, used := r.retired[id]; used {
			continue
		}
		e := &connEntry{
			Connection: Connection{ID: id, Identity: identity},
			channel:    ch,
		}
		r.conns[id] = e
		return e, nil
	}
	return nil, errIDExhausted
}

func (r *registry) lookup(id ConnID) (*connEntry, bool) {
	e, ok := r.conns[id]
	return e, ok
}

func (r *registry) remove(id ConnID) (*connEntry, bool) {
	e, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		r.retire(id)
	}
	return e, ok
}

func (r *registry) retire(id ConnID) {
	if len(r.retiredRing) < retiredIDLimit {
		r.retiredRing = append(r.retiredRing, id)
	} else {
		delete(r.retired, r.retiredRing[r.retiredNext])
		r.retiredRing[r.retiredNext] = id
		r.retiredNext = (r.retiredNext + 1) % retiredIDLimit
	}
	r.retired[id] = struct{}{}
}

func (r *registry) len() int { return len(r.conns) }
