// Package entity translates entity ids between a backend's id space and the
// session-global id space the client sees.
package entity

import (
	"errors"

	"go.uber.org/zap"
)

var (
	// ErrUnknownEntity marks a reference to an id the proxy never saw spawned.
	// It is diagnostic only: the id passes through unchanged.
	ErrUnknownEntity = errors.New("unknown entity reference")

	// ErrNotFound is returned when removing an id that is not mapped
	ErrNotFound = errors.New("entity not found")
)

// Map is the identity map of one session. It is owned by the session's event
// loop and is not safe for concurrent use.
//
// Unique ids and runtime ids share one value space: both are stored as int64,
// runtime ids by bit pattern.
type Map struct {
	ownID    int64
	hasOwnID bool

	// selfID is the avatar id the current backend uses
	selfID int64

	counter       int64
	localToGlobal map[int64]int64
	globalToLocal map[int64]int64

	log *zap.Logger
}

// NewMap creates an empty identity map. log may be nil.
func NewMap(log *zap.Logger) *Map {
	if log == nil {
		log = zap.NewNop()
	}
	return &Map{
		counter:       1,
		localToGlobal: make(map[int64]int64),
		globalToLocal: make(map[int64]int64),
		log:           log,
	}
}

// OwnID returns the client's avatar id and whether it has been assigned
func (m *Map) OwnID() (int64, bool) {
	return m.ownID, m.hasOwnID
}

// SelfID returns the avatar id of the current backend
func (m *Map) SelfID() int64 {
	return m.selfID
}

// Switch installs a new current backend whose avatar id is selfID. The first
// call also fixes the client's own id for the rest of the session; later
// calls drop every mapping of the previous backend.
func (m *Map) Switch(selfID int64) {
	if !m.hasOwnID {
		m.ownID = selfID
		m.hasOwnID = true
	} else {
		clear(m.localToGlobal)
		clear(m.globalToLocal)
	}
	m.selfID = selfID
}

// AddEntity allocates a global id for a backend-local id
func (m *Map) AddEntity(local int64) int64 {
	if g, ok := m.localToGlobal[local]; ok {
		return g
	}
	g := m.next()
	m.localToGlobal[local] = g
	m.globalToLocal[g] = local
	return g
}

func (m *Map) next() int64 {
	for {
		g := m.counter
		m.counter++
		if g == 0 || (m.hasOwnID && g == m.ownID) {
			continue
		}
		if _, taken := m.globalToLocal[g]; taken {
			continue
		}
		return g
	}
}

// ToClient maps a backend-local id to the id the client knows
func (m *Map) ToClient(id int64) int64 {
	if m.hasOwnID && id == m.selfID {
		return m.ownID
	}
	if g, ok := m.localToGlobal[id]; ok {
		return g
	}
	m.log.Debug("Passing through unmapped entity id",
		zap.Int64("entity_id", id),
		zap.String("direction", "clientbound"),
		zap.Error(ErrUnknownEntity))
	return id
}

// ToServer maps a client id back to the current backend's id. Unmapped ids,
// including sentinels such as 0, pass through unchanged.
func (m *Map) ToServer(id int64) int64 {
	if m.hasOwnID && id == m.ownID {
		return m.selfID
	}
	if l, ok := m.globalToLocal[id]; ok {
		return l
	}
	return id
}

// RemoveEntity deletes both directions of a mapping and returns the global
// id it had.
func (m *Map) RemoveEntity(local int64) (int64, error) {
	g, ok := m.localToGlobal[local]
	if !ok {
		m.log.Debug("Ignoring removal of unmapped entity", zap.Int64("entity_id", local))
		return 0, ErrNotFound
	}
	delete(m.localToGlobal, local)
	delete(m.globalToLocal, g)
	return g, nil
}

// Len returns the number of mapped entities
func (m *Map) Len() int {
	return len(m.localToGlobal)
}
