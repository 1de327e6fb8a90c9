package core

import (
	"context"
	"maps"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// roomSet maps connection ID to connection. A stored roomSet is never
// mutated; Add and Remove swap in a modified copy.
type roomSet map[string]Conn

// Registry tracks the live connections of each room.
//
// Mutations of one room are serialized by the map's per-bucket locking and
// never block other rooms. Broadcast loads the current immutable set, so it
// sees either the set before or after a concurrent Add/Remove, never a mix.
type Registry struct {
	rooms       *xsync.MapOf[int64, roomSet]
	log         *zerolog.Logger
	obs         Observer
	sendTimeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryObserver reports deliveries and send failures to obs.
func WithRegistryObserver(obs Observer) RegistryOption {
	return func(r *Registry) { r.obs = observerOrNop(obs) }
}

// WithSendTimeout bounds each broadcast send. Zero disables the bound.
func WithSendTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.sendTimeout = d }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zerolog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		rooms: xsync.NewMapOf[int64, roomSet](),
		log:   loggerOrNop(logger),
		obs:   nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers conn under roomID, creating the room on first use.
// Adding a connection that is already present is a no-op.
func (r *Registry) Add(roomID int64, conn Conn) {
	id := conn.ID()
	r.rooms.Compute(roomID, func(old roomSet, _ bool) (roomSet, bool) {
		if _, ok := old[id]; ok {
			return old, false
		}
		next := make(roomSet, len(old)+1)
		maps.Copy(next, old)
		next[id] = conn
		return next, false
	})
	r.log.Debug().Int64("room_id", roomID).Str("conn_id", id).Msg("registry add")
}

// Remove unregisters conn from roomID and drops the room once empty.
// Unknown rooms or connections are ignored.
func (r *Registry) Remove(roomID int64, conn Conn) {
	id := conn.ID()
	r.rooms.Compute(roomID, func(old roomSet, loaded bool) (roomSet, bool) {
		if !loaded {
			return old, true
		}
		if _, ok := old[id]; !ok {
			return old, false
		}
		if len(old) == 1 {
			return nil, true
		}
		next := make(roomSet, len(old)-1)
		for k, v := range old {
			if k != id {
				next[k] = v
			}
		}
		return next, false
	})
	r.log.Debug().Int64("room_id", roomID).Str("conn_id", id).Msg("registry remove")
}

// Broadcast sends payload to every open connection of roomID. Closed
// connections are skipped and send failures are logged; neither stops
// delivery to the rest of the room.
func (r *Registry) Broadcast(ctx context.Context, roomID int64, payload []byte) {
	set, ok := r.rooms.Load(roomID)
	if !ok {
		r.obs.Delivered(roomID, 0)
		return
	}

	delivered := 0
	for id, conn := range set {
		if !conn.Open() {
			r.log.Debug().Int64("room_id", roomID).Str("conn_id", id).Msg("skip closed connection")
			continue
		}
		if err := sendWithin(ctx, conn, payload, r.sendTimeout); err != nil {
			report(r.log, r.obs, &RelayError{Kind: FailureSend, RoomID: roomID, ConnID: id, Err: err}, "broadcast send failed")
			continue
		}
		delivered++
	}
	r.obs.Delivered(roomID, delivered)
}

// Len returns the number of connections registered under roomID.
func (r *Registry) Len(roomID int64) int {
	set, _ := r.rooms.Load(roomID)
	return len(set)
}

// Rooms returns the number of rooms with at least one connection.
func (r *Registry) Rooms() int {
	return r.rooms.Size()
}

// Connections returns the number of registered connections across rooms.
func (r *Registry) Connections() int {
	total := 0
	r.rooms.Range(func(_ int64, set roomSet) bool {
		total += len(set)
		return true
	})
	return total
}
