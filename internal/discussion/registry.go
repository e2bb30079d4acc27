package discussion

import (
	"context"
	"fmt"
	"sync"
)

type roomKey struct {
	courseID  int64
	archiveID int64
}

// Registry keeps at most one open room per discussion thread.
type Registry struct {
	deps Deps

	mu    sync.Mutex
	rooms map[roomKey]*Room
	gen   uint64
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps, rooms: make(map[roomKey]*Room)}
}

// Open returns the live room for the thread, dialing a new one if needed. The
// dial runs without the registry lock; a CloseAll that lands meanwhile wins
// and the fresh room is discarded.
func (g *Registry) Open(ctx context.Context, courseID, archiveID int64) (*Room, error) {
	key := roomKey{courseID, archiveID}

	g.mu.Lock()
	if r, ok := g.rooms[key]; ok && r.Open() {
		g.mu.Unlock()
		return r, nil
	}
	gen := g.gen
	g.mu.Unlock()

	r := newRoom(courseID, archiveID, g.deps)
	if err := r.open(ctx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.gen != gen {
		g.mu.Unlock()
		r.Close()
		return nil, fmt.Errorf("open discussion %d/%d: %w", courseID, archiveID, ErrRoomClosed)
	}
	if existing, ok := g.rooms[key]; ok && existing.Open() {
		g.mu.Unlock()
		r.Close()
		return existing, nil
	}
	g.rooms[key] = r
	g.mu.Unlock()
	return r, nil
}

func (g *Registry) Get(courseID, archiveID int64) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomKey{courseID, archiveID}]
	return r, ok
}

func (g *Registry) Close(courseID, archiveID int64) {
	key := roomKey{courseID, archiveID}
	g.mu.Lock()
	r, ok := g.rooms[key]
	delete(g.rooms, key)
	g.mu.Unlock()
	if ok {
		r.Close()
	}
}

// CloseAll tears down every room, e.g. when the session lost authentication.
func (g *Registry) CloseAll() int {
	g.mu.Lock()
	rooms := g.rooms
	g.rooms = make(map[roomKey]*Room)
	g.gen++
	g.mu.Unlock()
	for _, r := range rooms {
		r.Close()
	}
	return len(rooms)
}
