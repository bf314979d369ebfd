package soup

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
)

// Router is one worker-side routing scope. Regular routers are shared by
// every element of their room on that worker; dedicated routers bypass reuse
// so codec overrides stay isolated.
type Router struct {
	ID        string
	Suffix    domain.RoomID
	Dedicated bool
	worker    *Worker
}

func routerID(prefix string, roomID domain.RoomID) string {
	return fmt.Sprintf("%s/roomId:%s", prefix, roomID)
}

// routerRegistry memoizes shared routers per room. Concurrent creations for
// the same room coalesce onto one in-flight request.
type routerRegistry struct {
	pool *WorkerPool

	mu      sync.Mutex
	byRoom  map[domain.RoomID]*Router
	routers map[string]*Router
	flight  singleflight.Group
}

func newRouterRegistry(pool *WorkerPool) *routerRegistry {
	return &routerRegistry{
		pool:    pool,
		byRoom:  make(map[domain.RoomID]*Router),
		routers: make(map[string]*Router),
	}
}

// GetOrCreate returns the room's shared router, creating it on the next
// round-robin worker on first use. Dedicated callers always get a fresh
// router under a random prefix.
func (r *routerRegistry) GetOrCreate(ctx context.Context, roomID domain.RoomID,
	dedicated bool, mediaCodecs []map[string]any) (*Router, error) {

	if dedicated {
		return r.create(ctx, domain.NewID()[:8], roomID, true, mediaCodecs)
	}
	r.mu.Lock()
	if router, ok := r.byRoom[roomID]; ok {
		r.mu.Unlock()
		return router, nil
	}
	r.mu.Unlock()

	v, err, _ := r.flight.Do(string(roomID), func() (any, error) {
		r.mu.Lock()
		if router, ok := r.byRoom[roomID]; ok {
			r.mu.Unlock()
			return router, nil
		}
		r.mu.Unlock()
		worker, err := r.pool.Next()
		if err != nil {
			return nil, err
		}
		router, err := r.createOn(ctx, worker, fmt.Sprint(worker.PID), roomID, false, mediaCodecs)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.byRoom[roomID] = router
		r.mu.Unlock()
		return router, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Router), nil
}

func (r *routerRegistry) create(ctx context.Context, prefix string, roomID domain.RoomID,
	dedicated bool, mediaCodecs []map[string]any) (*Router, error) {

	worker, err := r.pool.Next()
	if err != nil {
		return nil, err
	}
	return r.createOn(ctx, worker, prefix, roomID, dedicated, mediaCodecs)
}

func (r *routerRegistry) createOn(ctx context.Context, worker *Worker, prefix string,
	roomID domain.RoomID, dedicated bool, mediaCodecs []map[string]any) (*Router, error) {

	id := routerID(prefix, roomID)
	r.mu.Lock()
	if _, dup := r.routers[id]; dup {
		r.mu.Unlock()
		return nil, core.NewErrorf(core.ErrIDCollision, "duplicate router id %s", id)
	}
	r.mu.Unlock()

	if _, err := worker.Request(ctx, "worker.createRouter", id, map[string]any{
		"mediaCodecs": mediaCodecs,
	}); err != nil {
		return nil, err
	}
	router := &Router{ID: id, Suffix: roomID, Dedicated: dedicated, worker: worker}
	r.mu.Lock()
	r.routers[id] = router
	r.mu.Unlock()
	worker.routers.Add(1)
	log.Debug().Str("module", "adapters.soup").Str("router", id).
		Int("pid", worker.PID).Bool("dedicated", dedicated).Msg("router created")
	return router, nil
}

// ReleaseRoom closes every router whose suffix matches the now-empty room,
// dedicated ones included.
func (r *routerRegistry) ReleaseRoom(ctx context.Context, roomID domain.RoomID) {
	r.mu.Lock()
	var victims []*Router
	for id, router := range r.routers {
		if router.Suffix == roomID {
			victims = append(victims, router)
			delete(r.routers, id)
		}
	}
	delete(r.byRoom, roomID)
	r.mu.Unlock()

	for _, router := range victims {
		if _, err := router.worker.Request(ctx, "router.close", router.ID, nil); err != nil {
			log.Warn().Str("module", "adapters.soup").Str("router", router.ID).
				Err(err).Msg("router close failed")
		}
		router.worker.routers.Add(-1)
	}
}

func (r *routerRegistry) Request(ctx context.Context, router *Router, method, handlerID string, data any) ([]byte, error) {
	return router.worker.Request(ctx, method, handlerID, data)
}
