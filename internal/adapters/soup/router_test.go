package soup

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requestLog records every request a stub worker served.
type requestLog struct {
	mu   sync.Mutex
	reqs []channelRequest
}

func (l *requestLog) add(req channelRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, req)
}

func (l *requestLog) count(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.reqs {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (l *requestLog) handlers(method string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, r := range l.reqs {
		if r.Method == method {
			out = append(out, r.HandlerID)
		}
	}
	return out
}

// startStubWorker builds a Worker whose channel talks to an in-process
// auto-responder instead of a subprocess. respond may delay or shape the
// response data per request; nil accepts everything with empty data.
func startStubWorker(t *testing.T, pid int, respond func(req channelRequest) any) (*Worker, *requestLog) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ch := newChannel(inR, outW)
	ch.Start()

	logbook := &requestLog{}
	go func() {
		defer inW.Close()
		r := bufio.NewReader(outR)
		for {
			payload, err := readNetstring(r)
			if err != nil {
				return
			}
			var req channelRequest
			if json.Unmarshal(payload, &req) != nil {
				continue
			}
			logbook.add(req)
			var data any = map[string]any{}
			if respond != nil {
				data = respond(req)
			}
			resp, _ := json.Marshal(map[string]any{"id": req.ID, "accepted": true, "data": data})
			_, _ = fmt.Fprintf(inW, "%d:%s,", len(resp), resp)
		}
	}()
	t.Cleanup(func() {
		outW.Close()
	})

	ready := make(chan struct{})
	close(ready)
	return &Worker{PID: pid, channel: ch, ready: ready, died: make(chan struct{})}, logbook
}

func TestRouterRegistryCoalescesPerRoom(t *testing.T) {
	worker, logbook := startStubWorker(t, 101, func(req channelRequest) any {
		if req.Method == "worker.createRouter" {
			time.Sleep(20 * time.Millisecond)
		}
		return map[string]any{}
	})
	reg := newRouterRegistry(&WorkerPool{workers: []*Worker{worker}})

	const callers = 6
	routers := make(chan *Router, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := reg.GetOrCreate(context.Background(), "room-1", false, nil)
			require.NoError(t, err)
			routers <- r
		}()
	}
	wg.Wait()
	close(routers)

	first := <-routers
	for r := range routers {
		assert.Same(t, first, r)
	}
	assert.Equal(t, 1, logbook.count("worker.createRouter"))
	assert.Equal(t, "101/roomId:room-1", first.ID)
}

func TestDedicatedRouterBypassesReuse(t *testing.T) {
	worker, logbook := startStubWorker(t, 102, nil)
	reg := newRouterRegistry(&WorkerPool{workers: []*Worker{worker}})

	shared, err := reg.GetOrCreate(context.Background(), "room-1", false, nil)
	require.NoError(t, err)
	assert.False(t, shared.Dedicated)

	dedicated, err := reg.GetOrCreate(context.Background(), "room-1", true, nil)
	require.NoError(t, err)
	assert.True(t, dedicated.Dedicated)
	assert.NotEqual(t, shared.ID, dedicated.ID)

	again, err := reg.GetOrCreate(context.Background(), "room-1", false, nil)
	require.NoError(t, err)
	assert.Same(t, shared, again)

	assert.Equal(t, 2, logbook.count("worker.createRouter"))
}

func TestReleaseRoomClosesRouters(t *testing.T) {
	worker, logbook := startStubWorker(t, 103, nil)
	reg := newRouterRegistry(&WorkerPool{workers: []*Worker{worker}})

	_, err := reg.GetOrCreate(context.Background(), "room-1", false, nil)
	require.NoError(t, err)
	_, err = reg.GetOrCreate(context.Background(), "room-1", true, nil)
	require.NoError(t, err)
	other, err := reg.GetOrCreate(context.Background(), "room-2", false, nil)
	require.NoError(t, err)

	reg.ReleaseRoom(context.Background(), "room-1")
	assert.Equal(t, 2, logbook.count("router.close"))

	// The surviving room keeps its router; the released one starts over.
	stillThere, err := reg.GetOrCreate(context.Background(), "room-2", false, nil)
	require.NoError(t, err)
	assert.Same(t, other, stillThere)
	_, err = reg.GetOrCreate(context.Background(), "room-1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, logbook.count("worker.createRouter"))
}

func TestRouterCreationRoundRobinsWorkers(t *testing.T) {
	workerA, logA := startStubWorker(t, 201, nil)
	workerB, logB := startStubWorker(t, 202, nil)
	reg := newRouterRegistry(&WorkerPool{workers: []*Worker{workerA, workerB}})

	_, err := reg.GetOrCreate(context.Background(), "room-1", false, nil)
	require.NoError(t, err)
	_, err = reg.GetOrCreate(context.Background(), "room-2", false, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, logA.count("worker.createRouter"))
	assert.Equal(t, 1, logB.count("worker.createRouter"))
}

func TestRouterCreationOnEmptyPool(t *testing.T) {
	reg := newRouterRegistry(&WorkerPool{})
	_, err := reg.GetOrCreate(context.Background(), "room-1", false, nil)
	require.Error(t, err)
}
