package soup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
)

// workerStartTimeout bounds the wait for a spawned process to report itself
// running on the control channel.
const workerStartTimeout = 15 * time.Second

// Worker is one media worker subprocess. The control channel rides on fds 3
// (worker reads) and 4 (worker writes).
type Worker struct {
	PID     int
	cmd     *exec.Cmd
	channel *channel

	ready chan struct{}
	died  chan struct{}

	// routers counts live routers for round-robin visibility in logs.
	routers atomic.Int32

	closeOnce sync.Once
}

func startWorker(ctx context.Context, binPath string, args []string, onNotification func(channelNotification)) (*Worker, error) {
	// worker reads requests on fd 3, writes responses on fd 4.
	reqRead, reqWrite, err := os.Pipe()
	if err != nil {
		return nil, core.NewError(core.ErrConnectionError, err.Error())
	}
	respRead, respWrite, err := os.Pipe()
	if err != nil {
		reqRead.Close()
		reqWrite.Close()
		return nil, core.NewError(core.ErrConnectionError, err.Error())
	}

	cmd := exec.CommandContext(ctx, binPath, args...)
	cmd.ExtraFiles = []*os.File{reqRead, respWrite}
	cmd.Env = append(os.Environ(), "MEDIASOUP_VERSION=3")
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		reqRead.Close()
		reqWrite.Close()
		respRead.Close()
		respWrite.Close()
		return nil, core.NewErrorf(core.ErrConnectionError, "worker spawn failed: %v", err)
	}
	// Parent side keeps the other ends.
	reqRead.Close()
	respWrite.Close()

	w := &Worker{
		PID:     cmd.Process.Pid,
		cmd:     cmd,
		channel: newChannel(respRead, reqWrite),
		ready:   make(chan struct{}),
		died:    make(chan struct{}),
	}
	pid := strconv.Itoa(w.PID)
	var readyOnce sync.Once
	w.channel.OnNotification(func(n channelNotification) {
		if n.TargetID == pid && n.Event == "running" {
			readyOnce.Do(func() { close(w.ready) })
			return
		}
		if onNotification != nil {
			onNotification(n)
		}
	})
	w.channel.Start()

	go func() {
		err := cmd.Wait()
		close(w.died)
		if err != nil && ctx.Err() == nil {
			log.Error().Str("module", "adapters.soup").Int("pid", w.PID).
				Err(err).Msg("worker process died")
		}
	}()
	return w, nil
}

// WaitReady blocks until the process reports running. Spawning is not
// considered done before this; there is no grace sleep, the signal is
// explicit.
func (w *Worker) WaitReady(ctx context.Context) error {
	timer := time.NewTimer(workerStartTimeout)
	defer timer.Stop()
	select {
	case <-w.ready:
		return nil
	case <-w.died:
		return core.NewErrorf(core.ErrConnectionError, "worker %d died before running", w.PID)
	case <-timer.C:
		return core.NewErrorf(core.ErrRequestTimeout, "worker %d start timed out", w.PID)
	case <-ctx.Done():
		return core.Normalize(ctx.Err())
	}
}

func (w *Worker) Request(ctx context.Context, method, handlerID string, data any) ([]byte, error) {
	return w.channel.Request(ctx, method, handlerID, data)
}

func (w *Worker) Died() <-chan struct{} { return w.died }

func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	})
}

// WorkerPool owns the worker processes and deals them out round-robin for
// new routers.
type WorkerPool struct {
	workers []*Worker
	next    atomic.Uint64
}

// PoolSize resolves the configured worker count; "auto" or zero means one
// per CPU core.
func PoolSize(configured int) int {
	if configured <= 0 {
		return runtime.NumCPU()
	}
	return configured
}

func NewWorkerPool(ctx context.Context, count int, binPath, logLevel string,
	onNotification func(channelNotification)) (*WorkerPool, error) {

	if binPath == "" {
		return nil, core.NewError(core.ErrConnectionError, "worker binary path is empty")
	}
	pool := &WorkerPool{}
	args := []string{
		fmt.Sprintf("--logLevel=%s", logLevel),
	}
	for i := 0; i < count; i++ {
		w, err := startWorker(ctx, binPath, args, onNotification)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := w.WaitReady(ctx); err != nil {
			w.Close()
			pool.Close()
			return nil, err
		}
		pool.workers = append(pool.workers, w)
		log.Info().Str("module", "adapters.soup").Int("pid", w.PID).Msg("worker running")
	}
	return pool, nil
}

// Next returns the next worker round-robin.
func (p *WorkerPool) Next() (*Worker, error) {
	if len(p.workers) == 0 {
		return nil, core.NewError(core.ErrMediaServerOffline, "no workers available")
	}
	idx := p.next.Add(1)
	return p.workers[int(idx)%len(p.workers)], nil
}

func (p *WorkerPool) Size() int { return len(p.workers) }

func (p *WorkerPool) Close() {
	for _, w := range p.workers {
		w.Close()
	}
}
