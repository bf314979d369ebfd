package soup

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
)

// RecorderOptions are the recorder subprocess knobs resolved from config.
type RecorderOptions struct {
	BinPath string
	// ListenIP is where the recorder subprocess listens for RTP.
	ListenIP string
	// Keyframe request cadence before and after the subprocess reports its
	// first progress.
	PreStartKeyframeInterval  time.Duration
	PostStartKeyframeInterval time.Duration
}

// recorder attaches to an existing producer through a dedicated plain-RTP
// transport and drives an external recording subprocess. It is not a
// transport-bound element; it lives outside the element registry's
// producer/consumer bookkeeping.
type recorder struct {
	id       domain.ElementID
	roomID   domain.RoomID
	path     string
	registry *routerRegistry
	router   *Router
	pool     *PortPool
	opts     RecorderOptions

	// Filled at negotiation time, used when the recording actually starts.
	sourceKind     domain.MediaType
	sourceProducer string
	format         string

	transport  *TransportSet
	consumerID string
	rtpPort    int
	rtcpPort   int
	cmd        *exec.Cmd

	startedOnce sync.Once
	started     chan struct{}
	stopOnce    sync.Once
	stopped     chan struct{}
}

func newRecorder(id domain.ElementID, roomID domain.RoomID, path string,
	registry *routerRegistry, router *Router, pool *PortPool, opts RecorderOptions) *recorder {
	if opts.PreStartKeyframeInterval <= 0 {
		opts.PreStartKeyframeInterval = 2 * time.Second
	}
	if opts.PostStartKeyframeInterval <= 0 {
		opts.PostStartKeyframeInterval = 10 * time.Second
	}
	return &recorder{
		id:       id,
		roomID:   roomID,
		path:     path,
		registry: registry,
		router:   router,
		pool:     pool,
		opts:     opts,
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// start allocates a port pair, consumes the producer over a plain transport
// aimed at those ports, and spawns the subprocess. Any failure rolls the
// ports back.
func (r *recorder) start(ctx context.Context, producerID, format string) error {
	rtpPort, rtcpPort, err := r.pool.Allocate()
	if err != nil {
		return err
	}
	r.rtpPort, r.rtcpPort = rtpPort, rtcpPort

	rollback := func() { r.pool.Release(r.rtpPort) }

	transport, err := newPlainTransport(ctx, r.registry, r.router, r.opts.ListenIP, false)
	if err != nil {
		rollback()
		return err
	}
	r.transport = transport
	transport.resume = func(consumerID string) {
		if _, err := r.registry.Request(context.Background(), r.router,
			"consumer.resume", consumerID, nil); err != nil {
			log.Warn().Str("module", "adapters.soup").Str("consumer", consumerID).
				Err(err).Msg("recorder consumer resume failed")
		}
	}

	consumerID := domain.NewID()
	if _, err := r.registry.Request(ctx, r.router, "transport.consume", transport.ID, map[string]any{
		"consumerId": consumerID,
		"producerId": producerID,
		"paused":     true,
	}); err != nil {
		transport.Close(ctx)
		rollback()
		return err
	}
	r.consumerID = consumerID
	transport.RegisterPausedConsumer(consumerID)

	if err := transport.ConnectPlain(ctx, r.opts.ListenIP, rtpPort, rtcpPort); err != nil {
		transport.Close(ctx)
		rollback()
		return err
	}

	cmd := exec.Command(r.opts.BinPath,
		"--rtp-port", fmt.Sprint(rtpPort),
		"--rtcp-port", fmt.Sprint(rtcpPort),
		"--format", format,
		"--output", r.path,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		transport.Close(ctx)
		rollback()
		return core.NewError(core.ErrConnectionError, err.Error())
	}
	if err := cmd.Start(); err != nil {
		transport.Close(ctx)
		rollback()
		return core.NewErrorf(core.ErrConnectionError, "recorder spawn failed: %v", err)
	}
	r.cmd = cmd

	// The recording counts as really started only once the subprocess
	// reports its first progress line.
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			r.startedOnce.Do(func() {
				close(r.started)
				log.Info().Str("module", "adapters.soup").Str("path", r.path).
					Msg("recording started")
			})
		}
	}()
	go r.keyframeLoop()
	return nil
}

// keyframeLoop keeps the encoded stream seekable: tight keyframe cadence
// while waiting for first progress, relaxed cadence afterwards.
func (r *recorder) keyframeLoop() {
	interval := r.opts.PreStartKeyframeInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			r.requestKeyframe()
			select {
			case <-r.started:
				interval = r.opts.PostStartKeyframeInterval
			default:
			}
			timer.Reset(interval)
		case <-r.stopped:
			return
		}
	}
}

func (r *recorder) requestKeyframe() {
	if _, err := r.registry.Request(context.Background(), r.router,
		"consumer.requestKeyFrame", r.consumerID, nil); err != nil {
		log.Debug().Str("module", "adapters.soup").Str("consumer", r.consumerID).
			Err(err).Msg("keyframe request failed")
	}
}

// stop tears everything down. Ports go back to the pool unconditionally,
// subprocess errors included.
func (r *recorder) stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		close(r.stopped)
		if r.cmd != nil && r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
			if err := r.cmd.Wait(); err != nil {
				log.Warn().Str("module", "adapters.soup").Str("path", r.path).
					Err(err).Msg("recorder subprocess exited with error")
			}
		}
		if r.transport != nil {
			r.transport.Close(ctx)
		}
		r.pool.Release(r.rtpPort)
	})
}
