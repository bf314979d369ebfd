package soup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
	"github.com/mconf/mcs-core/internal/metrics"
)

func newTestElement(t *testing.T, split bool) (*mediaElement, *requestLog, *core.EventBus) {
	t.Helper()
	worker, logbook := startStubWorker(t, 301, nil)
	reg := newRouterRegistry(&WorkerPool{workers: []*Worker{worker}})
	router, err := reg.GetOrCreate(context.Background(), "room-1", false, nil)
	require.NoError(t, err)
	bus := core.NewEventBus()
	el := newElement(domain.ElementID("el-1"), "room-1", domain.SessionTypeWebRTC,
		router, reg, bus, split)
	return el, logbook, bus
}

func TestInferMode(t *testing.T) {
	assert.Equal(t, modeProducerOnly, inferMode(domain.DirectionSendOnly, false))
	assert.Equal(t, modeConsumerOnly, inferMode(domain.DirectionRecvOnly, true))
	assert.Equal(t, modeBidirectional, inferMode(domain.DirectionSendRecv, true))
	// Nothing to receive without an upstream producer.
	assert.Equal(t, modeProducerOnly, inferMode(domain.DirectionSendRecv, false))
}

func TestElementSharesOneTransportAcrossKinds(t *testing.T) {
	el, logbook, _ := newTestElement(t, false)

	audio, err := el.transportFor(context.Background(), domain.MediaTypeAudio, "127.0.0.1", "")
	require.NoError(t, err)
	video, err := el.transportFor(context.Background(), domain.MediaTypeVideo, "127.0.0.1", "")
	require.NoError(t, err)

	assert.Same(t, audio, video)
	assert.Equal(t, 1, logbook.count("router.createWebRtcTransport"))
}

func TestElementSplitTransportPerKind(t *testing.T) {
	el, logbook, _ := newTestElement(t, true)

	audio, err := el.transportFor(context.Background(), domain.MediaTypeAudio, "127.0.0.1", "")
	require.NoError(t, err)
	video, err := el.transportFor(context.Background(), domain.MediaTypeVideo, "127.0.0.1", "")
	require.NoError(t, err)

	assert.NotSame(t, audio, video)
	assert.Equal(t, 2, logbook.count("router.createWebRtcTransport"))
}

func TestElementProducesOncePerKind(t *testing.T) {
	el, logbook, _ := newTestElement(t, false)
	transport, err := el.transportFor(context.Background(), domain.MediaTypeAudio, "127.0.0.1", "")
	require.NoError(t, err)

	first, err := el.produce(context.Background(), domain.MediaTypeAudio, transport, nil)
	require.NoError(t, err)
	second, err := el.produce(context.Background(), domain.MediaTypeAudio, transport, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, logbook.count("transport.produce"))

	id, ok := el.producerID(domain.MediaTypeAudio)
	assert.True(t, ok)
	assert.Equal(t, first, id)
	_, ok = el.producerID(domain.MediaTypeVideo)
	assert.False(t, ok)
}

func TestElementConsumesOncePerKind(t *testing.T) {
	el, logbook, _ := newTestElement(t, false)
	transport, err := el.transportFor(context.Background(), domain.MediaTypeAudio, "127.0.0.1", "")
	require.NoError(t, err)

	first, err := el.consume(context.Background(), domain.MediaTypeAudio, transport, "producer-1")
	require.NoError(t, err)
	second, err := el.consume(context.Background(), domain.MediaTypeAudio, transport, "producer-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, logbook.count("transport.consume"))
}

func TestConsumerStaysPausedUntilTransportFlows(t *testing.T) {
	el, logbook, _ := newTestElement(t, false)
	transport, err := el.transportFor(context.Background(), domain.MediaTypeAudio, "127.0.0.1", "")
	require.NoError(t, err)

	consumerID, err := el.consume(context.Background(), domain.MediaTypeAudio, transport, "producer-1")
	require.NoError(t, err)
	assert.Equal(t, 0, logbook.count("consumer.resume"))

	transport.HandleNotification("icestatechange", []byte(`{"iceState":"completed"}`))

	// The resume request is issued off the notification path.
	require.Eventually(t, func() bool {
		return logbook.count("consumer.resume") == 1
	}, 2*time.Second, 10*time.Millisecond)
	resumed := logbook.handlers("consumer.resume")
	assert.Equal(t, []string{consumerID}, resumed)

	// A consumer arriving after the transport flows resumes immediately.
	late, err := el.consume(context.Background(), domain.MediaTypeVideo, transport, "producer-2")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return logbook.count("consumer.resume") == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, logbook.handlers("consumer.resume"), late)
}

func TestTransportFlowsExactlyOnce(t *testing.T) {
	var flowed int
	transport := &TransportSet{ID: "t-1"}
	transport.onFlowing = func() { flowed++ }

	transport.HandleNotification("icestatechange", []byte(`{"iceState":"completed"}`))
	transport.HandleNotification("icestatechange", []byte(`{"iceState":"completed"}`))
	transport.HandleNotification("tuple", nil)

	assert.Equal(t, 1, flowed)
	assert.True(t, transport.Connected())
}

func TestTransportFailureIsTerminal(t *testing.T) {
	var failures []string
	var mu sync.Mutex
	transport := &TransportSet{ID: "t-1"}
	transport.onFailure = func(state string) {
		mu.Lock()
		failures = append(failures, state)
		mu.Unlock()
	}
	transport.onFlowing = func() { t.Fatal("failed transport must not flow") }

	counter := metrics.TransportFailures.WithLabelValues(AdapterName)
	before := testutil.ToFloat64(counter)

	transport.HandleNotification("dtlsstatechange", []byte(`{"dtlsState":"failed"}`))
	transport.HandleNotification("dtlsstatechange", []byte(`{"dtlsState":"failed"}`))
	transport.HandleNotification("icestatechange", []byte(`{"iceState":"completed"}`))

	assert.True(t, transport.Failed())
	assert.False(t, transport.Connected())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"dtls failed"}, failures)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestDropConsumer(t *testing.T) {
	el, logbook, _ := newTestElement(t, false)
	transport, err := el.transportFor(context.Background(), domain.MediaTypeAudio, "127.0.0.1", "")
	require.NoError(t, err)

	_, err = el.consume(context.Background(), domain.MediaTypeAudio, transport, "producer-1")
	require.NoError(t, err)

	el.dropConsumer(context.Background(), domain.MediaTypeAudio)
	assert.Equal(t, 1, logbook.count("consumer.close"))
	_, ok := el.consumerID(domain.MediaTypeAudio)
	assert.False(t, ok)

	// Dropping an absent consumer is silent.
	el.dropConsumer(context.Background(), domain.MediaTypeAudio)
	assert.Equal(t, 1, logbook.count("consumer.close"))
}

func TestElementCloseIsIdempotent(t *testing.T) {
	el, logbook, _ := newTestElement(t, true)
	_, err := el.transportFor(context.Background(), domain.MediaTypeAudio, "127.0.0.1", "")
	require.NoError(t, err)
	_, err = el.transportFor(context.Background(), domain.MediaTypeVideo, "127.0.0.1", "")
	require.NoError(t, err)

	el.close(context.Background())
	el.close(context.Background())
	assert.Equal(t, 2, logbook.count("transport.close"))
}
