package reporter

import (
	"sync"
	"testing"

	"accessory-gateway/internal/metrics"
	"accessory-gateway/internal/protocol"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic  string
	env    protocol.Envelope
	retain bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) PublishEnvelope(topic string, env protocol.Envelope, retain bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, env: env, retain: retain})
	return true
}

func TestDefaultSeverity(t *testing.T) {
	expected := map[ErrorCode]Severity{
		CodeCommandFailed:    SeverityMedium,
		CodeInvalidPayload:   SeverityMedium,
		CodeTimeout:          SeverityHigh,
		CodeUnauthorized:     SeverityHigh,
		CodeDeviceBusy:       SeverityMedium,
		CodeHardwareFault:    SeverityCritical,
		CodeNetworkError:     SeverityHigh,
		CodeProtocolMismatch: SeverityHigh,
	}
	for code, severity := range expected {
		assert.Equal(t, severity, DefaultSeverity(code), string(code))
	}
}

func TestPublishError_BuildsEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	m := metrics.NewMetrics()
	r := NewReporter(pub, protocol.NewTopics("vehicle"), "gw-1", zap.NewNop(), m)

	ok := r.PublishError(CodeDeviceBusy, "rate limit exceeded", "board-1", map[string]interface{}{"topic": "x"})
	require.True(t, ok)
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "vehicle/errors/board-1/device_busy", msg.topic)
	assert.False(t, msg.retain)
	assert.Equal(t, protocol.MessageTypeError, msg.env.MessageType)
	assert.Equal(t, "gw-1", msg.env.UUID)
	assert.Equal(t, "DEVICE_BUSY", msg.env.Fields["error_code"])
	assert.Equal(t, "medium", msg.env.Fields["severity"])
	assert.Equal(t, SourceGateway, msg.env.Fields["source"])
	assert.Equal(t, uint64(1), msg.env.Fields["error_count"])
	assert.Equal(t, "board-1", msg.env.Fields["device_uuid"])

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ErrorsPublished.WithLabelValues("DEVICE_BUSY", "medium")))
}

func TestPublishError_GatewayTopicAndCounter(t *testing.T) {
	pub := &fakePublisher{}
	r := NewReporter(pub, protocol.NewTopics("vehicle"), "gw-1", zap.NewNop(), metrics.NewMetrics())

	r.PublishError(CodeHardwareFault, "winch overcurrent", "", nil)
	r.PublishError(CodeTimeout, "no response", "", nil)

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "vehicle/errors/gateway/hardware_fault", pub.msgs[0].topic)
	assert.Equal(t, "critical", pub.msgs[0].env.Fields["severity"])
	assert.Equal(t, uint64(2), pub.msgs[1].env.Fields["error_count"])
	assert.Equal(t, uint64(2), r.Count())
}

func TestIsGatewayOriginated(t *testing.T) {
	assert.True(t, IsGatewayOriginated(map[string]interface{}{"source": "gateway"}))
	assert.False(t, IsGatewayOriginated(map[string]interface{}{"source": "board-1"}))
	assert.False(t, IsGatewayOriginated(map[string]interface{}{}))
}
