package mqtt

import (
	"testing"
	"time"

	"accessory-gateway/common/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ConnectUnreachableBroker(t *testing.T) {
	c := NewClient(&config.MQTTConfig{
		Broker:         "tcp://127.0.0.1:1",
		ClientID:       "gateway-test",
		ConnectTimeout: 500 * time.Millisecond,
	}, Options{
		Will: &Will{Topic: "vehicle/gateway/status", Payload: []byte(`{"status":"offline"}`), QoS: 1, Retained: true},
	})

	err := c.Connect()
	require.Error(t, err)
	assert.False(t, c.IsConnected())
}
