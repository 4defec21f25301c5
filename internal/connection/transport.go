package connection

import (
	"accessory-gateway/common/config"
	mqttcommon "accessory-gateway/common/mqtt"
)

// Transport 底层 pub/sub 会话
type Transport interface {
	Connect() error
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
	IsConnected() bool
}

// Hooks 创建传输层时注入的遗嘱与断线回调
type Hooks struct {
	Will             *mqttcommon.Will
	OnConnectionLost func(err error)
}

// TransportFactory 传输层工厂
type TransportFactory func(hooks Hooks) Transport

// MQTTTransportFactory 基于 paho 的传输层工厂
func MQTTTransportFactory(cfg *config.MQTTConfig) TransportFactory {
	return func(hooks Hooks) Transport {
		return mqttcommon.NewClient(cfg, mqttcommon.Options{
			Will:             hooks.Will,
			OnConnectionLost: hooks.OnConnectionLost,
		})
	}
}
