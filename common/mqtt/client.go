package mqtt

import (
	"fmt"
	"time"

	"accessory-gateway/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler 消息处理函数类型（在 paho 的回调 goroutine 上执行）
type MessageHandler func(topic string, payload []byte, qos byte)

// Will 遗嘱消息
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Options 连接回调与遗嘱配置
type Options struct {
	Will             *Will
	OnConnectionLost func(err error)
}

// Client MQTT客户端封装
type Client struct {
	client  mqtt.Client
	config  *config.MQTTConfig
	timeout time.Duration
}

// NewClient 创建MQTT客户端（不立即连接）
// 重连由上层连接管理器以指数退避方式控制，这里关闭 paho 自带的自动重连
func NewClient(cfg *config.MQTTConfig, options Options) *Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(cfg.CleanSession)

	if options.Will != nil {
		opts.SetBinaryWill(options.Will.Topic, options.Will.Payload, options.Will.QoS, options.Will.Retained)
	}
	if options.OnConnectionLost != nil {
		lost := options.OnConnectionLost
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			lost(err)
		})
	}

	return &Client{
		client:  mqtt.NewClient(opts),
		config:  cfg,
		timeout: timeout,
	}
}

// Connect 连接到 broker
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("timed out connecting to MQTT broker %s", c.config.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Subscribe 订阅主题
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload(), msg.Qos())
	})
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("timed out subscribing to topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	return nil
}

// Publish 发布消息（等待确认，超时返回错误）
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("timed out publishing to topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250) // 250ms等待时间
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
