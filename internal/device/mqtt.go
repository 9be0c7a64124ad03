package device

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"hearth/internal/param"
)

// MQTTConfig configures the MQTT device adapter.
type MQTTConfig struct {
	BrokerURL   string        `yaml:"broker_url"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"` // e.g. "heatpump"
	Timeout     time.Duration `yaml:"-"`
}

// MQTTController talks to the appliance bridge over MQTT. Setpoint writes go
// to <prefix>/set/<parameter> at QoS 1; the bridge publishes the full state
// as retained JSON on <prefix>/state.
type MQTTController struct {
	cfg    MQTTConfig
	client mqtt.Client
}

// stateMessage is the bridge's retained state payload.
type stateMessage struct {
	Values      map[string]float64 `json:"values"`
	IndoorTemp  float64            `json:"indoor_temp"`
	OutdoorTemp float64            `json:"outdoor_temp"`
	Timestamp   time.Time          `json:"timestamp"`
}

// setMessage is one setpoint write.
type setMessage struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMQTT connects to the broker and returns the controller.
func NewMQTT(cfg MQTTConfig) (*MQTTController, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.BrokerURL).SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(cfg.Timeout)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("device: connect to %s timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("device: connect to %s: %w", cfg.BrokerURL, err)
	}
	return &MQTTController{cfg: cfg, client: client}, nil
}

// Close disconnects from the broker.
func (c *MQTTController) Close() {
	c.client.Disconnect(250)
}

// ReadState subscribes to the retained state topic and waits for one
// message. The state is read fresh every invocation, never cached.
func (c *MQTTController) ReadState(ctx context.Context) (*param.DeviceState, error) {
	topic := c.cfg.TopicPrefix + "/state"
	msgCh := make(chan []byte, 1)
	token := c.client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		select {
		case msgCh <- m.Payload():
		default:
		}
	})
	if !token.WaitTimeout(c.cfg.Timeout) || token.Error() != nil {
		return nil, fmt.Errorf("device: subscribe %s: %v", topic, token.Error())
	}
	defer c.client.Unsubscribe(topic)

	select {
	case payload := <-msgCh:
		var msg stateMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("device: parse state: %w", err)
		}
		return &param.DeviceState{
			Values:      msg.Values,
			IndoorTemp:  msg.IndoorTemp,
			OutdoorTemp: msg.OutdoorTemp,
			ReadAt:      msg.Timestamp,
		}, nil
	case <-time.After(c.cfg.Timeout):
		return nil, fmt.Errorf("device: no state on %s within %s", topic, c.cfg.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Apply publishes one setpoint write and waits for broker confirmation.
// An unconfirmed write is an error: the caller must not record the change.
func (c *MQTTController) Apply(ctx context.Context, parameter string, value float64) error {
	payload, err := json.Marshal(setMessage{Value: value, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("device: marshal setpoint: %w", err)
	}
	topic := c.cfg.TopicPrefix + "/set/" + parameter
	token := c.client.Publish(topic, 1, false, payload)

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.Timeout):
		return fmt.Errorf("device: publish %s timed out", topic)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("device: publish %s: %w", topic, err)
	}
	return nil
}

var _ Controller = (*MQTTController)(nil)
