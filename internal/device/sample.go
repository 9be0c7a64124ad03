package device

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"hearth/internal/store"
)

// telemetryMessage is the bridge's periodic telemetry payload on
// <prefix>/telemetry.
type telemetryMessage struct {
	HeatOutputKW float64   `json:"heat_output_kw"`
	PowerInputKW float64   `json:"power_input_kw"`
	SupplyTemp   float64   `json:"supply_temp"`
	ReturnTemp   float64   `json:"return_temp"`
	IndoorTemp   float64   `json:"indoor_temp"`
	OutdoorTemp  float64   `json:"outdoor_temp"`
	CompressorOn bool      `json:"compressor_on"`
	PricePerKWh  float64   `json:"price_per_kwh"`
	Timestamp    time.Time `json:"timestamp"`
}

// ReadSample subscribes to the telemetry topic and waits for one message.
func (c *MQTTController) ReadSample(ctx context.Context) (*store.TelemetrySample, error) {
	topic := c.cfg.TopicPrefix + "/telemetry"
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
		var msg telemetryMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("device: parse telemetry: %w", err)
		}
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		return &store.TelemetrySample{
			Time:         ts.UTC().Format(time.RFC3339),
			HeatOutputKW: msg.HeatOutputKW,
			PowerInputKW: msg.PowerInputKW,
			SupplyTemp:   msg.SupplyTemp,
			ReturnTemp:   msg.ReturnTemp,
			IndoorTemp:   msg.IndoorTemp,
			OutdoorTemp:  msg.OutdoorTemp,
			CompressorOn: msg.CompressorOn,
			PricePerKWh:  msg.PricePerKWh,
		}, nil
	case <-time.After(c.cfg.Timeout):
		return nil, fmt.Errorf("device: no telemetry on %s within %s", topic, c.cfg.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadSample synthesizes a plausible sample around the mock's indoor and
// outdoor temperatures, for demos and tests.
func (m *Mock) ReadSample(_ context.Context) (*store.TelemetrySample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	power := 1.5 + rand.Float64()*0.5
	return &store.TelemetrySample{
		Time:         time.Now().UTC().Format(time.RFC3339),
		HeatOutputKW: power * 3.4,
		PowerInputKW: power,
		SupplyTemp:   38 + rand.Float64()*4,
		ReturnTemp:   32 + rand.Float64()*4,
		IndoorTemp:   m.IndoorTemp,
		OutdoorTemp:  m.OutdoorTemp,
		CompressorOn: true,
		PricePerKWh:  0.25,
	}, nil
}
