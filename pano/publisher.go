package pano

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/twpayne/go-polyline"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 2 * time.Second
)

// StageNotifier receives a summary when a pipeline stage finishes.
type StageNotifier interface {
	PublishStage(stage string, summary interface{}) error
}

// StageEvent is the retained message published for each stage
type StageEvent struct {
	Stage     string      `json:"stage"`
	Timestamp int64       `json:"timestamp"`
	Summary   interface{} `json:"summary"`
}

// Publisher publishes stage summaries to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	events        map[string]*StageEvent
	mu            sync.RWMutex
}

// NewPublisher creates a stage publisher.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "panosampler"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,    // summaries are rare and should arrive
		retain:        true, // retain the latest summary per stage
		events:        make(map[string]*StageEvent),
	}
}

// ConnectMQTT builds and connects a paho client from cfg. It returns nil
// without error when no broker is configured.
func ConnectMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	if cfg.Broker == "" {
		log.Debug("MQTT disabled: no broker configured")
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "panosampler"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connecting to MQTT broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", cfg.Broker, err)
	}

	log.WithField("broker", cfg.Broker).Info("connected to MQTT broker")
	return client, nil
}

// PublishStage publishes a stage summary to {prefix}/{stage}
func (p *Publisher) PublishStage(stage string, summary interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	event := &StageEvent{
		Stage:     stage,
		Timestamp: time.Now().Unix(),
		Summary:   summary,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling %s summary: %w", stage, err)
	}

	topic := fmt.Sprintf("%s/%s", p.publishPrefix, stage)
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	p.mu.Lock()
	p.events[stage] = event
	p.mu.Unlock()

	log.WithField("topic", topic).Debug("published stage summary")
	return nil
}

// LastEvent returns the last summary published for a stage
func (p *Publisher) LastEvent(stage string) (*StageEvent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ev, ok := p.events[stage]
	return ev, ok
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// Close disconnects the underlying client
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

// EncodePolyline encodes geographic points as a Google encoded polyline so a
// run's accepted points fit in one message.
func EncodePolyline(points []SamplePoint) string {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Lat(), p.Lon()}
	}
	return string(polyline.EncodeCoords(coords))
}
