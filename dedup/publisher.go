package dedup

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher announces finished stages on <prefix>/<stage>
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
}

// NewPublisher creates a stage report publisher.
// If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "signdedup"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true,
	}
}

// PublishReport publishes one stage report as JSON
func (p *Publisher) PublishReport(report StageReport) error {
	if p == nil || p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	if report.Timestamp == 0 {
		report.Timestamp = time.Now().Unix()
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling stage report: %w", err)
	}

	topic := p.Topic(report.Stage)
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("Published %s report for run %s: removed %d detections", report.Stage, report.RunID, report.Removed)
	return nil
}

// Topic returns the topic a stage's reports go to
func (p *Publisher) Topic(stage string) string {
	return fmt.Sprintf("%s/%s", p.publishPrefix, stage)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
