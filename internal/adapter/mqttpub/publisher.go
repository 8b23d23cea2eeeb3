// Package mqttpub streams run results to an MQTT broker as JSON.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bytemomo/fleetwarden/internal/domain"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTopicPrefix = "fleetwarden"
	DefaultTimeout     = 5 * time.Second
)

type Config struct {
	Broker      string // tcp://host:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
	Log         *logrus.Entry
}

// client is the part of mqtt.Client the publisher needs.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher sends results to <prefix>/results/<target>, fleet reports to
// <prefix>/runs/<run> and reconciliation outcomes to <prefix>/reconcile/<run>.
type Publisher struct {
	client  client
	prefix  string
	qos     byte
	timeout time.Duration
	log     *logrus.Entry
}

var (
	_ domain.ResultRepo   = (*Publisher)(nil)
	_ domain.ReportWriter = (*Publisher)(nil)
)

// Dial connects to the broker.
func Dial(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, domain.ConfigErrorf("mqtt: broker url is required")
	}
	if cfg.QoS > 2 {
		return nil, domain.ConfigErrorf("mqtt: qos %d out of range", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("fleetwarden-%d", time.Now().UnixNano())
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.Timeout).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	return newPublisher(c, cfg), nil
}

func newPublisher(c client, cfg Config) *Publisher {
	p := &Publisher{
		client:  c,
		prefix:  strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:     cfg.QoS,
		timeout: cfg.Timeout,
		log:     cfg.Log,
	}
	if p.prefix == "" {
		p.prefix = DefaultTopicPrefix
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.log == nil {
		p.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return p
}

func (p *Publisher) Save(res domain.ExecutionResult) error {
	_, err := p.publish(p.topic("results", res.TargetID), res)
	return err
}

func (p *Publisher) WriteFleetReport(r domain.FleetReport) (string, error) {
	return p.publish(p.topic("runs", r.RunID), struct {
		Summary domain.FleetSummary `json:"summary"`
		domain.FleetReport
	}{r.Summary(), r})
}

func (p *Publisher) WriteOutcome(o domain.ReconciliationOutcome) (string, error) {
	return p.publish(p.topic("reconcile", o.RunID), struct {
		Converged bool `json:"converged"`
		domain.ReconciliationOutcome
	}{o.Converged(), o})
}

// Close disconnects after giving in-flight messages 250ms.
func (p *Publisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

func (p *Publisher) publish(topic string, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("mqtt: encode %s: %w", topic, err)
	}
	tok := p.client.Publish(topic, p.qos, false, payload)
	if !tok.WaitTimeout(p.timeout) {
		return "", fmt.Errorf("mqtt: publish %s timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return "", fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	p.log.WithField("topic", topic).Debug("Published")
	return topic, nil
}

// topic builds prefix/kind/id with MQTT wildcards and separators removed
// from id.
func (p *Publisher) topic(kind, id string) string {
	id = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(id)
	return p.prefix + "/" + kind + "/" + id
}
