// Package integration forwards fleet events to external systems over an
// HTTP webhook and an MQTT broker.
package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/fleetpanel/fleet-server/internal/models"
)

// DefaultTopicPattern is used when an MQTT integration sets no pattern.
const DefaultTopicPattern = "fleet/{device_id}/{event}"

// HTTPConfig configures the webhook.
type HTTPConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BrokerURL    string `yaml:"broker_url"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TopicPattern string `yaml:"topic_pattern"`
	QoS          byte   `yaml:"qos"`
	TLS          bool   `yaml:"tls"`
}

// mqttClient is the part of mqtt.Client the forwarder uses.
type mqttClient interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Forwarder delivers events to the enabled integrations.
type Forwarder struct {
	httpConfig HTTPConfig
	mqttConfig MQTTConfig
	httpClient *http.Client

	clientMu   sync.Mutex
	mqttClient mqttClient
	dial       func(MQTTConfig) (mqttClient, error)
}

// NewForwarder creates a forwarder. Nothing is dialed until the first
// event needs the broker.
func NewForwarder(httpCfg HTTPConfig, mqttCfg MQTTConfig) *Forwarder {
	timeout := httpCfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if mqttCfg.TopicPattern == "" {
		mqttCfg.TopicPattern = DefaultTopicPattern
	}

	return &Forwarder{
		httpConfig: httpCfg,
		mqttConfig: mqttCfg,
		httpClient: &http.Client{Timeout: timeout},
		dial:       dialMQTT,
	}
}

// Enabled reports whether any integration is switched on.
func (f *Forwarder) Enabled() bool {
	return f.isHTTPEnabled() || f.isMQTTEnabled()
}

// Name implements notify.Sink
func (f *Forwarder) Name() string { return "integration" }

// Deliver implements notify.Sink
func (f *Forwarder) Deliver(ctx context.Context, ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var errs []error
	if f.isHTTPEnabled() {
		if err := f.forwardToHTTP(ctx, ev, data); err != nil {
			errs = append(errs, err)
		}
	}
	if f.isMQTTEnabled() {
		if err := f.forwardToMQTT(ctx, ev, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// forwardToHTTP posts the event to the webhook
func (f *Forwarder) forwardToHTTP(ctx context.Context, ev *models.Event, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.httpConfig.Endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fleet-Event", string(ev.Type))
	for k, v := range f.httpConfig.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", f.httpConfig.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook %s: status %d", f.httpConfig.Endpoint, resp.StatusCode)
	}

	log.Debug().
		Str("event", string(ev.Type)).
		Str("endpoint", f.httpConfig.Endpoint).
		Msg("Event forwarded to HTTP")
	return nil
}

// forwardToMQTT publishes the event on the broker
func (f *Forwarder) forwardToMQTT(ctx context.Context, ev *models.Event, data []byte) error {
	client, err := f.getMQTTClient()
	if err != nil {
		return err
	}

	topic := f.Topic(ev)
	token := client.Publish(topic, f.mqttConfig.QoS, false, data)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}

	log.Debug().
		Str("event", string(ev.Type)).
		Str("topic", topic).
		Msg("Event forwarded to MQTT")
	return nil
}

// Topic expands the topic pattern for ev.
func (f *Forwarder) Topic(ev *models.Event) string {
	topic := f.mqttConfig.TopicPattern
	topic = strings.ReplaceAll(topic, "{device_id}", topicLevel(ev.DeviceID))
	topic = strings.ReplaceAll(topic, "{event}", string(ev.Type))
	return topic
}

// getMQTTClient returns the connected client, dialing if needed
func (f *Forwarder) getMQTTClient() (mqttClient, error) {
	f.clientMu.Lock()
	defer f.clientMu.Unlock()

	if f.mqttClient != nil && f.mqttClient.IsConnected() {
		return f.mqttClient, nil
	}

	client, err := f.dial(f.mqttConfig)
	if err != nil {
		return nil, err
	}
	f.mqttClient = client
	return client, nil
}

func dialMQTT(cfg MQTTConfig) (mqttClient, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "fleet-server"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.BrokerURL, err)
	}
	return client, nil
}

// Close disconnects from the broker.
func (f *Forwarder) Close() {
	f.clientMu.Lock()
	defer f.clientMu.Unlock()

	if f.mqttClient != nil {
		f.mqttClient.Disconnect(250)
		f.mqttClient = nil
		log.Info().Msg("MQTT client disconnected")
	}
}

func (f *Forwarder) isHTTPEnabled() bool {
	return f.httpConfig.Enabled && f.httpConfig.Endpoint != ""
}

func (f *Forwarder) isMQTTEnabled() bool {
	return f.mqttConfig.Enabled && f.mqttConfig.BrokerURL != ""
}

// topicLevel keeps a device id inside one MQTT topic level.
func topicLevel(id string) string {
	if id == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(id)
}
