package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshsight/meshsight/pkg/config"
	"github.com/meshsight/meshsight/pkg/mesh"
)

const defaultMQTTTimeout = 10 * time.Second

// MQTTConfig configures the broker connection. TopicRoot is the region root
// the gateways publish under (for example "msh/US"); the adapter subscribes
// to every protobuf envelope topic below it.
type MQTTConfig struct {
	Broker          string          `json:"broker"`
	ClientID        string          `json:"client_id"`
	Username        string          `json:"username,omitempty"`
	Password        string          `json:"password,omitempty"`
	TopicRoot       string          `json:"topic_root"`
	DownlinkChannel string          `json:"downlink_channel,omitempty"`
	GatewayID       string          `json:"gateway_id,omitempty"`
	ConnectTimeout  config.Duration `json:"connect_timeout,omitempty"`
}

// MQTTAdapter feeds broker traffic into the engine. It also serves as the
// probe publisher: outbound frames are wrapped in a ServiceEnvelope and
// published on the downlink topic.
type MQTTAdapter struct {
	handler Handler
	cfg     MQTTConfig
	client  pahomqtt.Client
}

func NewMQTTAdapter(handler Handler, cfg MQTTConfig) *MQTTAdapter {
	return &MQTTAdapter{handler: handler, cfg: cfg}
}

// NormalizeMQTT parses a broker payload into an envelope. Malformed payloads
// and envelopes without an embedded frame yield ok=false and must be dropped.
func NormalizeMQTT(payload []byte) (*Envelope, bool) {
	return normalizeBus(payload, AdapterMQTT)
}

func normalizeBus(payload []byte, adapterID string) (*Envelope, bool) {
	se, err := mesh.UnmarshalServiceEnvelope(payload)
	if err != nil || se.Packet == nil {
		return nil, false
	}

	return &Envelope{
		GatewayNodeID: se.GatewayID,
		ChannelID:     se.ChannelID,
		Packet:        se.Packet,
		AdapterID:     adapterID,
	}, true
}

// Start connects to the broker and subscribes. The subscription is installed
// from the on-connect hook so it survives broker reconnects.
func (a *MQTTAdapter) Start(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(a.cfg.Broker).
		SetClientID(a.cfg.ClientID).
		SetUsername(a.cfg.Username).
		SetPassword(a.cfg.Password).
		SetAutoReconnect(true).
		SetOrderMatters(false)

	topic := a.cfg.TopicRoot + "/2/e/#"

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		if token := c.Subscribe(topic, 0, a.handleMessage); token.Wait() && token.Error() != nil {
			log.Printf("MQTT subscribe to %s failed: %v", topic, token.Error())
		}
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	})

	a.client = pahomqtt.NewClient(opts)

	if err := a.waitToken(ctx, a.client.Connect()); err != nil {
		return fmt.Errorf("connect to broker %s: %w", a.cfg.Broker, err)
	}

	log.Printf("MQTT adapter connected to %s, subscribing to %s", a.cfg.Broker, topic)

	return nil
}

func (a *MQTTAdapter) Stop(_ context.Context) error {
	if a.client != nil {
		a.client.Disconnect(250)
	}

	return nil
}

func (a *MQTTAdapter) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	env, ok := NormalizeMQTT(msg.Payload())
	if !ok {
		log.Printf("Dropping malformed envelope on %s (%d bytes)", msg.Topic(), len(msg.Payload()))
		return
	}

	if err := a.handler.HandleEnvelope(env); err != nil {
		log.Printf("Failed to ingest envelope from %s: %v", msg.Topic(), err)
	}
}

// Publish sends an outbound frame on the downlink topic.
func (a *MQTTAdapter) Publish(ctx context.Context, pkt *mesh.MeshPacket) error {
	if a.client == nil || !a.client.IsConnected() {
		return errNotConnected
	}

	se := &mesh.ServiceEnvelope{
		Packet:    pkt,
		ChannelID: a.cfg.DownlinkChannel,
		GatewayID: a.cfg.GatewayID,
	}

	topic := fmt.Sprintf("%s/2/e/%s/%s", a.cfg.TopicRoot, a.cfg.DownlinkChannel, a.cfg.GatewayID)

	return a.waitToken(ctx, a.client.Publish(topic, 0, false, se.Marshal()))
}

// waitToken bounds a paho token wait by the context and the configured
// connect timeout.
func (a *MQTTAdapter) waitToken(ctx context.Context, token pahomqtt.Token) error {
	timeout := time.Duration(a.cfg.ConnectTimeout)
	if timeout <= 0 {
		timeout = defaultMQTTTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("%w: broker did not respond in %s", errNotConnected, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
