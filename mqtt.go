package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"i4.energy/across/cellular/sms"
)

// Bridge connects the gateway to an MQTT broker: requests published on
// the send topic are queued, and polled unread messages are published on
// the inbox topic.
type Bridge struct {
	Logger  *slog.Logger
	Gateway interface {
		Enqueue(SMSRequest) (string, error)
		Inbox(context.Context) ([]sms.SMS, error)
	}
	Topic      string
	InboxTopic string

	client mqtt.Client
}

// Connect dials the broker. The subscription is renewed on every
// reconnect.
func (b *Bridge) Connect(cfg *Config) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.Logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.Logger.Info("MQTT connected", "topic", b.Topic)
		if token := c.Subscribe(b.Topic, 0, b.handleMessage); token.Wait() && token.Error() != nil {
			b.Logger.Error("MQTT subscribe failed", "topic", b.Topic, "error", token.Error())
		}
	})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("mqtt connect timeout")
	}
	return token.Error()
}

func (b *Bridge) handleMessage(_ mqtt.Client, m mqtt.Message) {
	var req SMSRequest
	if err := json.Unmarshal(m.Payload(), &req); err != nil {
		b.Logger.Warn("MQTT bad payload", "topic", m.Topic(), "error", err)
		return
	}
	if req.To == "" || req.Message == "" {
		b.Logger.Warn("MQTT payload without 'to' or 'message'", "topic", m.Topic())
		return
	}
	id, err := b.Gateway.Enqueue(req)
	if err != nil {
		b.Logger.Error("Failed to queue SMS", "to", req.To, "error", err)
		return
	}
	b.Logger.Info("SMS queued", "id", id, "to", req.To)
}

// PollInbox publishes unread messages every interval until ctx is done.
func (b *Bridge) PollInbox(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		msgs, err := b.Gateway.Inbox(ctx)
		if err != nil {
			b.Logger.Warn("Failed to list messages", "error", err)
			continue
		}
		for _, m := range msgs {
			b.publish(m)
		}
	}
}

func (b *Bridge) publish(m sms.SMS) {
	payload, err := json.Marshal(inboxMessage{
		Index:  m.Index,
		Sender: m.Sender,
		Time:   m.Time,
		Text:   m.Text,
	})
	if err != nil {
		b.Logger.Error("Failed to encode message", "error", err)
		return
	}
	token := b.client.Publish(b.InboxTopic, 1, false, payload)
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		b.Logger.Error("MQTT publish failed", "topic", b.InboxTopic, "error", token.Error())
	}
}

// Disconnect waits up to 500ms for pending work.
func (b *Bridge) Disconnect() {
	if b.client != nil {
		b.client.Disconnect(500)
	}
}

type inboxMessage struct {
	Index  int    `json:"index"`
	Sender string `json:"sender"`
	Time   string `json:"time"`
	Text   string `json:"text"`
}
