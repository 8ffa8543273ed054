package syncbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/khaledhikmat/vs-detect/service/lgr"
)

// MQTTBridge publishes events to <base>/<channel> on an MQTT broker.
// A connected broker counts as one listener.
type MQTTBridge struct {
	base   string
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

func NewMQTTBridge(broker, clientID, base string) *MQTTBridge {
	b := &MQTTBridge{base: strings.Trim(base, "/")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		b.setConnected(true)
		lgr.Logger.Info("mqtt connection established", slog.String("broker", broker))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		b.setConnected(false)
		lgr.Logger.Warn("mqtt connection lost, will auto-reconnect",
			slog.String("broker", broker),
			slog.Any("error", err),
		)
	}

	b.client = mqtt.NewClient(opts)
	return b
}

func (b *MQTTBridge) Connect(ctx context.Context) error {
	token := b.client.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	b.setConnected(true)
	return nil
}

func (b *MQTTBridge) setConnected(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = v
}

func (b *MQTTBridge) Name() string {
	return "mqtt"
}

func (b *MQTTBridge) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.connected {
		return 1
	}
	return 0
}

// Topic returns the topic an event on channel is published to
func (b *MQTTBridge) Topic(channel string) string {
	if b.base == "" {
		return channel
	}
	return b.base + "/" + channel
}

func (b *MQTTBridge) Deliver(evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	token := b.client.Publish(b.Topic(evt.Channel), 0, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		b.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		b.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	b.mu.Lock()
	b.published++
	b.mu.Unlock()
	return nil
}

func (b *MQTTBridge) countError() {
	b.mu.Lock()
	b.errors++
	b.mu.Unlock()
}

func (b *MQTTBridge) Close() error {
	if b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	b.setConnected(false)
	return nil
}
