//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"aircontrolbase-go-home/internal/climate"
	"aircontrolbase-go-home/internal/coordinator"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// connectTimeout bounds how long NewBridge waits for the first connection.
// The client keeps retrying in the background after that.
const connectTimeout = 10 * time.Second

// client is the part of the paho client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
}

// Bridge exposes the coordinator's units to Home Assistant over MQTT.
type Bridge struct {
	client          client
	coord           *coordinator.Coordinator
	prefix          string
	discoveryPrefix string
	logger          *slog.Logger
	unsub           func()
}

// NewBridge creates an MQTT bridge and starts connecting. A broker that is
// not reachable yet does not fail start-up: the bridge is returned and
// publishes everything once the connection comes up.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "aircontrolbase-go-home"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	// The connect handler may fire before Connect returns.
	b.client = c
	if err := b.awaitConnect(c.Connect(), connectTimeout); err != nil {
		// Stop the retry loop so no orphaned client publishes later.
		c.Disconnect(0)
		return nil, err
	}
	return b, nil
}

// awaitConnect waits for the first connection attempt. Only a failed
// attempt is an error; a timeout leaves the client retrying.
func (b *Bridge) awaitConnect(token pahomqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		b.logger.Warn("MQTT broker not reachable yet, retrying in background", "timeout", timeout)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func newBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) *Bridge {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "aircontrolbase"
	}
	discovery := strings.TrimSuffix(cfg.DiscoveryPrefix, "/")
	if discovery == "" {
		discovery = "homeassistant"
	}
	return &Bridge{
		coord:           coord,
		prefix:          prefix,
		discoveryPrefix: discovery,
		logger:          logger.With("component", "mqtt"),
	}
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix, "discovery_prefix", b.discoveryPrefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs after every (re)connect: retained state may have been lost.
func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.publishAll()
	b.subscribeCommands()
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	data, _ := event.Data.(map[string]interface{})
	id, _ := data["id"].(string)

	switch event.Type {
	case coordinator.EventDeviceDiscovered, coordinator.EventDeviceRenamed:
		if id != "" {
			b.publishDevice(id)
		}
	case coordinator.EventDeviceState:
		if id != "" {
			b.publishState(id)
		}
	case coordinator.EventDeviceRemoved:
		if id != "" {
			for _, msg := range buildRemoveDiscovery(id, b.prefix, b.discoveryPrefix) {
				b.publish(msg.Topic, msg.Payload, true)
			}
			b.logger.Info("removed HA discovery", "id", id)
		}
	case coordinator.EventUpdateSucceeded:
		b.publishAvailabilityAll("online")
	case coordinator.EventUpdateFailed:
		b.publishAvailabilityAll("offline")
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAll() {
	for _, dev := range b.coord.ListDevices() {
		b.publishDevice(dev.ID)
	}
}

// publishDevice publishes discovery, availability and state of one unit.
func (b *Bridge) publishDevice(id string) {
	st, err := b.coord.State(id)
	if err != nil {
		b.logger.Warn("publish discovery", "id", id, "err", err)
		return
	}
	for _, msg := range buildDiscovery(st, b.prefix, b.discoveryPrefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publishAvailability(id, availabilityPayload(b.coord.Available()))
	b.publish(topics{prefix: b.prefix, id: id}.state(), mustJSON(st), true)
	b.logger.Info("published HA discovery", "id", id, "name", st.Name)
}

func (b *Bridge) publishState(id string) {
	st, err := b.coord.State(id)
	if err != nil {
		return
	}
	b.publish(topics{prefix: b.prefix, id: id}.state(), mustJSON(st), true)
}

func (b *Bridge) publishAvailability(id, payload string) {
	b.publish(topics{prefix: b.prefix, id: id}.availability(), []byte(payload), true)
}

func (b *Bridge) publishAvailabilityAll(payload string) {
	for _, dev := range b.coord.ListDevices() {
		b.publishAvailability(dev.ID, payload)
	}
}

func availabilityPayload(available bool) string {
	if available {
		return "online"
	}
	return "offline"
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/set/+"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		// Commands reach the vendor cloud; keep the paho router free.
		go b.handleCommand(msg.Topic(), msg.Payload())
	})
}

// parseCommandTopic splits "<prefix>/<id>/set/<attr>".
func (b *Bridge) parseCommandTopic(topic string) (id, attr string, ok bool) {
	rest, found := strings.CutPrefix(topic, b.prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "set" || parts[0] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	id, attr, ok := b.parseCommandTopic(topic)
	if !ok {
		b.logger.Debug("ignoring topic", "topic", topic)
		return
	}
	value := strings.TrimSpace(string(payload))

	ctx, cancel := context.WithTimeout(b.coord.Context(), 15*time.Second)
	defer cancel()

	var err error
	switch attr {
	case cmdMode:
		err = b.coord.SetHVACMode(ctx, id, climate.HVACMode(strings.ToLower(value)))
	case cmdTemperature:
		var temp float64
		temp, err = parseTemperature(value)
		if err == nil {
			err = b.coord.SetTemperature(ctx, id, temp)
		}
	case cmdFanMode:
		err = b.coord.SetFanMode(ctx, id, value)
	case cmdSwingMode:
		err = b.coord.SetSwingMode(ctx, id, value)
	case cmdPower:
		switch strings.ToUpper(value) {
		case "ON":
			err = b.coord.TurnOn(ctx, id)
		case "OFF":
			err = b.coord.TurnOff(ctx, id)
		default:
			err = fmt.Errorf("invalid power payload %q", value)
		}
	default:
		b.logger.Warn("unknown command", "id", id, "attr", attr)
		return
	}

	if err != nil {
		b.logger.Warn("command failed", "id", id, "attr", attr, "value", value, "err", err)
		// Republish so Home Assistant drops its optimistic value.
		b.publishState(id)
	}
}

// parseTemperature accepts a bare number or a JSON number/string.
func parseTemperature(s string) (float64, error) {
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid temperature %q", s)
	}
	return v, nil
}

// publish sends one message. While disconnected nothing is queued: onConnect
// republishes the full state.
func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if !b.client.IsConnectionOpen() {
		b.logger.Debug("MQTT offline, skipping publish", "topic", topic)
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
