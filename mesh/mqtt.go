package mesh

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// AbortHandler is called when an abort request arrives for a run.
type AbortHandler func(runID string)

// MQTTClient publishes run progress and listens for abort requests on
// <prefix>/<runID>/abort.
type MQTTClient struct {
	client       mqtt.Client
	config       MQTTConfig
	log          *zap.SugaredLogger
	abortHandler AbortHandler
	isConnected  bool
	mu           sync.RWMutex
}

// ResolveMQTTConfig applies the MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME,
// MQTT_PASSWORD and MQTT_PUBLISH_PREFIX environment overrides.
func ResolveMQTTConfig(cfg MQTTConfig) MQTTConfig {
	override := func(dst *string, env string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	override(&cfg.Broker, "MQTT_BROKER")
	override(&cfg.ClientID, "MQTT_CLIENT_ID")
	override(&cfg.Username, "MQTT_USERNAME")
	override(&cfg.Password, "MQTT_PASSWORD")
	override(&cfg.PublishPrefix, "MQTT_PUBLISH_PREFIX")
	if cfg.ClientID == "" {
		cfg.ClientID = "depthmesh"
	}
	if cfg.PublishPrefix == "" {
		cfg.PublishPrefix = "depthmesh"
	}
	return cfg
}

// NewMQTTClient builds a client for cfg after environment overrides and
// starts connecting in the background. With no broker configured MQTT is
// disabled and it returns nil, nil.
func NewMQTTClient(ctx context.Context, cfg MQTTConfig, logger *zap.SugaredLogger) (*MQTTClient, error) {
	cfg = ResolveMQTTConfig(cfg)
	log := orNop(logger)
	if cfg.Broker == "" {
		log.Infof("MQTT disabled: no broker configured")
		return nil, nil
	}

	client := &MQTTClient{config: cfg, log: log}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.OnConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)
	go client.connectWithRetry(ctx)
	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential
// backoff until it succeeds or ctx is done.
func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.log.Infof("connecting to MQTT broker %s", c.config.Broker)

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.log.Infof("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.log.Warnf("MQTT connection failed: %v", token.Error())
		} else {
			c.log.Warnf("MQTT connection timeout")
		}

		c.log.Infof("retrying MQTT connection in %v", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// WaitConnected blocks until the client is connected or timeout passes.
func (c *MQTTClient) WaitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !c.IsConnected() {
		if time.Now().After(deadline) {
			return errors.Errorf("MQTT broker %s not reachable within %v", c.config.Broker, timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

// abortFilter matches the abort topic of every run.
func (c *MQTTClient) abortFilter() string {
	return c.config.PublishPrefix + "/+/abort"
}

// OnConnect is the connect handler: it marks the client connected and
// subscribes to the abort requests of every run.
func (c *MQTTClient) OnConnect(client mqtt.Client) {
	c.setConnected(true)

	filter := c.abortFilter()
	token := client.Subscribe(filter, 1, c.createAbortHandler())
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.log.Warnf("subscribing to %s: %v", filter, token.Error())
		return
	}
	c.log.Infof("subscribed to %s", filter)
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.log.Warnf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(mqtt.Client, *mqtt.ClientOptions) {
	c.log.Infof("MQTT reconnecting")
}

// runIDFromTopic extracts the run id from <prefix>/<runID>/abort.
func runIDFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	runID, tail, ok := strings.Cut(rest, "/")
	if !ok || tail != "abort" || runID == "" {
		return "", false
	}
	return runID, true
}

// abortPayload is the JSON form of an abort request.
type abortPayload struct {
	Value string `json:"value"`
}

// parseAbort accepts {"value":"abort"}, "abort" as a JSON string, or the
// raw word. "true" and "1" also count.
func parseAbort(payload []byte) bool {
	var value string
	var obj abortPayload
	if err := json.Unmarshal(payload, &obj); err == nil {
		value = obj.Value
	} else {
		var plain string
		if err := json.Unmarshal(payload, &plain); err == nil {
			value = plain
		} else {
			value = string(payload)
		}
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "abort", "true", "1":
		return true
	}
	return false
}

func (c *MQTTClient) createAbortHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		runID, ok := runIDFromTopic(c.config.PublishPrefix, msg.Topic())
		if !ok {
			c.log.Warnf("ignoring message on %s", msg.Topic())
			return
		}
		if !parseAbort(msg.Payload()) {
			c.log.Warnf("ignoring abort payload %q for run %s", strings.TrimSpace(string(msg.Payload())), runID)
			return
		}
		c.log.Infof("abort requested for run %s", runID)
		if handler := c.getAbortHandler(); handler != nil {
			handler(runID)
		}
	}
}

// SetAbortHandler registers the callback invoked on abort requests.
func (c *MQTTClient) SetAbortHandler(handler AbortHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortHandler = handler
}

func (c *MQTTClient) getAbortHandler() AbortHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.abortHandler
}

// AbortOnRequest returns a context cancelled when an abort request for runID
// arrives. The returned stop function releases the handler.
func (c *MQTTClient) AbortOnRequest(ctx context.Context, runID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.SetAbortHandler(func(id string) {
		if id == runID {
			cancel()
		}
	})
	return ctx, func() {
		c.SetAbortHandler(nil)
		cancel()
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.log.Infof("disconnecting from MQTT broker")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// Client returns the underlying MQTT client for publishing.
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

// Prefix returns the topic prefix after environment overrides.
func (c *MQTTClient) Prefix() string {
	return c.config.PublishPrefix
}

// WrapMQTTClient wraps an existing mqtt.Client, typically the mock, without
// connecting it.
func WrapMQTTClient(client mqtt.Client, cfg MQTTConfig, logger *zap.SugaredLogger) *MQTTClient {
	return &MQTTClient{
		client: client,
		config: ResolveMQTTConfig(cfg),
		log:    orNop(logger),
	}
}
