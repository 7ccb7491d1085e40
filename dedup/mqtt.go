package dedup

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient owns the broker connection used to announce stage reports
type MQTTClient struct {
	client      mqtt.Client
	isConnected bool
	mu          sync.RWMutex
}

// connectTimeout bounds each connection attempt
const connectTimeout = 10 * time.Second

// connectAttempts is how often a run retries the broker before giving up
const connectAttempts = 3

// ResolveMQTTConfig applies the MQTT_* environment overrides to cfg
func ResolveMQTTConfig(cfg MQTTConfig) MQTTConfig {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		cfg.PublishPrefix = v
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "signdedup"
	}
	if cfg.PublishPrefix == "" {
		cfg.PublishPrefix = "signdedup"
	}
	return cfg
}

// InitMQTT connects to the configured broker.
// If no broker is configured, MQTT is disabled and this returns nil.
func InitMQTT(cfg MQTTConfig) (*MQTTClient, error) {
	cfg = ResolveMQTTConfig(cfg)
	if cfg.Broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(false)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)

	c := &MQTTClient{}
	opts.SetConnectionLostHandler(c.onConnectionLost)
	c.client = mqtt.NewClient(opts)

	if err := c.connect(connectAttempts); err != nil {
		return nil, err
	}
	return c, nil
}

// connect tries the broker up to attempts times with a doubling delay
func (c *MQTTClient) connect(attempts int) error {
	retryDelay := 1 * time.Second
	var lastErr error

	for i := 0; i < attempts; i++ {
		log.Println("Connecting to MQTT broker...")
		token := c.client.Connect()
		if token.WaitTimeout(connectTimeout) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return nil
			}
			lastErr = token.Error()
			log.Printf("MQTT connection failed: %v", lastErr)
		} else {
			lastErr = fmt.Errorf("connection timeout")
			log.Println("MQTT connection timeout")
		}

		if i+1 < attempts {
			log.Printf("Retrying MQTT connection in %v...", retryDelay)
			time.Sleep(retryDelay)
			retryDelay *= 2
		}
	}
	return fmt.Errorf("connecting to MQTT broker: %w", lastErr)
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection lost: %v", err)
	c.setConnected(false)
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
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps a provided mqtt.Client, for tests
func newMQTTClientWithMock(client mqtt.Client) *MQTTClient {
	return &MQTTClient{client: client}
}
