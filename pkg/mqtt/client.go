package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Handler receives messages of a subscription. It is called from the bus goroutine and must not block.
type Handler func(topic string, payload []byte)

type Bus interface {
	Subscribe(topic string, h Handler) error
	Publish(topic string, payload []byte, retain bool) error
	Close() error
}

// Client is a Bus on an external broker. Subscriptions are restored after every reconnect.
type Client struct {
	client paho.Client
	subs   map[string]Handler
	mu     sync.Mutex
}

type ClientOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

func Connect(o ClientOptions) (*Client, error) {
	c := &Client{subs: make(map[string]Handler)}

	opts := paho.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	opts.SetUsername(o.Username)
	opts.SetPassword(o.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetCleanSession(true)

	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		logrus.Warnf("mqtt: connection lost: %s", err)
	})
	opts.SetOnConnectHandler(func(client paho.Client) {
		logrus.WithField("broker", o.Broker).Info("mqtt: connected")
		c.mu.Lock()
		defer c.mu.Unlock()
		for topic, h := range c.subs {
			c.subscribe(client, topic, h)
		}
	})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("error connecting to mqtt broker %s: %w", o.Broker, token.Error())
	}
	return c, nil
}

func (c *Client) subscribe(client paho.Client, topic string, h Handler) {
	token := client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		logrus.Errorf("mqtt: failed to subscribe to topic %s: %s", topic, token.Error())
		return
	}
	logrus.Debugf("mqtt: subscribed to topic %s", topic)
}

func (c *Client) Subscribe(topic string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = h
	if c.client.IsConnectionOpen() {
		c.subscribe(c.client, topic, h)
	}
	return nil
}

func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	token := c.client.Publish(topic, 1, retain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("timeout publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("error publishing to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Close() error {
	c.client.Disconnect(250)
	return nil
}
