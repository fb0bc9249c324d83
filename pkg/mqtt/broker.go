package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	mqttv2 "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/sirupsen/logrus"
)

// Broker is an embedded broker. Its inline client is used as Bus so the controller needs no
// connection of its own while devices and meters connect over TCP.
type Broker struct {
	server *mqttv2.Server
	subID  atomic.Int32
}

// StartBroker serves MQTT on address until ctx is done. An empty address starts the broker without listeners.
func StartBroker(ctx context.Context, wg *sync.WaitGroup, address string) (*Broker, error) {
	server := mqttv2.New(&mqttv2.Options{
		InlineClient: true,
	})

	// Allow all connections.
	err := server.AddHook(new(auth.AllowHook), nil)
	if err != nil {
		return nil, err
	}

	if address != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: address})
		err = server.AddListener(tcp)
		if err != nil {
			return nil, fmt.Errorf("error adding mqtt listener on %s: %w", address, err)
		}
	}

	err = server.Serve()
	if err != nil {
		return nil, err
	}
	logrus.WithField("address", address).Info("mqtt: embedded broker started")

	b := &Broker{server: server}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		err := server.Close()
		if err != nil {
			logrus.Errorf("mqtt: error closing broker: %s", err)
		}
	}()
	return b, nil
}

func (b *Broker) Subscribe(topic string, h Handler) error {
	id := int(b.subID.Add(1))
	return b.server.Subscribe(topic, id, func(cl *mqttv2.Client, sub packets.Subscription, pk packets.Packet) {
		h(pk.TopicName, pk.Payload)
	})
}

func (b *Broker) Publish(topic string, payload []byte, retain bool) error {
	return b.server.Publish(topic, payload, retain, 0)
}

// Close is a no op, the broker stops with the context it was started with.
func (b *Broker) Close() error {
	return nil
}
