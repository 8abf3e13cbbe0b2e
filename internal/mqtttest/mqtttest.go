// Package mqtttest provides an in-memory MQTT client for tests.
package mqtttest

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message is a recorded publication.
type Message struct {
	TopicName string
	QoS       byte
	Retain    bool
	Body      []byte
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return m.QoS }
func (m *Message) Retained() bool    { return m.Retain }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}

// Token is a completed token carrying an optional error.
type Token struct {
	err  error
	done chan struct{}
}

func newToken(err error) *Token {
	t := &Token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *Token) Wait() bool                     { return true }
func (t *Token) WaitTimeout(time.Duration) bool { return true }
func (t *Token) Done() <-chan struct{}          { return t.done }
func (t *Token) Error() error                   { return t.err }

// Client records publications and routes Deliver calls to subscribers. Publications are
// delivered to matching subscribers too, so two components sharing a Client can talk to each
// other.
type Client struct {
	// PublishErr, if set, fails every Publish.
	PublishErr error
	// SubscribeErr, if set, fails every Subscribe.
	SubscribeErr error

	lock          sync.Mutex
	connected     bool
	published     []*Message
	subscriptions map[string]mqtt.MessageHandler
	notify        chan struct{}
}

var _ mqtt.Client = (*Client)(nil)

// NewClient returns a connected Client.
func NewClient() *Client {
	return &Client{
		connected:     true,
		subscriptions: make(map[string]mqtt.MessageHandler),
		notify:        make(chan struct{}, 1),
	}
}

func (c *Client) IsConnected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool {
	return c.IsConnected()
}

func (c *Client) Connect() mqtt.Token {
	c.lock.Lock()
	c.connected = true
	c.lock.Unlock()
	return newToken(nil)
}

func (c *Client) Disconnect(uint) {
	c.lock.Lock()
	c.connected = false
	c.lock.Unlock()
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if c.PublishErr != nil {
		return newToken(c.PublishErr)
	}
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = append([]byte(nil), p...)
	case string:
		body = []byte(p)
	}
	msg := &Message{TopicName: topic, QoS: qos, Retain: retained, Body: body}
	c.lock.Lock()
	c.published = append(c.published, msg)
	c.lock.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	c.route(msg)
	return newToken(nil)
}

func (c *Client) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	if c.SubscribeErr != nil {
		return newToken(c.SubscribeErr)
	}
	c.lock.Lock()
	c.subscriptions[topic] = callback
	c.lock.Unlock()
	return newToken(nil)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		if t := c.Subscribe(topic, qos, callback); t.Error() != nil {
			return t
		}
	}
	return newToken(nil)
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.lock.Lock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	c.lock.Unlock()
	return newToken(nil)
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.lock.Lock()
	c.subscriptions[topic] = callback
	c.lock.Unlock()
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// Deliver sends a message to every subscriber whose filter matches topic.
func (c *Client) Deliver(topic string, payload []byte) {
	c.route(&Message{TopicName: topic, Body: payload})
}

func (c *Client) route(msg *Message) {
	c.lock.Lock()
	var handlers []mqtt.MessageHandler
	for filter, handler := range c.subscriptions {
		if Match(filter, msg.TopicName) {
			handlers = append(handlers, handler)
		}
	}
	c.lock.Unlock()
	for _, handler := range handlers {
		handler(c, msg)
	}
}

// Published returns the messages published so far.
func (c *Client) Published() []*Message {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*Message(nil), c.published...)
}

// Subscribed reports whether filter has a subscriber.
func (c *Client) Subscribed(filter string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, ok := c.subscriptions[filter]
	return ok
}

// WaitPublished waits until at least n messages have been published and returns them.
func (c *Client) WaitPublished(n int, timeout time.Duration) []*Message {
	deadline := time.After(timeout)
	for {
		if msgs := c.Published(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-c.notify:
		case <-deadline:
			return c.Published()
		}
	}
}

// Match reports whether topic matches an MQTT subscription filter with + and # wildcards.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
