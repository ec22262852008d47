// Package mock provides an in-memory [mqtt.Client] for tests.
package mock

import (
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message is one recorded publish.
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Client records published messages and routes injected messages to
// subscribed handlers, including single-level wildcard matching.
type Client struct {
	connected bool

	mu        sync.Mutex
	published []Message
	handlers  map[string]mqtt.MessageHandler
	opts      *mqtt.ClientOptions
}

func NewClient() *Client {
	return &Client{
		handlers: make(map[string]mqtt.MessageHandler),
		opts:     mqtt.NewClientOptions(),
	}
}

func (c *Client) IsConnected() bool      { return c.connected }
func (c *Client) IsConnectionOpen() bool { return c.connected }

func (c *Client) Connect() mqtt.Token {
	c.connected = true
	return &mqtt.DummyToken{}
}

func (c *Client) Disconnect(_ uint) {
	c.connected = false
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var p []byte
	switch v := payload.(type) {
	case []byte:
		p = v
	case string:
		p = []byte(v)
	}
	c.mu.Lock()
	c.published = append(c.published, Message{Topic: topic, QoS: qos, Retained: retained, Payload: p})
	c.mu.Unlock()
	return &mqtt.DummyToken{}
}

func (c *Client) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.handlers[topic] = callback
	c.mu.Unlock()
	return &mqtt.DummyToken{}
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	for topic := range filters {
		c.handlers[topic] = callback
	}
	c.mu.Unlock()
	return &mqtt.DummyToken{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	c.mu.Unlock()
	return &mqtt.DummyToken{}
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	c.handlers[topic] = callback
	c.mu.Unlock()
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.NewOptionsReader(c.opts)
}

// Published returns a copy of every message published so far.
func (c *Client) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.published...)
}

// PublishedTo returns the messages published to the given topic.
func (c *Client) PublishedTo(topic string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []Message
	for _, m := range c.published {
		if m.Topic == topic {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// Receive delivers a message to every subscription whose filter matches
// the topic.
func (c *Client) Receive(topic string, payload []byte) {
	c.mu.Lock()
	var matched []mqtt.MessageHandler
	for filter, h := range c.handlers {
		if matches(filter, topic) {
			matched = append(matched, h)
		}
	}
	c.mu.Unlock()
	for _, h := range matched {
		h(c, &message{topic: topic, payload: payload})
	}
}

func matches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 0 }
func (m *message) Retained() bool    { return false }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Ack()              {}
func (m *message) Topic() string     { return m.topic }
func (m *message) Payload() []byte   { return m.payload }
