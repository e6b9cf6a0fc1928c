package pubsub

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
)

const DefaultQueueSize = 64

type Message struct {
	topic   string
	payload []byte
}

func NewMessage(msg []byte, topic string) *Message {
	return &Message{
		topic:   topic,
		payload: msg,
	}
}

func (m *Message) Topic() string {
	return m.topic
}

func (m *Message) Payload() []byte {
	return m.payload
}

type Subscribers map[string]*Subscriber

// PubSub fans out messages published on a topic to every subscriber of that topic.
// Publish never blocks: a subscriber whose queue is full is dropped and its
// message channel is closed.
type PubSub struct {
	topics    map[string]Subscribers
	queueSize int
	mu        sync.Mutex
}

func NewPubSub(queueSize int) *PubSub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &PubSub{
		topics:    make(map[string]Subscribers),
		queueSize: queueSize,
	}
}

// Subscribe returns a single subscriber that receives messages from all the topics.
func (b *PubSub) Subscribe(topics ...string) *Subscriber {
	s := newSubscriber(b.queueSize, topics)

	b.mu.Lock()
	for _, topic := range topics {
		if b.topics[topic] == nil {
			b.topics[topic] = make(Subscribers)
		}
		b.topics[topic][s.id] = s
	}
	b.mu.Unlock()

	return s
}

func (b *PubSub) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	b.remove(s)
	b.mu.Unlock()
}

// Publish delivers msg to subscribers of topic in the order Publish is called.
func (b *PubSub) Publish(topic string, msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.topics[topic] {
		select {
		case s.messages <- NewMessage(msg, topic):
		default:
			s.dropped.Store(true)
			b.remove(s)
		}
	}
}

// SubscriberCount returns the number of subscribers listening on topic.
func (b *PubSub) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// remove must be called with b.mu held.
func (b *PubSub) remove(s *Subscriber) {
	if s.closed {
		return
	}
	for _, topic := range s.topics {
		delete(b.topics[topic], s.id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
	s.closed = true
	close(s.messages)
}

type Subscriber struct {
	id       string
	topics   []string
	messages chan *Message
	// guarded by the PubSub mutex
	closed  bool
	dropped atomic.Bool
}

func newSubscriber(queueSize int, topics []string) *Subscriber {
	id := make([]byte, 32)
	rand.Read(id)

	return &Subscriber{
		id:       hex.EncodeToString(id),
		topics:   topics,
		messages: make(chan *Message, queueSize),
	}
}

func (s *Subscriber) Id() string {
	return s.id
}

// GetMessages returns the delivery queue. It is closed when the
// subscriber unsubscribes or is dropped.
func (s *Subscriber) GetMessages() <-chan *Message {
	return s.messages
}

// Dropped reports whether the subscriber was removed because it fell behind.
func (s *Subscriber) Dropped() bool {
	return s.dropped.Load()
}
