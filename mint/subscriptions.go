package mint

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut17"
	"github.com/nutmint/nutmint/mint/pubsub"
)

func mintQuoteTopic(quoteId string) string {
	return nut17.Bolt11MintQuote.String() + ":" + quoteId
}

func meltQuoteTopic(quoteId string) string {
	return nut17.Bolt11MeltQuote.String() + ":" + quoteId
}

func proofStateTopic(Y string) string {
	return nut17.ProofState.String() + ":" + Y
}

func subscriptionTopic(kind nut17.SubscriptionKind, filter string) string {
	switch kind {
	case nut17.Bolt11MintQuote:
		return mintQuoteTopic(filter)
	case nut17.Bolt11MeltQuote:
		return meltQuoteTopic(filter)
	default:
		return proofStateTopic(filter)
	}
}

// Subscription delivers the current state of every entity in its filters
// followed by each later change of state, without repeating a state
// that was already delivered.
type Subscription struct {
	subId      string
	kind       nut17.SubscriptionKind
	filters    []string
	subscriber *pubsub.Subscriber

	snapshot []json.RawMessage
	// last state delivered per quote id or Y
	states map[string]string
}

// stateUpdate has the fields shared by the payloads of all subscription kinds.
type stateUpdate struct {
	Quote string `json:"quote"`
	Y     string `json:"Y"`
	State string `json:"state"`
}

func (u stateUpdate) entity() string {
	if len(u.Quote) > 0 {
		return u.Quote
	}
	return u.Y
}

// Subscribe registers for updates on the filters and then reads their current state,
// so that no transition made after the snapshot can be missed.
func (m *Mint) Subscribe(kind nut17.SubscriptionKind, subId string, filters []string) (*Subscription, error) {
	if len(filters) == 0 {
		return nil, errors.New("no filters provided")
	}

	topics := make([]string, len(filters))
	for i, filter := range filters {
		topics[i] = subscriptionTopic(kind, filter)
	}
	subscriber := m.publisher.Subscribe(topics...)

	snapshot, err := m.subscriptionSnapshot(kind, filters)
	if err != nil {
		m.publisher.Unsubscribe(subscriber)
		return nil, err
	}

	return &Subscription{
		subId:      subId,
		kind:       kind,
		filters:    filters,
		subscriber: subscriber,
		snapshot:   snapshot,
		states:     make(map[string]string, len(filters)),
	}, nil
}

func (m *Mint) Unsubscribe(sub *Subscription) {
	m.publisher.Unsubscribe(sub.subscriber)
}

// subscriptionSnapshot returns the current state of each filter, in filter order.
func (m *Mint) subscriptionSnapshot(kind nut17.SubscriptionKind, filters []string) ([]json.RawMessage, error) {
	snapshot := make([]json.RawMessage, 0, len(filters))

	switch kind {
	case nut17.Bolt11MintQuote:
		for _, quoteId := range filters {
			mintQuote, err := m.getMintQuote(quoteId)
			if err != nil {
				return nil, fmt.Errorf("quote '%v': %w", quoteId, err)
			}
			payload, _ := json.Marshal(MintQuoteResponse(mintQuote))
			snapshot = append(snapshot, payload)
		}

	case nut17.Bolt11MeltQuote:
		for _, quoteId := range filters {
			meltQuote, err := m.getMeltQuote(quoteId)
			if err != nil {
				return nil, fmt.Errorf("quote '%v': %w", quoteId, err)
			}
			payload, _ := json.Marshal(MeltQuoteResponse(meltQuote, nil))
			snapshot = append(snapshot, payload)
		}

	case nut17.ProofState:
		states, err := m.ledger.QueryState(filters)
		if err != nil {
			return nil, err
		}
		for _, state := range states {
			payload, _ := json.Marshal(state)
			snapshot = append(snapshot, payload)
		}

	default:
		return nil, cashu.InvalidRequestErr
	}

	return snapshot, nil
}

// Id returns the id chosen by the client for the subscription.
func (s *Subscription) Id() string {
	return s.subId
}

// Snapshot returns the notifications with the state of each filter at the time of subscribing.
func (s *Subscription) Snapshot() []nut17.WsNotification {
	notifications := make([]nut17.WsNotification, len(s.snapshot))
	for i, payload := range s.snapshot {
		s.changed(payload)
		notifications[i] = nut17.NewWsNotification(s.subId, payload)
	}
	return notifications
}

// Updates returns the channel with the messages published for the filters.
// The channel is closed on unsubscribe or if the subscription fell too far behind.
func (s *Subscription) Updates() <-chan *pubsub.Message {
	return s.subscriber.GetMessages()
}

// Dropped reports whether the subscription was removed for not keeping up.
func (s *Subscription) Dropped() bool {
	return s.subscriber.Dropped()
}

// Notification returns the notification for the message and whether it
// should be delivered. Messages that repeat the last delivered state are skipped.
func (s *Subscription) Notification(msg *pubsub.Message) (nut17.WsNotification, bool) {
	if !s.changed(msg.Payload()) {
		return nut17.WsNotification{}, false
	}
	return nut17.NewWsNotification(s.subId, msg.Payload()), true
}

func (s *Subscription) changed(payload []byte) bool {
	var update stateUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return false
	}
	entity := update.entity()
	if previous, ok := s.states[entity]; ok && previous == update.State {
		return false
	}
	s.states[entity] = update.State
	return true
}
