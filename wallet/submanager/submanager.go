// Package submanager is a client for NUT-17 websocket subscriptions.
package submanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut17"
	"github.com/nutmint/nutmint/wallet/client"
)

var (
	ErrNUT17NotSupported = errors.New("NUT-17 Not supported")
	ErrManagerClosed     = errors.New("subscription manager closed")
)

const requestTimeout = 10 * time.Second

type SubscriptionManager struct {
	wsConn  *websocket.Conn
	writeMu sync.Mutex

	mu sync.Mutex
	// by subId
	subs map[string]*Subscription
	// replies to in-flight requests, by request id
	replies          map[int]chan reply
	idCounter        int
	supportedMethods []nut17.SupportedMethod

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

type reply struct {
	response nut17.WsResponse
	err      error
}

func NewSubscriptionManager(mint string) (*SubscriptionManager, error) {
	mintInfo, err := client.GetMintInfo(mint)
	if err != nil {
		return nil, fmt.Errorf("could not get mint info: %v", err)
	}
	if len(mintInfo.Nuts.Nut17.Supported) == 0 {
		return nil, ErrNUT17NotSupported
	}

	mintURL, err := url.Parse(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	scheme := "ws"
	if mintURL.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := scheme + "://" + mintURL.Host + mintURL.Path + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}

	return &SubscriptionManager{
		wsConn:           conn,
		subs:             make(map[string]*Subscription),
		replies:          make(map[int]chan reply),
		supportedMethods: mintInfo.Nuts.Nut17.Supported,
		done:             make(chan struct{}),
	}, nil
}

// Run reads messages from the mint until the connection fails or Close
// is called. It should be run on a separate goroutine.
func (sm *SubscriptionManager) Run() error {
	err := sm.handleWsMessages()
	sm.shutdown(err)

	sm.mu.Lock()
	closed := errors.Is(sm.err, ErrManagerClosed)
	sm.mu.Unlock()
	if closed {
		return nil
	}
	return err
}

func (sm *SubscriptionManager) Close() error {
	sm.shutdown(ErrManagerClosed)
	return sm.wsConn.Close()
}

func (sm *SubscriptionManager) shutdown(err error) {
	sm.closeOnce.Do(func() {
		sm.mu.Lock()
		sm.err = err
		sm.mu.Unlock()
		close(sm.done)
	})
}

func (sm *SubscriptionManager) handleWsMessages() error {
	for {
		_, msg, err := sm.wsConn.ReadMessage()
		if err != nil {
			return err
		}

		var notification nut17.WsNotification
		if err := json.Unmarshal(msg, &notification); err == nil {
			sm.mu.Lock()
			sub, ok := sm.subs[notification.Params.SubId]
			sm.mu.Unlock()
			if ok {
				select {
				case sub.notificationChannel <- notification:
				case <-sm.done:
					return nil
				}
			}
			continue
		}

		var response nut17.WsResponse
		if err := json.Unmarshal(msg, &response); err == nil {
			sm.deliverReply(response.Id, reply{response: response})
			continue
		}

		var wsError nut17.WsError
		if err := json.Unmarshal(msg, &wsError); err == nil {
			sm.deliverReply(wsError.Id, reply{err: wsError})
		}
	}
}

func (sm *SubscriptionManager) deliverReply(id int, r reply) {
	sm.mu.Lock()
	replyChan, ok := sm.replies[id]
	delete(sm.replies, id)
	sm.mu.Unlock()
	if ok {
		// buffered, never blocks
		replyChan <- r
	}
}

// request sends the request built with the next id and waits for the mint's reply.
func (sm *SubscriptionManager) request(build func(id int) nut17.WsRequest) (nut17.WsResponse, error) {
	replyChan := make(chan reply, 1)
	sm.mu.Lock()
	id := sm.idCounter
	sm.idCounter++
	sm.replies[id] = replyChan
	sm.mu.Unlock()

	removeReply := func() {
		sm.mu.Lock()
		delete(sm.replies, id)
		sm.mu.Unlock()
	}

	sm.writeMu.Lock()
	err := sm.wsConn.WriteJSON(build(id))
	sm.writeMu.Unlock()
	if err != nil {
		removeReply()
		return nut17.WsResponse{}, fmt.Errorf("could not send request to mint: %v", err)
	}

	select {
	case r := <-replyChan:
		return r.response, r.err
	case <-sm.done:
		removeReply()
		return nut17.WsResponse{}, ErrManagerClosed
	case <-time.After(requestTimeout):
		removeReply()
		return nut17.WsResponse{}, errors.New("timed out waiting for response from mint")
	}
}

func (sm *SubscriptionManager) Subscribe(kind nut17.SubscriptionKind, filters []string) (*Subscription, error) {
	if len(filters) < 1 {
		return nil, errors.New("filters cannot be empty")
	}
	if !sm.IsSubscriptionKindSupported(kind) {
		return nil, fmt.Errorf("subscription to %s not supported by mint", kind)
	}

	subId := uuid.NewString()
	sub := &Subscription{
		subId:               subId,
		kind:                kind,
		notificationChannel: make(chan nut17.WsNotification, len(filters)+1),
		done:                sm.done,
	}

	// registered before the request so the snapshot is not missed
	sm.mu.Lock()
	sm.subs[subId] = sub
	sm.mu.Unlock()

	response, err := sm.request(func(id int) nut17.WsRequest {
		return nut17.NewSubscribeRequest(kind, subId, filters, id)
	})
	if err == nil && response.Result.Status != nut17.OK {
		err = fmt.Errorf("unexpected status '%v'", response.Result.Status)
	}
	if err != nil {
		sm.removeSubscription(subId)
		return nil, fmt.Errorf("could not setup subscription to mint: %v", err)
	}

	return sub, nil
}

func (sm *SubscriptionManager) CloseSubscription(subId string) error {
	sm.mu.Lock()
	_, ok := sm.subs[subId]
	sm.mu.Unlock()
	if !ok {
		return errors.New("subscription does not exist")
	}

	_, err := sm.request(func(id int) nut17.WsRequest {
		return nut17.NewUnsubscribeRequest(subId, id)
	})
	sm.removeSubscription(subId)
	if err != nil {
		return fmt.Errorf("could not unsubscribe: %v", err)
	}
	return nil
}

func (sm *SubscriptionManager) removeSubscription(subId string) {
	sm.mu.Lock()
	delete(sm.subs, subId)
	sm.mu.Unlock()
}

func (sm *SubscriptionManager) IsSubscriptionKindSupported(kind nut17.SubscriptionKind) bool {
	for _, method := range sm.supportedMethods {
		if method.Method == cashu.BOLT11_METHOD && slices.Contains(method.Commands, kind.String()) {
			return true
		}
	}
	return false
}

type Subscription struct {
	subId               string
	kind                nut17.SubscriptionKind
	notificationChannel chan nut17.WsNotification
	done                <-chan struct{}
}

// Read blocks until the next notification for the subscription.
func (s *Subscription) Read() (nut17.WsNotification, error) {
	select {
	case msg := <-s.notificationChannel:
		return msg, nil
	case <-s.done:
		return nut17.WsNotification{}, ErrManagerClosed
	}
}

// ReadTimeout is Read with a deadline.
func (s *Subscription) ReadTimeout(timeout time.Duration) (nut17.WsNotification, error) {
	select {
	case msg := <-s.notificationChannel:
		return msg, nil
	case <-s.done:
		return nut17.WsNotification{}, ErrManagerClosed
	case <-time.After(timeout):
		return nut17.WsNotification{}, errors.New("timed out waiting for notification")
	}
}

func (s *Subscription) SubId() string {
	return s.subId
}

func (s *Subscription) Kind() nut17.SubscriptionKind {
	return s.kind
}
