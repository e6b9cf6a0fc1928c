package mint

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nutmint/nutmint/cashu/nuts/nut17"
)

const (
	maxSubscriptionsPerClient = 100
	maxFiltersPerSubscription = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type WebsocketManager struct {
	clients map[*Client]bool
	sync.RWMutex
	mint *Mint
}

func NewWebSocketManager(mint *Mint) *WebsocketManager {
	return &WebsocketManager{
		clients: make(map[*Client]bool),
		mint:    mint,
	}
}

func (wm *WebsocketManager) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		wm.mint.logErrorf("could not upgrade to websocket connection: %v", err)
		return
	}

	client := NewClient(conn, wm)
	wm.addClient(client)

	wm.mint.logDebugf("websocket connection established")

	go client.readMessages()
	go client.writeMessages()
}

func (wm *WebsocketManager) addClient(client *Client) {
	wm.Lock()
	wm.clients[client] = true
	wm.Unlock()
}

func (wm *WebsocketManager) removeClient(client *Client) {
	wm.Lock()
	if _, ok := wm.clients[client]; ok {
		client.close()
		delete(wm.clients, client)
	}
	wm.Unlock()
}

// closeAll disconnects every client.
func (wm *WebsocketManager) closeAll() {
	wm.Lock()
	for client := range wm.clients {
		client.close()
		delete(wm.clients, client)
	}
	wm.Unlock()
}

func (wm *WebsocketManager) clientCount() int {
	wm.RLock()
	defer wm.RUnlock()
	return len(wm.clients)
}

type Client struct {
	conn          *websocket.Conn
	subscriptions map[string]*Subscription
	mu            sync.Mutex
	manager       *WebsocketManager

	// aggregate writes through this channel since there can only be one concurrent writer.
	send chan json.RawMessage
	// closed when the client is removed
	done      chan struct{}
	closeOnce sync.Once
	// set under mu once close has collected the subscriptions to cancel
	closed bool

	msgSizeLimit int64
	pongWait     time.Duration
	pingInterval time.Duration
}

func NewClient(conn *websocket.Conn, manager *WebsocketManager) *Client {
	return &Client{
		conn:          conn,
		subscriptions: make(map[string]*Subscription),
		manager:       manager,
		send:          make(chan json.RawMessage, 16),
		done:          make(chan struct{}),
		msgSizeLimit:  8192,
		pongWait:      60 * time.Second,
		pingInterval:  30 * time.Second,
	}
}

func (c *Client) readMessages() {
	defer c.manager.removeClient(c)

	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		return
	}

	c.conn.SetReadLimit(c.msgSizeLimit)
	c.conn.SetPongHandler(func(string) error {
		// increase deadline for next read to current time + pongWait
		// whenever it receives a pong response from a ping we sent
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure,
			) {
				c.manager.mint.logDebugf("detected unexpected closed connection: %v", err)
			}
			return
		}

		// this is the only type of message clients will send to the mint
		var wsRequest nut17.WsRequest
		if err := json.Unmarshal(msg, &wsRequest); err != nil {
			c.writeError(nut17.NewWsError(nut17.ParseErrCode, "invalid request", -1))
			continue
		}

		if wsError := c.processRequest(wsRequest); wsError != nil {
			c.writeError(*wsError)
		}
	}
}

func (c *Client) writeMessages() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.manager.removeClient(c)
	}()

	for {
		select {
		case msg := <-c.send:
			c.manager.mint.logDebugf("sending websocket message: %s", msg)
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.manager.mint.logErrorf("could not write message on websocket connection: %v", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				c.manager.mint.logErrorf("could not write ping message: %v. closing websocket connection", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// write queues msg for the writer. It returns false if the client was closed.
func (c *Client) write(msg any) bool {
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case c.send <- jsonMsg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) writeError(wsErr nut17.WsError) {
	c.manager.mint.logDebugf("error processing websocket request. Sending error message: %v", wsErr.ErrResponse.Message)
	c.write(wsErr)
}

func (c *Client) processRequest(req nut17.WsRequest) *nut17.WsError {
	if req.JsonRPC != nut17.JSONRPC_2 {
		wsErr := nut17.NewWsError(nut17.InvalidReqCode, "invalid jsonrpc version", req.Id)
		return &wsErr
	}

	switch req.Method {
	case nut17.SUBSCRIBE:
		return c.subscriptionRequest(req)
	case nut17.UNSUBSCRIBE:
		return c.unsubscriptionRequest(req)
	}

	wsErr := nut17.NewWsError(nut17.MethodNotFound, "invalid request method", req.Id)
	return &wsErr
}

func (c *Client) subscriptionRequest(req nut17.WsRequest) *nut17.WsError {
	subId := req.Params.SubId
	if len(subId) == 0 {
		wsErr := nut17.NewWsError(nut17.InvalidParamCode, "subId is required", req.Id)
		return &wsErr
	}

	c.mu.Lock()
	numSubs := len(c.subscriptions)
	_, exists := c.subscriptions[subId]
	c.mu.Unlock()

	// limit to 100 subs per connection
	if numSubs >= maxSubscriptionsPerClient {
		wsErr := nut17.NewWsError(nut17.InvalidReqCode, "reached subscription limit", req.Id)
		return &wsErr
	}
	if exists {
		errMsg := fmt.Sprintf("subscription with subId '%v' already exists", subId)
		wsErr := nut17.NewWsError(nut17.InvalidParamCode, errMsg, req.Id)
		return &wsErr
	}

	kind, err := nut17.StringToKind(req.Params.Kind)
	if err != nil {
		wsErr := nut17.NewWsError(nut17.InvalidParamCode, err.Error(), req.Id)
		return &wsErr
	}
	if len(req.Params.Filters) > maxFiltersPerSubscription {
		wsErr := nut17.NewWsError(nut17.InvalidParamCode, "too many filters", req.Id)
		return &wsErr
	}

	sub, err := c.manager.mint.Subscribe(kind, subId, req.Params.Filters)
	if err != nil {
		wsErr := nut17.NewWsError(nut17.InvalidParamCode, err.Error(), req.Id)
		return &wsErr
	}

	if !c.addSubscription(subId, sub) {
		// connection closed while subscribing
		c.manager.mint.Unsubscribe(sub)
		return nil
	}
	c.manager.mint.metrics.subscriptions.Inc()
	c.manager.mint.logDebugf("adding new subscription of kind '%s' with sub id '%v'", req.Params.Kind, subId)

	// ack goes out before the initial state
	if !c.write(nut17.NewWsResponse(subId, req.Id)) {
		return nil
	}
	go c.listenForSubscriptionUpdates(sub)
	return nil
}

func (c *Client) unsubscriptionRequest(req nut17.WsRequest) *nut17.WsError {
	subId := req.Params.SubId
	if !c.removeSubscription(subId) {
		errMsg := fmt.Sprintf("subscription with subId '%v' does not exist", subId)
		wsErr := nut17.NewWsError(nut17.InvalidParamCode, errMsg, req.Id)
		return &wsErr
	}

	c.manager.mint.logDebugf("got unsubscription request. Removed sub '%v'", subId)
	c.write(nut17.NewWsResponse(subId, req.Id))
	return nil
}

func (c *Client) addSubscription(subId string, sub *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.subscriptions[subId] = sub
	return true
}

func (c *Client) removeSubscription(subId string) bool {
	c.mu.Lock()
	sub, ok := c.subscriptions[subId]
	delete(c.subscriptions, subId)
	c.mu.Unlock()

	if ok {
		c.manager.mint.Unsubscribe(sub)
		c.manager.mint.metrics.subscriptions.Dec()
	}
	return ok
}

// listenForSubscriptionUpdates sends the initial state of the subscription
// and then every change until the subscription ends. A subscription that
// was dropped for falling behind disconnects the client.
func (c *Client) listenForSubscriptionUpdates(sub *Subscription) {
	for _, notification := range sub.Snapshot() {
		if !c.write(notification) {
			return
		}
	}

	for msg := range sub.Updates() {
		notification, ok := sub.Notification(msg)
		if !ok {
			continue
		}
		if !c.write(notification) {
			return
		}
	}

	if sub.Dropped() {
		c.manager.mint.logInfof("subscription '%v' fell behind. closing websocket connection", sub.Id())
		c.manager.mint.metrics.droppedSubscribers.Inc()
		c.manager.removeClient(c)
	}
}

// cancel all subscriptions and close websocket connection
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.closed = true
		subIds := make([]string, 0, len(c.subscriptions))
		for subId := range c.subscriptions {
			subIds = append(subIds, subId)
		}
		c.mu.Unlock()
		for _, subId := range subIds {
			c.removeSubscription(subId)
		}

		c.conn.Close()
	})
}
