package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http/httpproxy"

	"github.com/golang/glog"
)

// one persistent websocket to the real-time endpoint per session
//
// connection state machine is:
// ConnectionStateDisconnected
//   -> ConnectionStateConnecting
//     -> ConnectionStateDisconnected (dial or auth failed)
//     -> ConnectionStateConnected
//       -> ConnectionStateReconnecting
//         -> ConnectionStateConnected
//         -> ConnectionStateDisconnected (attempts exhausted)
//       -> ConnectionStateDisconnected (`Disconnect`)

var ErrPushTimeout = errors.New("Push timeout.")

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

// `err` is set for transitions caused by a failure
type ConnectionStateFunction func(state ConnectionState, err error)

// called on the connection read loop, in the order frames arrive
// implementations must not block on a `Push`
type MessageFunction func(message *Message)

type ConnectionManagerSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	HeartbeatInterval  time.Duration
	PushTimeout        time.Duration
	// attempt i waits `ReconnectBackoff[min(i, len - 1)]`
	ReconnectBackoff []time.Duration
	// 0 means unlimited
	MaxReconnectAttempts int
	SendBufferSize       int
	FrameEncoding        FrameEncoding
	// sent as the `apikey` query parameter
	ApiKey string
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		WsHandshakeTimeout: 10 * time.Second,
		WriteTimeout:       5 * time.Second,
		HeartbeatInterval:  25 * time.Second,
		PushTimeout:        10 * time.Second,
		ReconnectBackoff: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
		},
		MaxReconnectAttempts: 0,
		SendBufferSize:       32,
		FrameEncoding:        FrameEncodingJson,
	}
}

func (self *ConnectionManagerSettings) reconnectTimeout(attempt int) time.Duration {
	if len(self.ReconnectBackoff) == 0 {
		return 0
	}
	return self.ReconnectBackoff[min(attempt, len(self.ReconnectBackoff)-1)]
}

type pushResult struct {
	reply *Reply
	err   error
}

type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpointUrl string
	settings    *ConnectionManagerSettings

	log *tagLog

	stateLock sync.Mutex
	state     ConnectionState
	// incremented on every `Connect` and `Disconnect`
	// a run loop only applies transitions for its own generation
	generation uint64
	runCancel  context.CancelFunc
	send       chan *Message
	authToken  string
	authClaims *AuthClaims
	nextRef    uint64
	// ref -> waiting push
	pendingReplies map[string]chan *pushResult
	heartbeatRef   string
	// topics with an ok join reply, for token refresh
	joinedTopics map[string]bool

	stateCallbacks   *CallbackList[ConnectionStateFunction]
	messageCallbacks *CallbackList[MessageFunction]
}

func NewConnectionManagerWithDefaults(ctx context.Context, endpointUrl string) *ConnectionManager {
	return NewConnectionManager(ctx, endpointUrl, DefaultConnectionManagerSettings())
}

func NewConnectionManager(ctx context.Context, endpointUrl string, settings *ConnectionManagerSettings) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:              cancelCtx,
		cancel:           cancel,
		endpointUrl:      endpointUrl,
		settings:         settings,
		log:              newTagLog("cm"),
		state:            ConnectionStateDisconnected,
		pendingReplies:   map[string]chan *pushResult{},
		joinedTopics:     map[string]bool{},
		stateCallbacks:   NewCallbackList[ConnectionStateFunction](),
		messageCallbacks: NewCallbackList[MessageFunction](),
	}
}

func (self *ConnectionManager) AddStateCallback(stateCallback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) AddMessageCallback(messageCallback MessageFunction) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ConnectionManager) AuthToken() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.authToken
}

// nil until a token has been accepted
func (self *ConnectionManager) AuthClaims() *AuthClaims {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.authClaims
}

// blocks until the first connection is established or fails
// after a successful connect, drops are recovered in the background
// if the manager is already running, this is a token refresh
func (self *ConnectionManager) Connect(ctx context.Context, authToken string) error {
	authClaims, err := validateAuthToken(authToken)
	if err != nil {
		return err
	}

	var generation uint64
	var runCtx context.Context
	running := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state != ConnectionStateDisconnected {
			running = true
			return
		}
		self.generation += 1
		generation = self.generation
		var runCancel context.CancelFunc
		runCtx, runCancel = context.WithCancel(self.ctx)
		self.runCancel = runCancel
		self.state = ConnectionStateConnecting
		self.authToken = authToken
		self.authClaims = authClaims
	}()
	if running {
		return self.SetAuth(authToken)
	}
	self.stateChanged(ConnectionStateConnecting, nil)

	var ws *websocket.Conn
	if glog.V(2) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[cm]connect %s", authClaims.Subject), func() (*websocket.Conn, error) {
			return self.dial(ctx, authToken)
		})
	} else {
		ws, err = self.dial(ctx, authToken)
	}
	if err != nil {
		self.log.Infof("connect error %s = %s", authClaims.Subject, err)
		if self.setStateForGeneration(generation, ConnectionStateDisconnected) {
			self.stateChanged(ConnectionStateDisconnected, err)
		}
		return err
	}

	connected := make(chan struct{})
	send, ok := self.setConnected(generation, ws)
	if !ok {
		// disconnected while dialing
		ws.Close()
		return &NetworkError{Err: ErrClosed}
	}
	go self.run(runCtx, generation, ws, send, connected)

	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return &NetworkError{Err: ctx.Err()}
	}
}

// token refresh
// the token is used for future joins and reconnects, and pushed to every joined topic
func (self *ConnectionManager) SetAuth(authToken string) error {
	authClaims, err := validateAuthToken(authToken)
	if err != nil {
		return err
	}

	var topics []string
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.authToken = authToken
		self.authClaims = authClaims
		for topic := range self.joinedTopics {
			topics = append(topics, topic)
		}
	}()

	for _, topic := range topics {
		message, err := NewMessage(topic, EventAccessToken, map[string]string{
			"access_token": authToken,
		})
		if err != nil {
			return err
		}
		if err := self.Send(message); err != nil {
			self.log.V(1).Infof("access token %s error = %s", topic, err)
		}
	}
	return nil
}

// deterministic teardown of the connection
// every waiting push fails with a `NetworkError`
func (self *ConnectionManager) Disconnect() {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.generation += 1
		if self.runCancel != nil {
			self.runCancel()
			self.runCancel = nil
		}
		self.send = nil
		self.heartbeatRef = ""
		clear(self.joinedTopics)
		self.failPendingReplies(&NetworkError{Err: ErrClosed})
		if self.state != ConnectionStateDisconnected {
			self.state = ConnectionStateDisconnected
			changed = true
		}
	}()
	if changed {
		self.log.V(1).Infof("disconnect")
		self.stateChanged(ConnectionStateDisconnected, nil)
	}
}

func (self *ConnectionManager) Close() {
	self.Disconnect()
	self.cancel()
}

// sends the message with a new ref and waits for the matching reply
func (self *ConnectionManager) Push(ctx context.Context, message *Message) (*Reply, error) {
	result := make(chan *pushResult, 1)
	send, ref, err := self.prepare(message, result)
	if err != nil {
		return nil, err
	}
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.pendingReplies, ref)
	}()

	if err := self.enqueue(ctx, send, message); err != nil {
		return nil, err
	}

	timer := time.NewTimer(self.settings.PushTimeout)
	defer timer.Stop()

	select {
	case r := <-result:
		if r.err != nil {
			return nil, r.err
		}
		self.updateJoined(message, r.reply)
		return r.reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &NetworkError{Err: ErrPushTimeout}
	}
}

// fire and forget
func (self *ConnectionManager) Send(message *Message) error {
	send, _, err := self.prepare(message, nil)
	if err != nil {
		return err
	}
	if message.Event == EventLeave {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			delete(self.joinedTopics, message.Topic)
		}()
	}
	return self.enqueue(self.ctx, send, message)
}

// assigns the ref and registers the reply channel, if any
func (self *ConnectionManager) prepare(message *Message, result chan *pushResult) (chan *Message, string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.send == nil {
		return nil, "", &NetworkError{Err: ErrNotConnected}
	}
	self.nextRef += 1
	ref := strconv.FormatUint(self.nextRef, 10)
	message.Ref = ref
	if message.Event == EventJoin {
		message.JoinRef = ref
	}
	if result != nil {
		self.pendingReplies[ref] = result
	}
	return self.send, ref, nil
}

func (self *ConnectionManager) enqueue(ctx context.Context, send chan *Message, message *Message) error {
	timer := time.NewTimer(self.settings.WriteTimeout)
	defer timer.Stop()

	select {
	case send <- message:
		self.log.V(2).Infof("%s->", message)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return &NetworkError{Err: ErrClosed}
	case <-timer.C:
		return &NetworkError{Err: ErrPushTimeout}
	}
}

func (self *ConnectionManager) updateJoined(message *Message, reply *Reply) {
	if message.Event != EventJoin || !reply.Ok() {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.joinedTopics[message.Topic] = true
}

func (self *ConnectionManager) dial(ctx context.Context, authToken string) (*websocket.Conn, error) {
	endpointUrl, err := url.Parse(self.endpointUrl)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	query := endpointUrl.Query()
	query.Set("vsn", "1.0.0")
	if self.settings.ApiKey != "" {
		query.Set("apikey", self.settings.ApiKey)
	}
	endpointUrl.RawQuery = query.Encode()

	// the proxy environment is read on each dial so reconnects follow changes
	proxyFunc := httpproxy.FromEnvironment().ProxyFunc()
	dialer := &websocket.Dialer{
		Proxy: func(r *http.Request) (*url.URL, error) {
			return proxyFunc(r.URL)
		},
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", authToken))

	ws, response, err := dialer.DialContext(ctx, endpointUrl.String(), header)
	if err != nil {
		if response != nil {
			switch response.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, &AuthError{Err: fmt.Errorf("Handshake status %d.", response.StatusCode)}
			}
		}
		return nil, &NetworkError{Err: err}
	}
	return ws, nil
}

// installs a new send queue for the connection
// false if the generation was replaced while dialing
func (self *ConnectionManager) setConnected(generation uint64, ws *websocket.Conn) (chan *Message, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.generation != generation {
		return nil, false
	}
	send := make(chan *Message, self.settings.SendBufferSize)
	self.send = send
	self.heartbeatRef = ""
	self.state = ConnectionStateConnected
	return send, true
}

func (self *ConnectionManager) setStateForGeneration(generation uint64, state ConnectionState) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.generation != generation {
		return false
	}
	self.state = state
	if state == ConnectionStateDisconnected && self.runCancel != nil {
		self.runCancel()
		self.runCancel = nil
	}
	return true
}

func (self *ConnectionManager) stateChanged(state ConnectionState, err error) {
	for _, stateCallback := range self.stateCallbacks.Get() {
		HandleError(func() {
			stateCallback(state, err)
		})
	}
}

// must be called with `stateLock`
func (self *ConnectionManager) failPendingReplies(err error) {
	for ref, result := range self.pendingReplies {
		select {
		case result <- &pushResult{err: err}:
		default:
		}
		delete(self.pendingReplies, ref)
	}
}

func (self *ConnectionManager) run(
	runCtx context.Context,
	generation uint64,
	ws *websocket.Conn,
	send chan *Message,
	connected chan struct{},
) {
	self.log.V(1).Infof("connected")
	self.stateChanged(ConnectionStateConnected, nil)
	close(connected)

	for {
		err := self.handle(runCtx, generation, ws, send)

		select {
		case <-runCtx.Done():
			return
		default:
		}

		self.log.Infof("connection lost = %s", err)
		if !self.setStateForGeneration(generation, ConnectionStateReconnecting) {
			return
		}
		self.stateChanged(ConnectionStateReconnecting, &NetworkError{Err: err})

		ws = nil
		var lastErr error
		for attempt := 0; ws == nil; attempt += 1 {
			if 0 < self.settings.MaxReconnectAttempts && self.settings.MaxReconnectAttempts <= attempt {
				self.log.Infof("reconnect attempts exhausted (%d) = %s", attempt, lastErr)
				if self.setStateForGeneration(generation, ConnectionStateDisconnected) {
					self.stateChanged(ConnectionStateDisconnected, lastErr)
				}
				return
			}

			select {
			case <-runCtx.Done():
				return
			case <-time.After(self.settings.reconnectTimeout(attempt)):
			}

			ws, lastErr = self.dial(runCtx, self.AuthToken())
			if lastErr != nil {
				self.log.Infof("reconnect attempt %d error = %s", attempt, lastErr)
			}
		}

		var ok bool
		send, ok = self.setConnected(generation, ws)
		if !ok {
			ws.Close()
			return
		}
		self.log.V(1).Infof("reconnected")
		self.stateChanged(ConnectionStateConnected, nil)
	}
}

// runs one connection until it drops or is cancelled
func (self *ConnectionManager) handle(runCtx context.Context, generation uint64, ws *websocket.Conn, send chan *Message) error {
	handleCtx, handleCancel := context.WithCancel(runCtx)
	defer handleCancel()

	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.generation == generation {
			self.send = nil
			self.heartbeatRef = ""
			clear(self.joinedTopics)
			self.failPendingReplies(&NetworkError{Err: ErrClosed})
		}
	}()

	go func() {
		<-handleCtx.Done()
		// unblocks the reader
		ws.Close()
	}()

	var writeErr error
	var writeErrLock sync.Mutex
	go func() {
		defer handleCancel()

		write := func(message *Message) error {
			messageType, frameBytes, err := EncodeFrame(message, self.settings.FrameEncoding)
			if err != nil {
				return err
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			return ws.WriteMessage(messageType, frameBytes)
		}

		heartbeatTicker := time.NewTicker(self.settings.HeartbeatInterval)
		defer heartbeatTicker.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				if err := write(message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					writeErrLock.Lock()
					writeErr = err
					writeErrLock.Unlock()
					return
				}
			case <-heartbeatTicker.C:
				heartbeat, ok := self.nextHeartbeat(generation)
				if !ok {
					writeErrLock.Lock()
					writeErr = errors.New("Heartbeat timeout.")
					writeErrLock.Unlock()
					return
				}
				if err := write(heartbeat); err != nil {
					writeErrLock.Lock()
					writeErr = err
					writeErrLock.Unlock()
					return
				}
			}
		}
	}()

	for {
		messageType, frameBytes, err := ws.ReadMessage()
		if err != nil {
			writeErrLock.Lock()
			defer writeErrLock.Unlock()
			if writeErr != nil {
				return writeErr
			}
			return err
		}

		message, err := DecodeFrame(messageType, frameBytes)
		if err != nil {
			self.log.V(1).Infof("bad frame = %s", err)
			continue
		}
		self.log.V(2).Infof("<-%s", message)

		if message.Event == EventReply && self.reply(message) {
			continue
		}
		for _, messageCallback := range self.messageCallbacks.Get() {
			HandleError(func() {
				messageCallback(message)
			})
		}
	}
}

// false if the previous heartbeat was never answered
func (self *ConnectionManager) nextHeartbeat(generation uint64) (*Message, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.generation != generation {
		return nil, false
	}
	if self.heartbeatRef != "" {
		return nil, false
	}
	self.nextRef += 1
	ref := strconv.FormatUint(self.nextRef, 10)
	self.heartbeatRef = ref
	return &Message{
		Ref:     ref,
		Topic:   PhoenixTopic,
		Event:   EventHeartbeat,
		Payload: []byte("{}"),
	}, true
}

// true if the reply was consumed by a waiting push or the heartbeat
func (self *ConnectionManager) reply(message *Message) bool {
	reply := &Reply{}
	if err := jsonUnmarshalPayload(message.Payload, reply); err != nil {
		self.log.V(1).Infof("bad reply %s = %s", message, err)
		return true
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if message.Topic == PhoenixTopic && message.Ref == self.heartbeatRef {
		self.heartbeatRef = ""
		return true
	}
	if result, ok := self.pendingReplies[message.Ref]; ok {
		delete(self.pendingReplies, message.Ref)
		result <- &pushResult{reply: reply}
		return true
	}
	return false
}
