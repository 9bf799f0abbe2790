package realtime

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func testToken(t *testing.T, subject string, expiresAt time.Time) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":  subject,
		"role": "authenticated",
		"exp":  expiresAt.Unix(),
	})
	signed, err := token.SignedString([]byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func testConnectionManagerSettings() *ConnectionManagerSettings {
	settings := DefaultConnectionManagerSettings()
	settings.HeartbeatInterval = 100 * time.Millisecond
	settings.PushTimeout = 2 * time.Second
	settings.WriteTimeout = 1 * time.Second
	settings.ReconnectBackoff = []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
	}
	return settings
}

func testChannelRegistrySettings() *ChannelRegistrySettings {
	settings := DefaultChannelRegistrySettings()
	settings.JoinTimeout = 2 * time.Second
	return settings
}

// a minimal real-time endpoint
// joins are accepted unless the topic contains "forbidden"
// pushes on topics containing "silent" are never answered
type testServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	stateLock      sync.Mutex
	conns          []*testConn
	rejectAuth     bool
	dropHeartbeats bool
	connectCount   int

	received chan *Message
}

type testConn struct {
	ws          *websocket.Conn
	messageType int
	writeLock   sync.Mutex
}

func (self *testConn) write(message *Message) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	encoding := FrameEncodingJson
	if self.messageType == websocket.BinaryMessage {
		encoding = FrameEncodingProto
	}
	messageType, frameBytes, err := EncodeFrame(message, encoding)
	if err != nil {
		return err
	}
	return self.ws.WriteMessage(messageType, frameBytes)
}

func newTestServer(t *testing.T) *testServer {
	testServer := &testServer{
		received: make(chan *Message, 1024),
	}
	testServer.server = httptest.NewServer(http.HandlerFunc(testServer.serve))
	t.Cleanup(testServer.Close)
	return testServer
}

func (self *testServer) Url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http") + "/realtime/v1/websocket"
}

func (self *testServer) SetRejectAuth(rejectAuth bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.rejectAuth = rejectAuth
}

func (self *testServer) SetDropHeartbeats(dropHeartbeats bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.dropHeartbeats = dropHeartbeats
}

func (self *testServer) ConnectCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectCount
}

func (self *testServer) serve(w http.ResponseWriter, r *http.Request) {
	rejectAuth := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		return self.rejectAuth
	}()
	if rejectAuth || !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &testConn{ws: ws}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.conns = append(self.conns, conn)
		self.connectCount += 1
	}()
	defer ws.Close()

	for {
		messageType, frameBytes, err := ws.ReadMessage()
		if err != nil {
			return
		}
		func() {
			conn.writeLock.Lock()
			defer conn.writeLock.Unlock()
			conn.messageType = messageType
		}()
		message, err := DecodeFrame(messageType, frameBytes)
		if err != nil {
			continue
		}
		select {
		case self.received <- message:
		default:
		}

		switch message.Event {
		case EventHeartbeat:
			dropHeartbeats := func() bool {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()
				return self.dropHeartbeats
			}()
			if !dropHeartbeats {
				conn.write(testReply(message, ReplyStatusOk, map[string]any{}))
			}
		case EventJoin:
			if strings.Contains(message.Topic, "silent") {
				continue
			}
			if strings.Contains(message.Topic, "forbidden") {
				conn.write(testReply(message, ReplyStatusError, map[string]any{"reason": "forbidden"}))
			} else {
				conn.write(testReply(message, ReplyStatusOk, map[string]any{}))
			}
		case EventPresence, EventLeave:
			conn.write(testReply(message, ReplyStatusOk, map[string]any{}))
		}
	}
}

func testReply(message *Message, status string, response map[string]any) *Message {
	payload, _ := json.Marshal(map[string]any{
		"status":   status,
		"response": response,
	})
	return &Message{
		JoinRef: message.JoinRef,
		Ref:     message.Ref,
		Topic:   message.Topic,
		Event:   EventReply,
		Payload: payload,
	}
}

// sends a frame to every open connection
func (self *testServer) Push(topic string, event string, payload any) {
	message, err := NewMessage(topic, event, payload)
	if err != nil {
		panic(err)
	}
	var conns []*testConn
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		conns = append(conns, self.conns...)
	}()
	for _, conn := range conns {
		conn.write(message)
	}
}

// closes every open connection without a close frame
func (self *testServer) Drop() {
	var conns []*testConn
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		conns = self.conns
		self.conns = nil
	}()
	for _, conn := range conns {
		conn.ws.Close()
	}
}

// the next received frame that matches, or nil after `timeout`
func (self *testServer) WaitFor(timeout time.Duration, match func(*Message) bool) *Message {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case message := <-self.received:
			if match(message) {
				return message
			}
		case <-timer.C:
			return nil
		}
	}
}

func (self *testServer) WaitForEvent(timeout time.Duration, topic string, event string) *Message {
	return self.WaitFor(timeout, func(message *Message) bool {
		return message.Topic == topic && message.Event == event
	})
}

func (self *testServer) Close() {
	self.Drop()
	self.server.Close()
}

// connects a manager and registry to `testServer`
func newTestRegistry(t *testing.T, ctx context.Context, testServer *testServer, subject string) (*ConnectionManager, *ChannelRegistry) {
	connectionManager := NewConnectionManager(ctx, testServer.Url(), testConnectionManagerSettings())
	t.Cleanup(connectionManager.Close)
	channelRegistry := NewChannelRegistry(ctx, connectionManager, testChannelRegistrySettings())
	t.Cleanup(channelRegistry.Close)

	err := connectionManager.Connect(ctx, testToken(t, subject, time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	return connectionManager, channelRegistry
}

// polls `condition` until it holds or `timeout` passes
func eventually(timeout time.Duration, condition func() bool) bool {
	end := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if end.Before(time.Now()) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
