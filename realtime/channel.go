package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// multiple consumers of the same logical channel share one wire subscription
// the wire subscription exists iff the reference count is positive

type TopicKind string

const (
	TopicKindTableChanges TopicKind = "table-changes"
	TopicKindBroadcast    TopicKind = "broadcast"
	TopicKindPresence     TopicKind = "presence"
)

// comparable
type Topic struct {
	Kind TopicKind
	Key  string
}

func (self Topic) WireTopic() string {
	return fmt.Sprintf("realtime:%s:%s", self.Kind, self.Key)
}

func (self Topic) String() string {
	return fmt.Sprintf("(%s, %s)", self.Kind, self.Key)
}

// table-changes keys are `<table>:<filter>`, e.g. `notifications:user_id=eq.42`
func splitTableKey(key string) (table string, filter string) {
	table, filter, _ = strings.Cut(key, ":")
	return
}

type ChannelEvent struct {
	Topic   Topic
	Event   string
	Payload json.RawMessage
}

// listeners of a topic are called one after the other in transport order
type ChannelEventFunction func(event *ChannelEvent)

// called after a topic was joined again following a reconnect
type RejoinFunction func(topic Topic)

type ChannelRegistrySettings struct {
	JoinTimeout time.Duration
	// database schema for table-changes topics
	Schema string
	// presence key for presence topics. Defaults to the token subject.
	PresenceKey string
}

func DefaultChannelRegistrySettings() *ChannelRegistrySettings {
	return &ChannelRegistrySettings{
		JoinTimeout: 10 * time.Second,
		Schema:      "public",
	}
}

type channelSubscription struct {
	topic     Topic
	refCount  int
	listeners *CallbackList[ChannelEventFunction]
	// closed when the first join settles
	joined  chan struct{}
	joinErr error
}

func newChannelSubscription(topic Topic) *channelSubscription {
	return &channelSubscription{
		topic:     topic,
		listeners: NewCallbackList[ChannelEventFunction](),
		joined:    make(chan struct{}),
	}
}

func (self *channelSubscription) settled() bool {
	select {
	case <-self.joined:
		return true
	default:
		return false
	}
}

type ChannelRegistry struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionManager *ConnectionManager
	settings          *ChannelRegistrySettings

	log *tagLog

	stateLock     sync.Mutex
	subscriptions map[Topic]*channelSubscription
	// wire topic -> subscription
	wireTopics map[string]*channelSubscription

	rejoinCallbacks *CallbackList[RejoinFunction]

	connectionUnsubs []func()
}

func NewChannelRegistryWithDefaults(ctx context.Context, connectionManager *ConnectionManager) *ChannelRegistry {
	return NewChannelRegistry(ctx, connectionManager, DefaultChannelRegistrySettings())
}

func NewChannelRegistry(ctx context.Context, connectionManager *ConnectionManager, settings *ChannelRegistrySettings) *ChannelRegistry {
	cancelCtx, cancel := context.WithCancel(ctx)
	channelRegistry := &ChannelRegistry{
		ctx:               cancelCtx,
		cancel:            cancel,
		connectionManager: connectionManager,
		settings:          settings,
		log:               newTagLog("channel"),
		subscriptions:     map[Topic]*channelSubscription{},
		wireTopics:        map[string]*channelSubscription{},
		rejoinCallbacks:   NewCallbackList[RejoinFunction](),
	}
	channelRegistry.connectionUnsubs = []func(){
		connectionManager.AddMessageCallback(channelRegistry.receive),
		connectionManager.AddStateCallback(channelRegistry.connectionStateChanged),
	}
	return channelRegistry
}

func (self *ChannelRegistry) AddRejoinCallback(rejoinCallback RejoinFunction) func() {
	callbackId := self.rejoinCallbacks.Add(rejoinCallback)
	return func() {
		self.rejoinCallbacks.Remove(callbackId)
	}
}

// the returned function detaches `handler`. Calling it more than once is a no-op.
// if the join is rejected, every caller waiting on the topic gets a `ChannelError`
// and no handler stays registered
func (self *ChannelRegistry) Subscribe(
	ctx context.Context,
	kind TopicKind,
	key string,
	handler ChannelEventFunction,
) (func(), error) {
	topic := Topic{
		Kind: kind,
		Key:  key,
	}

	var subscription *channelSubscription
	var listenerId int
	first := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var ok bool
		subscription, ok = self.subscriptions[topic]
		if !ok {
			subscription = newChannelSubscription(topic)
			self.subscriptions[topic] = subscription
			self.wireTopics[topic.WireTopic()] = subscription
			first = true
		}
		subscription.refCount += 1
		listenerId = subscription.listeners.Add(handler)
	}()

	if first {
		joinCtx, joinCancel := context.WithTimeout(self.ctx, self.settings.JoinTimeout)
		var err error
		if glog.V(2) {
			Trace(fmt.Sprintf("[channel]join %s", topic), func() {
				err = self.join(joinCtx, topic)
			})
		} else {
			err = self.join(joinCtx, topic)
		}
		joinCancel()
		self.settle(subscription, err)
	}

	select {
	case <-subscription.joined:
	case <-ctx.Done():
		self.release(subscription, listenerId)
		return nil, ctx.Err()
	}
	if subscription.joinErr != nil {
		return nil, subscription.joinErr
	}

	var releaseOnce sync.Once
	unsubscribe := func() {
		releaseOnce.Do(func() {
			self.release(subscription, listenerId)
		})
	}
	return unsubscribe, nil
}

func (self *ChannelRegistry) RefCount(kind TopicKind, key string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if subscription, ok := self.subscriptions[Topic{Kind: kind, Key: key}]; ok {
		return subscription.refCount
	}
	return 0
}

func (self *ChannelRegistry) Topics() []Topic {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	topics := make([]Topic, 0, len(self.subscriptions))
	for topic := range self.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

// sends a broadcast on a joined topic
func (self *ChannelRegistry) Broadcast(kind TopicKind, key string, event string, payload any) error {
	topic := Topic{
		Kind: kind,
		Key:  key,
	}
	message, err := NewMessage(topic.WireTopic(), EventBroadcast, map[string]any{
		"type":    "broadcast",
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	return self.connectionManager.Send(message)
}

// pushes on a joined topic and waits for the reply
func (self *ChannelRegistry) Push(ctx context.Context, kind TopicKind, key string, event string, payload any) (*Reply, error) {
	topic := Topic{
		Kind: kind,
		Key:  key,
	}
	message, err := NewMessage(topic.WireTopic(), event, payload)
	if err != nil {
		return nil, err
	}
	return self.connectionManager.Push(ctx, message)
}

// drops every subscription without leaving the wire topics
// the connection is expected to be torn down with the registry
func (self *ChannelRegistry) Close() {
	self.cancel()
	for _, connectionUnsub := range self.connectionUnsubs {
		connectionUnsub()
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, subscription := range self.subscriptions {
		subscription.listeners.Clear()
	}
	clear(self.subscriptions)
	clear(self.wireTopics)
}

func (self *ChannelRegistry) join(ctx context.Context, topic Topic) error {
	message, err := NewMessage(topic.WireTopic(), EventJoin, self.joinPayload(topic))
	if err != nil {
		return &ChannelError{Topic: topic.WireTopic(), Err: err}
	}
	reply, err := self.connectionManager.Push(ctx, message)
	if err != nil {
		return &ChannelError{Topic: topic.WireTopic(), Err: err}
	}
	if !reply.Ok() {
		return &ChannelError{Topic: topic.WireTopic(), Reason: reply.Reason()}
	}
	self.log.V(1).Infof("joined %s", topic)
	return nil
}

func (self *ChannelRegistry) joinPayload(topic Topic) map[string]any {
	config := map[string]any{
		"broadcast": map[string]any{
			"self": false,
			"ack":  false,
		},
		"presence": map[string]any{
			"key": "",
		},
		"postgres_changes": []any{},
	}
	switch topic.Kind {
	case TopicKindTableChanges:
		table, filter := splitTableKey(topic.Key)
		change := map[string]any{
			"event":  "*",
			"schema": self.settings.Schema,
			"table":  table,
		}
		if filter != "" {
			change["filter"] = filter
		}
		config["postgres_changes"] = []any{change}
	case TopicKindPresence:
		config["presence"] = map[string]any{
			"key": self.presenceKey(),
		}
	}
	return map[string]any{
		"config":       config,
		"access_token": self.connectionManager.AuthToken(),
	}
}

func (self *ChannelRegistry) presenceKey() string {
	if self.settings.PresenceKey != "" {
		return self.settings.PresenceKey
	}
	if authClaims := self.connectionManager.AuthClaims(); authClaims != nil {
		return authClaims.Subject
	}
	return ""
}

func (self *ChannelRegistry) settle(subscription *channelSubscription, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	current := self.subscriptions[subscription.topic] == subscription
	if err != nil {
		self.log.Infof("join %s error = %s", subscription.topic, err)
		subscription.joinErr = err
		if current {
			delete(self.subscriptions, subscription.topic)
			delete(self.wireTopics, subscription.topic.WireTopic())
		}
		subscription.listeners.Clear()
	} else if !current {
		// every subscriber went away while the join was in flight
		// a newer subscription of the topic has already sent its own join
		if _, ok := self.subscriptions[subscription.topic]; !ok {
			self.leave(subscription.topic)
		}
	}
	close(subscription.joined)
}

// the leave is queued before the lock is released
// so a new subscription of the topic always joins after it
func (self *ChannelRegistry) release(subscription *channelSubscription, listenerId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscription.listeners.Remove(listenerId)
	if subscription.refCount <= 0 {
		return
	}
	subscription.refCount -= 1
	if subscription.refCount == 0 && self.subscriptions[subscription.topic] == subscription {
		delete(self.subscriptions, subscription.topic)
		delete(self.wireTopics, subscription.topic.WireTopic())
		// a join still in flight leaves when it settles
		if subscription.settled() && subscription.joinErr == nil {
			self.leave(subscription.topic)
		}
	}
}

// must be called with `stateLock`
func (self *ChannelRegistry) leave(topic Topic) {
	message, err := NewMessage(topic.WireTopic(), EventLeave, map[string]any{})
	if err != nil {
		return
	}
	if err := self.connectionManager.Send(message); err != nil {
		// the wire subscription is gone with the connection
		self.log.V(1).Infof("leave %s error = %s", topic, err)
		return
	}
	self.log.V(1).Infof("left %s", topic)
}

// MessageFunction
func (self *ChannelRegistry) receive(message *Message) {
	var subscription *channelSubscription
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		subscription = self.wireTopics[message.Topic]
	}()
	if subscription == nil {
		self.log.V(2).Infof("drop %s", message)
		return
	}

	switch message.Event {
	case EventClose:
		self.log.V(1).Infof("closed by server %s", subscription.topic)
		return
	case EventError:
		self.log.Infof("channel error %s", subscription.topic)
		go self.rejoin(subscription)
		return
	}

	event := &ChannelEvent{
		Topic:   subscription.topic,
		Event:   message.Event,
		Payload: message.Payload,
	}
	for _, listener := range subscription.listeners.Get() {
		HandleError(func() {
			listener(event)
		})
	}
}

// ConnectionStateFunction
func (self *ChannelRegistry) connectionStateChanged(state ConnectionState, err error) {
	switch state {
	case ConnectionStateConnected:
		// subscriptions joined on a previous connection are stale
		// subscriptions made after this point join on the new connection themselves
		subscriptions := self.joinedSubscriptions()
		if 0 < len(subscriptions) {
			// the join pushes must not run on the connection goroutine
			go self.rejoinAll(subscriptions)
		}
	}
}

func (self *ChannelRegistry) joinedSubscriptions() []*channelSubscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscriptions := []*channelSubscription{}
	for _, subscription := range self.subscriptions {
		if subscription.settled() && subscription.joinErr == nil {
			subscriptions = append(subscriptions, subscription)
		}
	}
	return subscriptions
}

func (self *ChannelRegistry) rejoinAll(subscriptions []*channelSubscription) {
	for _, subscription := range subscriptions {
		self.rejoin(subscription)
	}
}

func (self *ChannelRegistry) rejoin(subscription *channelSubscription) {
	if !self.current(subscription) {
		return
	}

	joinCtx, joinCancel := context.WithTimeout(self.ctx, self.settings.JoinTimeout)
	defer joinCancel()

	if err := self.join(joinCtx, subscription.topic); err != nil {
		self.log.Infof("rejoin %s error = %s", subscription.topic, err)
		return
	}
	for _, rejoinCallback := range self.rejoinCallbacks.Get() {
		HandleError(func() {
			rejoinCallback(subscription.topic)
		})
	}
}

func (self *ChannelRegistry) current(subscription *channelSubscription) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.subscriptions[subscription.topic] == subscription
}

// payload of `broadcast`
type broadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// false if the event is not a broadcast
func DecodeBroadcast(event *ChannelEvent) (broadcastEvent string, payload json.RawMessage, ok bool, err error) {
	if event.Event != EventBroadcast {
		return "", nil, false, nil
	}
	broadcast := &broadcastPayload{}
	if err := jsonUnmarshalPayload(event.Payload, broadcast); err != nil {
		return "", nil, true, err
	}
	return broadcast.Event, broadcast.Payload, true, nil
}
