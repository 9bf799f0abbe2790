package realtime

import (
	"context"
	"fmt"
	"sync"
)

// forwards newly inserted notification rows for a user
// rows are delivered verbatim. Listeners may mutate their copy.

type NotificationFunction func(notification Row)

type NotificationDispatcherSettings struct {
	Table       string
	UserIdField string
	// a row counts as unread unless this field is true
	ReadField string
}

func DefaultNotificationDispatcherSettings() *NotificationDispatcherSettings {
	return &NotificationDispatcherSettings{
		Table:       "notifications",
		UserIdField: "user_id",
		ReadField:   "read",
	}
}

type NotificationDispatcher struct {
	channelRegistry *ChannelRegistry
	settings        *NotificationDispatcherSettings

	log *tagLog

	stateLock   sync.Mutex
	unreadCount int

	notificationCallbacks *CallbackList[NotificationFunction]
}

func NewNotificationDispatcherWithDefaults(channelRegistry *ChannelRegistry) *NotificationDispatcher {
	return NewNotificationDispatcher(channelRegistry, DefaultNotificationDispatcherSettings())
}

func NewNotificationDispatcher(channelRegistry *ChannelRegistry, settings *NotificationDispatcherSettings) *NotificationDispatcher {
	return &NotificationDispatcher{
		channelRegistry:       channelRegistry,
		settings:              settings,
		log:                   newTagLog("notification"),
		notificationCallbacks: NewCallbackList[NotificationFunction](),
	}
}

func (self *NotificationDispatcher) AddNotificationCallback(notificationCallback NotificationFunction) func() {
	callbackId := self.notificationCallbacks.Add(notificationCallback)
	return func() {
		self.notificationCallbacks.Remove(callbackId)
	}
}

func (self *NotificationDispatcher) TopicKey(userId string) string {
	return fmt.Sprintf("%s:%s=eq.%s", self.settings.Table, self.settings.UserIdField, userId)
}

// watching the same user more than once shares the subscription
func (self *NotificationDispatcher) Watch(ctx context.Context, userId string) (func(), error) {
	return self.channelRegistry.Subscribe(ctx, TopicKindTableChanges, self.TopicKey(userId), self.receive)
}

func (self *NotificationDispatcher) UnreadCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.unreadCount
}

func (self *NotificationDispatcher) MarkAllRead() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.unreadCount = 0
}

func (self *NotificationDispatcher) Close() {
	self.notificationCallbacks.Clear()
}

// ChannelEventFunction
func (self *NotificationDispatcher) receive(event *ChannelEvent) {
	change, ok, err := DecodeRowChange(event)
	if !ok {
		return
	}
	if err != nil {
		self.log.V(1).Infof("bad row change %s = %s", event.Topic, err)
		return
	}
	if change.EventType != RowEventInsert {
		return
	}
	self.Dispatch(change.New)
}

// delivers a notification row to every listener, in registration order
func (self *NotificationDispatcher) Dispatch(notification Row) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if read, _ := notification[self.settings.ReadField].(bool); !read {
			self.unreadCount += 1
		}
	}()

	self.log.V(2).Infof("notification %v", notification[self.settings.UserIdField])
	for _, notificationCallback := range self.notificationCallbacks.Get() {
		HandleError(func() {
			notificationCallback(CloneRow(notification))
		})
	}
}
