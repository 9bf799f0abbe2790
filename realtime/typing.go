package realtime

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// who is currently typing in each room
// an entry expires `TypingTimeout` after the last typing event for the (room, user) pair

type TypingEvent struct {
	RoomId   string `json:"room_id"`
	UserId   string `json:"user_id"`
	UserName string `json:"user_name"`
	IsTyping bool   `json:"is_typing"`
}

type TypingEntry struct {
	RoomId    string
	UserId    string
	UserName  string
	Timestamp time.Time
}

type TypingChangeFunction func(roomId string, entries []TypingEntry)

type TypingTrackerSettings struct {
	TypingTimeout time.Duration
	// outbound `true` events for the same room are suppressed within this window
	TypingResendInterval time.Duration
	// broadcast event name
	TypingEvent string
}

func DefaultTypingTrackerSettings() *TypingTrackerSettings {
	return &TypingTrackerSettings{
		TypingTimeout:        3 * time.Second,
		TypingResendInterval: 1 * time.Second,
		TypingEvent:          "typing",
	}
}

// comparable
type typingKey struct {
	roomId string
	userId string
}

type typingEntry struct {
	TypingEntry
	sequence uint64
}

type TypingTracker struct {
	channelRegistry *ChannelRegistry
	settings        *TypingTrackerSettings

	log *tagLog

	stateLock sync.Mutex
	closed    bool
	// room id -> user id -> entry
	rooms        map[string]map[string]*typingEntry
	nextSequence uint64
	timers       *keyedTimers[typingKey]
	// room id -> last outbound typing event
	lastSendTimes map[string]time.Time
	// room id -> active `WatchRoom` count
	watchCounts map[string]int

	changeCallbacks *CallbackList[TypingChangeFunction]
}

func NewTypingTrackerWithDefaults(channelRegistry *ChannelRegistry) *TypingTracker {
	return NewTypingTracker(channelRegistry, DefaultTypingTrackerSettings())
}

// `channelRegistry` may be nil when events are fed with `HandleTypingEvent` only
func NewTypingTracker(channelRegistry *ChannelRegistry, settings *TypingTrackerSettings) *TypingTracker {
	return &TypingTracker{
		channelRegistry: channelRegistry,
		settings:        settings,
		log:             newTagLog("typing"),
		rooms:           map[string]map[string]*typingEntry{},
		timers:          newKeyedTimers[typingKey](),
		lastSendTimes:   map[string]time.Time{},
		watchCounts:     map[string]int{},
		changeCallbacks: NewCallbackList[TypingChangeFunction](),
	}
}

func (self *TypingTracker) AddTypingChangeCallback(typingChangeCallback TypingChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(typingChangeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *TypingTracker) HandleTypingEvent(event *TypingEvent) {
	key := typingKey{
		roomId: event.RoomId,
		userId: event.UserId,
	}

	changed := false
	var entries []TypingEntry
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return
		}

		if event.IsTyping {
			room, ok := self.rooms[key.roomId]
			if !ok {
				room = map[string]*typingEntry{}
				self.rooms[key.roomId] = room
			}
			if entry, ok := room[key.userId]; ok {
				// refresh. Keep the original position.
				entry.Timestamp = time.Now()
				if entry.UserName != event.UserName {
					entry.UserName = event.UserName
					changed = true
				}
			} else {
				self.nextSequence += 1
				room[key.userId] = &typingEntry{
					TypingEntry: TypingEntry{
						RoomId:    key.roomId,
						UserId:    key.userId,
						UserName:  event.UserName,
						Timestamp: time.Now(),
					},
					sequence: self.nextSequence,
				}
				changed = true
			}
			self.timers.reset(key, self.settings.TypingTimeout, func(generation uint64) {
				self.expire(key, generation)
			})
			self.log.V(2).Infof("typing %s %s", key.roomId, key.userId)
		} else {
			self.timers.cancel(key)
			changed = self.remove(key)
		}

		if changed {
			entries = self.snapshot(key.roomId)
		}
	}()

	if changed {
		self.changed(key.roomId, entries)
	}
}

// entries in insertion order
func (self *TypingTracker) TypingUsers(roomId string) []TypingEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.snapshot(roomId)
}

// subscribes to the room's broadcast topic and feeds typing events into the tracker
// the returned function unsubscribes. The room is cleared when its last watch is released.
func (self *TypingTracker) WatchRoom(ctx context.Context, roomId string) (func(), error) {
	unsub, err := self.channelRegistry.Subscribe(ctx, TopicKindBroadcast, roomId, func(event *ChannelEvent) {
		broadcastEvent, payload, ok, err := DecodeBroadcast(event)
		if !ok || broadcastEvent != self.settings.TypingEvent {
			return
		}
		if err != nil {
			self.log.V(1).Infof("bad typing event %s = %s", roomId, err)
			return
		}
		typingEvent := &TypingEvent{}
		if err := json.Unmarshal(payload, typingEvent); err != nil {
			self.log.V(1).Infof("bad typing event %s = %s", roomId, err)
			return
		}
		// the topic is authoritative for the room
		typingEvent.RoomId = roomId
		self.HandleTypingEvent(typingEvent)
	})
	if err != nil {
		return nil, err
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.watchCounts[roomId] += 1
	}()

	var unwatchOnce sync.Once
	return func() {
		unwatchOnce.Do(func() {
			unsub()
			last := false
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()
				self.watchCounts[roomId] -= 1
				if self.watchCounts[roomId] <= 0 {
					delete(self.watchCounts, roomId)
					last = true
				}
			}()
			if last {
				self.clearRoom(roomId)
			}
		})
	}, nil
}

// announces this client's typing state on a watched room
// repeated `true` within `TypingResendInterval` is not sent again. `false` is always sent.
func (self *TypingTracker) SendTyping(roomId string, userId string, userName string, isTyping bool) error {
	send := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		now := time.Now()
		if isTyping {
			if lastSendTime, ok := self.lastSendTimes[roomId]; ok && now.Sub(lastSendTime) < self.settings.TypingResendInterval {
				return
			}
			self.lastSendTimes[roomId] = now
		} else {
			delete(self.lastSendTimes, roomId)
		}
		send = true
	}()
	if !send {
		return nil
	}

	return self.channelRegistry.Broadcast(TopicKindBroadcast, roomId, self.settings.TypingEvent, &TypingEvent{
		RoomId:   roomId,
		UserId:   userId,
		UserName: userName,
		IsTyping: isTyping,
	})
}

func (self *TypingTracker) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	self.timers.cancelAll()
	clear(self.rooms)
	clear(self.lastSendTimes)
	clear(self.watchCounts)
}

func (self *TypingTracker) expire(key typingKey, generation uint64) {
	changed := false
	var entries []TypingEntry
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if !self.timers.consume(key, generation) {
			// stale fire. The entry was refreshed or finalized.
			return
		}
		changed = self.remove(key)
		if changed {
			entries = self.snapshot(key.roomId)
		}
	}()

	if changed {
		self.log.V(2).Infof("typing expired %s %s", key.roomId, key.userId)
		self.changed(key.roomId, entries)
	}
}

func (self *TypingTracker) clearRoom(roomId string) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		room, ok := self.rooms[roomId]
		if !ok {
			return
		}
		for userId := range room {
			self.timers.cancel(typingKey{
				roomId: roomId,
				userId: userId,
			})
		}
		delete(self.rooms, roomId)
		delete(self.lastSendTimes, roomId)
		changed = true
	}()

	if changed {
		self.changed(roomId, []TypingEntry{})
	}
}

// must be called with `stateLock`
func (self *TypingTracker) remove(key typingKey) bool {
	room, ok := self.rooms[key.roomId]
	if !ok {
		return false
	}
	if _, ok := room[key.userId]; !ok {
		return false
	}
	delete(room, key.userId)
	if len(room) == 0 {
		delete(self.rooms, key.roomId)
	}
	return true
}

// must be called with `stateLock`
func (self *TypingTracker) snapshot(roomId string) []TypingEntry {
	room := self.rooms[roomId]
	ordered := make([]*typingEntry, 0, len(room))
	for _, entry := range room {
		ordered = append(ordered, entry)
	}
	slices.SortFunc(ordered, func(a *typingEntry, b *typingEntry) int {
		if a.sequence < b.sequence {
			return -1
		} else if b.sequence < a.sequence {
			return 1
		} else {
			return 0
		}
	})
	entries := make([]TypingEntry, len(ordered))
	for i, entry := range ordered {
		entries[i] = entry.TypingEntry
	}
	return entries
}

func (self *TypingTracker) changed(roomId string, entries []TypingEntry) {
	for _, typingChangeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			typingChangeCallback(roomId, entries)
		})
	}
}
