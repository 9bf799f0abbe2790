package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testTypingTrackerSettings() *TypingTrackerSettings {
	settings := DefaultTypingTrackerSettings()
	settings.TypingTimeout = 200 * time.Millisecond
	settings.TypingResendInterval = 500 * time.Millisecond
	return settings
}

func typingUserIds(entries []TypingEntry) []string {
	userIds := []string{}
	for _, entry := range entries {
		userIds = append(userIds, entry.UserId)
	}
	return userIds
}

func TestTypingExpiry(t *testing.T) {
	typingTracker := NewTypingTracker(nil, testTypingTrackerSettings())
	defer typingTracker.Close()

	typingTracker.HandleTypingEvent(&TypingEvent{
		RoomId:   "room-1",
		UserId:   "u1",
		UserName: "Ada",
		IsTyping: true,
	})
	entries := typingTracker.TypingUsers("room-1")
	assert.Equal(t, len(entries), 1)
	assert.Equal(t, entries[0].UserName, "Ada")

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, len(typingTracker.TypingUsers("room-1")), 0)
}

func TestTypingRefresh(t *testing.T) {
	typingTracker := NewTypingTracker(nil, testTypingTrackerSettings())
	defer typingTracker.Close()

	event := &TypingEvent{
		RoomId:   "room-1",
		UserId:   "u1",
		UserName: "Ada",
		IsTyping: true,
	}
	typingTracker.HandleTypingEvent(event)
	time.Sleep(120 * time.Millisecond)
	// refreshes the timer, never duplicates
	typingTracker.HandleTypingEvent(event)
	assert.Equal(t, len(typingTracker.TypingUsers("room-1")), 1)

	// past the first timeout, within the refreshed one
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, typingUserIds(typingTracker.TypingUsers("room-1")), []string{"u1"})

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, len(typingTracker.TypingUsers("room-1")), 0)
}

func TestTypingOrderAndStop(t *testing.T) {
	typingTracker := NewTypingTracker(nil, testTypingTrackerSettings())
	defer typingTracker.Close()

	var changesLock sync.Mutex
	changes := [][]string{}
	typingTracker.AddTypingChangeCallback(func(roomId string, entries []TypingEntry) {
		changesLock.Lock()
		defer changesLock.Unlock()
		changes = append(changes, typingUserIds(entries))
	})

	for _, userId := range []string{"u2", "u1", "u3"} {
		typingTracker.HandleTypingEvent(&TypingEvent{
			RoomId:   "room-1",
			UserId:   userId,
			IsTyping: true,
		})
	}
	// insertion order
	assert.Equal(t, typingUserIds(typingTracker.TypingUsers("room-1")), []string{"u2", "u1", "u3"})
	assert.Equal(t, len(typingTracker.TypingUsers("room-2")), 0)

	typingTracker.HandleTypingEvent(&TypingEvent{
		RoomId:   "room-1",
		UserId:   "u1",
		IsTyping: false,
	})
	assert.Equal(t, typingUserIds(typingTracker.TypingUsers("room-1")), []string{"u2", "u3"})

	// the cancelled timer must not fire a change
	time.Sleep(100 * time.Millisecond)
	typingTracker.HandleTypingEvent(&TypingEvent{RoomId: "room-1", UserId: "u2", IsTyping: false})
	typingTracker.HandleTypingEvent(&TypingEvent{RoomId: "room-1", UserId: "u3", IsTyping: false})
	time.Sleep(300 * time.Millisecond)

	changesLock.Lock()
	defer changesLock.Unlock()
	assert.Equal(t, changes, [][]string{
		{"u2"},
		{"u2", "u1"},
		{"u2", "u1", "u3"},
		{"u2", "u3"},
		{"u3"},
		{},
	})
}

func TestTypingWatchRoom(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newTestServer(t)
	_, channelRegistry := newTestRegistry(t, ctx, testServer, "user-1")

	typingTracker := NewTypingTracker(channelRegistry, testTypingTrackerSettings())
	defer typingTracker.Close()

	unwatch, err := typingTracker.WatchRoom(ctx, "room-1")
	assert.Equal(t, err, nil)

	wireTopic := "realtime:broadcast:room-1"
	testServer.Push(wireTopic, EventBroadcast, map[string]any{
		"type":  "broadcast",
		"event": "typing",
		"payload": map[string]any{
			"user_id":   "u9",
			"user_name": "Grace",
			"is_typing": true,
		},
	})
	ok := eventually(time.Second, func() bool {
		return len(typingTracker.TypingUsers("room-1")) == 1
	})
	assert.Equal(t, ok, true)

	// repeated starts within the resend interval are sent once
	assert.Equal(t, typingTracker.SendTyping("room-1", "user-1", "Me", true), nil)
	assert.Equal(t, typingTracker.SendTyping("room-1", "user-1", "Me", true), nil)
	assert.Equal(t, typingTracker.SendTyping("room-1", "user-1", "Me", false), nil)

	sent := []bool{}
	for {
		message := testServer.WaitForEvent(200*time.Millisecond, wireTopic, EventBroadcast)
		if message == nil {
			break
		}
		var broadcast struct {
			Event   string      `json:"event"`
			Payload TypingEvent `json:"payload"`
		}
		assert.Equal(t, jsonUnmarshalPayload(message.Payload, &broadcast), nil)
		assert.Equal(t, broadcast.Event, "typing")
		sent = append(sent, broadcast.Payload.IsTyping)
	}
	assert.Equal(t, sent, []bool{true, false})

	unwatch()
	assert.Equal(t, len(typingTracker.TypingUsers("room-1")), 0)
	assert.Equal(t, channelRegistry.RefCount(TopicKindBroadcast, "room-1"), 0)
}

func TestTypingWatchRoomShared(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newTestServer(t)
	_, channelRegistry := newTestRegistry(t, ctx, testServer, "user-1")

	settings := testTypingTrackerSettings()
	settings.TypingTimeout = 5 * time.Second
	typingTracker := NewTypingTracker(channelRegistry, settings)
	defer typingTracker.Close()

	unwatchA, err := typingTracker.WatchRoom(ctx, "room-1")
	assert.Equal(t, err, nil)
	unwatchB, err := typingTracker.WatchRoom(ctx, "room-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, channelRegistry.RefCount(TopicKindBroadcast, "room-1"), 2)

	typingTracker.HandleTypingEvent(&TypingEvent{
		RoomId:   "room-1",
		UserId:   "u9",
		UserName: "Grace",
		IsTyping: true,
	})
	assert.Equal(t, typingUserIds(typingTracker.TypingUsers("room-1")), []string{"u9"})

	// the other watcher still sees who is typing
	unwatchA()
	unwatchA()
	assert.Equal(t, typingUserIds(typingTracker.TypingUsers("room-1")), []string{"u9"})
	assert.Equal(t, channelRegistry.RefCount(TopicKindBroadcast, "room-1"), 1)

	unwatchB()
	assert.Equal(t, len(typingTracker.TypingUsers("room-1")), 0)
	assert.Equal(t, channelRegistry.RefCount(TopicKindBroadcast, "room-1"), 0)
}
