package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestNotificationDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testServer := newTestServer(t)
	_, channelRegistry := newTestRegistry(t, ctx, testServer, "42")

	notificationDispatcher := NewNotificationDispatcherWithDefaults(channelRegistry)
	defer notificationDispatcher.Close()

	notifications := make(chan Row, 16)
	notificationDispatcher.AddNotificationCallback(func(notification Row) {
		notifications <- notification
	})

	unwatch, err := notificationDispatcher.Watch(ctx, "42")
	assert.Equal(t, err, nil)
	defer unwatch()

	wireTopic := "realtime:table-changes:notifications:user_id=eq.42"
	join := testServer.WaitForEvent(time.Second, wireTopic, EventJoin)
	assert.NotEqual(t, join, nil)

	// updates are not forwarded
	testServer.Push(wireTopic, EventPostgresChanges, map[string]any{
		"data": map[string]any{
			"type":   "UPDATE",
			"table":  "notifications",
			"record": map[string]any{"id": "n0", "user_id": "42", "read": true},
		},
	})
	testServer.Push(wireTopic, EventPostgresChanges, map[string]any{
		"data": map[string]any{
			"type":  "INSERT",
			"table": "notifications",
			"record": map[string]any{
				"id":      "n1",
				"user_id": "42",
				"title":   "Assignment graded",
				"read":    false,
			},
		},
	})

	select {
	case notification := <-notifications:
		// delivered verbatim
		assert.Equal(t, notification, Row{
			"id":      "n1",
			"user_id": "42",
			"title":   "Assignment graded",
			"read":    false,
		})
	case <-time.After(time.Second):
		t.Fatal("No notification.")
	}
	select {
	case notification := <-notifications:
		t.Fatalf("Unexpected notification %v.", notification)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, notificationDispatcher.UnreadCount(), 1)
	notificationDispatcher.MarkAllRead()
	assert.Equal(t, notificationDispatcher.UnreadCount(), 0)
}

func TestNotificationListenerIsolation(t *testing.T) {
	notificationDispatcher := NewNotificationDispatcherWithDefaults(nil)

	var first Row
	var second Row
	notificationDispatcher.AddNotificationCallback(func(notification Row) {
		first = notification
		notification["title"] = "changed"
	})
	notificationDispatcher.AddNotificationCallback(func(notification Row) {
		panic("listener error")
	})
	notificationDispatcher.AddNotificationCallback(func(notification Row) {
		second = notification
	})

	notificationDispatcher.Dispatch(Row{"id": "n1", "title": "hello"})
	assert.Equal(t, first["title"], "changed")
	// a panicking listener does not stop the others
	assert.Equal(t, second["title"], "hello")
}
