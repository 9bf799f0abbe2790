package realtime

import (
	"context"
	"sync"
)

// one authenticated actor
// owns the connection and every tracker built on it. `Close` disposes all of them.

type SessionSettings struct {
	ConnectionManagerSettings      *ConnectionManagerSettings
	ChannelRegistrySettings        *ChannelRegistrySettings
	TypingTrackerSettings          *TypingTrackerSettings
	PresenceTrackerSettings        *PresenceTrackerSettings
	NotificationDispatcherSettings *NotificationDispatcherSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ConnectionManagerSettings:      DefaultConnectionManagerSettings(),
		ChannelRegistrySettings:        DefaultChannelRegistrySettings(),
		TypingTrackerSettings:          DefaultTypingTrackerSettings(),
		PresenceTrackerSettings:        DefaultPresenceTrackerSettings(),
		NotificationDispatcherSettings: DefaultNotificationDispatcherSettings(),
	}
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	SessionId Id

	ConnectionManager      *ConnectionManager
	ChannelRegistry        *ChannelRegistry
	TypingTracker          *TypingTracker
	PresenceTracker        *PresenceTracker
	NotificationDispatcher *NotificationDispatcher

	log *tagLog

	stateLock sync.Mutex
	closed    bool
	closers   []func()
}

func NewSessionWithDefaults(ctx context.Context, endpointUrl string) *Session {
	return NewSession(ctx, endpointUrl, DefaultSessionSettings())
}

func NewSession(ctx context.Context, endpointUrl string, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	connectionManager := NewConnectionManager(cancelCtx, endpointUrl, settings.ConnectionManagerSettings)
	channelRegistry := NewChannelRegistry(cancelCtx, connectionManager, settings.ChannelRegistrySettings)

	return &Session{
		ctx:                    cancelCtx,
		cancel:                 cancel,
		SessionId:              NewId(),
		ConnectionManager:      connectionManager,
		ChannelRegistry:        channelRegistry,
		TypingTracker:          NewTypingTracker(channelRegistry, settings.TypingTrackerSettings),
		PresenceTracker:        NewPresenceTracker(cancelCtx, channelRegistry, settings.PresenceTrackerSettings),
		NotificationDispatcher: NewNotificationDispatcher(channelRegistry, settings.NotificationDispatcherSettings),
		log:                    newTagLog("session"),
	}
}

func (self *Session) Connect(ctx context.Context, authToken string) error {
	self.log.V(1).Infof("connect %s", self.SessionId)
	return self.ConnectionManager.Connect(ctx, authToken)
}

func (self *Session) SetAuth(authToken string) error {
	return self.ConnectionManager.SetAuth(authToken)
}

// `closer` runs on `Close`, before the connection is torn down
// returns false if the session is already closed, in which case `closer` runs immediately
func (self *Session) AddCloser(closer func()) bool {
	added := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.closed {
			return false
		}
		self.closers = append(self.closers, closer)
		return true
	}()
	if !added {
		closer()
	}
	return added
}

// idempotent
func (self *Session) Close() {
	var closers []func()
	alreadyClosed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.closed {
			return true
		}
		self.closed = true
		closers = self.closers
		self.closers = nil
		return false
	}()
	if alreadyClosed {
		return
	}

	// reverse order of creation
	for i := len(closers) - 1; 0 <= i; i -= 1 {
		HandleError(closers[i])
	}
	self.NotificationDispatcher.Close()
	self.PresenceTracker.Close()
	self.TypingTracker.Close()
	self.ChannelRegistry.Close()
	self.ConnectionManager.Close()
	self.cancel()
	self.log.V(1).Infof("closed %s", self.SessionId)
}

// a ledger that is closed with the session
func NewSessionLedger[T any](session *Session, idFunc func(T) string, settings *LedgerSettings[T]) *Ledger[T] {
	ledger := NewLedger(idFunc, settings)
	session.AddCloser(ledger.Close)
	return ledger
}
