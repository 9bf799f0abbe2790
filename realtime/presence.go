package realtime

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/exp/maps"
)

// who is online in each room
// the endpoint sends the full room state on join, then diffs

type PresenceEventType string

const (
	PresenceEventSync  PresenceEventType = "sync"
	PresenceEventJoin  PresenceEventType = "join"
	PresenceEventLeave PresenceEventType = "leave"
)

const PresenceStatusOnline = "online"

type PresenceEntry struct {
	RoomId     string
	UserId     string
	Status     string
	LastSeenAt time.Time
	Metadata   map[string]any
	// one ref per connection of the user, e.g. one per open tab
	Refs []string
}

type PresenceEvent struct {
	RoomId  string
	Type    PresenceEventType
	Entries []PresenceEntry
}

type PresenceChangeFunction func(roomId string, members []PresenceEntry)

type PresenceTrackerSettings struct {
	// members who left are remembered for "last seen" display
	LastSeenCacheSize int
	LastSeenTtl       time.Duration
	TrackTimeout      time.Duration
}

func DefaultPresenceTrackerSettings() *PresenceTrackerSettings {
	return &PresenceTrackerSettings{
		LastSeenCacheSize: 1024,
		LastSeenTtl:       1 * time.Hour,
		TrackTimeout:      10 * time.Second,
	}
}

// comparable
type presenceKey struct {
	roomId string
	userId string
}

type PresenceTracker struct {
	ctx    context.Context
	cancel context.CancelFunc

	channelRegistry *ChannelRegistry
	settings        *PresenceTrackerSettings

	log *tagLog

	stateLock sync.Mutex
	// room id -> user id -> entry
	rooms map[string]map[string]*PresenceEntry
	// room id -> track payload, re-sent after every rejoin
	tracks map[string]map[string]any

	lastSeen *expirable.LRU[presenceKey, time.Time]

	changeCallbacks *CallbackList[PresenceChangeFunction]

	rejoinUnsub func()
}

func NewPresenceTrackerWithDefaults(ctx context.Context, channelRegistry *ChannelRegistry) *PresenceTracker {
	return NewPresenceTracker(ctx, channelRegistry, DefaultPresenceTrackerSettings())
}

// `channelRegistry` may be nil when events are fed with `HandlePresenceEvent` only
func NewPresenceTracker(ctx context.Context, channelRegistry *ChannelRegistry, settings *PresenceTrackerSettings) *PresenceTracker {
	cancelCtx, cancel := context.WithCancel(ctx)
	presenceTracker := &PresenceTracker{
		ctx:             cancelCtx,
		cancel:          cancel,
		channelRegistry: channelRegistry,
		settings:        settings,
		log:             newTagLog("presence"),
		rooms:           map[string]map[string]*PresenceEntry{},
		tracks:          map[string]map[string]any{},
		lastSeen: expirable.NewLRU[presenceKey, time.Time](
			settings.LastSeenCacheSize,
			nil,
			settings.LastSeenTtl,
		),
		changeCallbacks: NewCallbackList[PresenceChangeFunction](),
	}
	if channelRegistry != nil {
		presenceTracker.rejoinUnsub = channelRegistry.AddRejoinCallback(presenceTracker.rejoined)
	}
	return presenceTracker
}

func (self *PresenceTracker) AddPresenceChangeCallback(presenceChangeCallback PresenceChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(presenceChangeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *PresenceTracker) HandlePresenceEvent(event *PresenceEvent) {
	var members []PresenceEntry
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		now := time.Now()
		switch event.Type {
		case PresenceEventSync:
			room := map[string]*PresenceEntry{}
			for _, entry := range event.Entries {
				room[entry.UserId] = newPresenceEntry(event.RoomId, entry, now)
			}
			for userId := range self.rooms[event.RoomId] {
				if _, ok := room[userId]; !ok {
					self.lastSeen.Add(presenceKey{roomId: event.RoomId, userId: userId}, now)
				}
			}
			if len(room) == 0 {
				delete(self.rooms, event.RoomId)
			} else {
				self.rooms[event.RoomId] = room
			}
		case PresenceEventJoin:
			room, ok := self.rooms[event.RoomId]
			if !ok {
				room = map[string]*PresenceEntry{}
				self.rooms[event.RoomId] = room
			}
			for _, entry := range event.Entries {
				presenceEntry := newPresenceEntry(event.RoomId, entry, now)
				if existing, ok := room[entry.UserId]; ok {
					presenceEntry.Refs = mergeRefs(existing.Refs, presenceEntry.Refs)
				}
				room[entry.UserId] = presenceEntry
				self.lastSeen.Remove(presenceKey{roomId: event.RoomId, userId: entry.UserId})
			}
		case PresenceEventLeave:
			room := self.rooms[event.RoomId]
			for _, entry := range event.Entries {
				existing, ok := room[entry.UserId]
				if !ok {
					continue
				}
				if 0 < len(entry.Refs) {
					existing.Refs = slices.DeleteFunc(existing.Refs, func(ref string) bool {
						return slices.Contains(entry.Refs, ref)
					})
					if 0 < len(existing.Refs) {
						// another connection of the user is still present
						continue
					}
				}
				delete(room, entry.UserId)
				self.lastSeen.Add(presenceKey{roomId: event.RoomId, userId: entry.UserId}, now)
			}
			if room != nil && len(room) == 0 {
				delete(self.rooms, event.RoomId)
			}
		default:
			self.log.V(1).Infof("unknown presence event %s", event.Type)
			return
		}
		members = self.snapshot(event.RoomId)
	}()

	if members == nil {
		return
	}
	for _, presenceChangeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			presenceChangeCallback(event.RoomId, members)
		})
	}
}

// members ordered by user id
func (self *PresenceTracker) Members(roomId string) []PresenceEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.snapshot(roomId)
}

func (self *PresenceTracker) IsOnline(roomId string, userId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.rooms[roomId][userId]
	return ok
}

// when the user was last seen leaving the room
func (self *PresenceTracker) LastSeen(roomId string, userId string) (time.Time, bool) {
	return self.lastSeen.Get(presenceKey{roomId: roomId, userId: userId})
}

// subscribes to the room's presence topic and feeds state and diffs into the tracker
func (self *PresenceTracker) WatchRoom(ctx context.Context, roomId string) (func(), error) {
	unsub, err := self.channelRegistry.Subscribe(ctx, TopicKindPresence, roomId, func(event *ChannelEvent) {
		presenceEvents, err := DecodePresenceEvents(roomId, event)
		if err != nil {
			self.log.V(1).Infof("bad presence event %s = %s", roomId, err)
			return
		}
		for _, presenceEvent := range presenceEvents {
			self.HandlePresenceEvent(presenceEvent)
		}
	})
	if err != nil {
		return nil, err
	}
	return func() {
		unsub()
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			delete(self.tracks, roomId)
			delete(self.rooms, roomId)
		}()
	}, nil
}

// announces this client in a watched room
// the announcement is repeated after every rejoin of the room
func (self *PresenceTracker) Track(ctx context.Context, roomId string, userId string, metadata map[string]any) error {
	payload := map[string]any{}
	if metadata != nil {
		payload = maps.Clone(metadata)
	}
	payload["user_id"] = userId
	if _, ok := payload["status"]; !ok {
		payload["status"] = PresenceStatusOnline
	}
	payload["online_at"] = time.Now().UTC().Format(time.RFC3339)

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.tracks[roomId] = payload
	}()

	return self.track(ctx, roomId, payload)
}

func (self *PresenceTracker) Untrack(ctx context.Context, roomId string) error {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.tracks, roomId)
	}()

	reply, err := self.channelRegistry.Push(ctx, TopicKindPresence, roomId, EventPresence, map[string]any{
		"type":  "presence",
		"event": "untrack",
	})
	if err != nil {
		return err
	}
	if !reply.Ok() {
		return &ChannelError{Topic: Topic{Kind: TopicKindPresence, Key: roomId}.WireTopic(), Reason: reply.Reason()}
	}
	return nil
}

func (self *PresenceTracker) Close() {
	self.cancel()
	if self.rejoinUnsub != nil {
		self.rejoinUnsub()
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	clear(self.rooms)
	clear(self.tracks)
	self.lastSeen.Purge()
}

func (self *PresenceTracker) track(ctx context.Context, roomId string, payload map[string]any) error {
	reply, err := self.channelRegistry.Push(ctx, TopicKindPresence, roomId, EventPresence, map[string]any{
		"type":    "presence",
		"event":   "track",
		"payload": payload,
	})
	if err != nil {
		return err
	}
	if !reply.Ok() {
		return &ChannelError{Topic: Topic{Kind: TopicKindPresence, Key: roomId}.WireTopic(), Reason: reply.Reason()}
	}
	self.log.V(1).Infof("tracked %s", roomId)
	return nil
}

// RejoinFunction
func (self *PresenceTracker) rejoined(topic Topic) {
	if topic.Kind != TopicKindPresence {
		return
	}
	var payload map[string]any
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		payload = self.tracks[topic.Key]
	}()
	if payload == nil {
		return
	}

	trackCtx, trackCancel := context.WithTimeout(self.ctx, self.settings.TrackTimeout)
	defer trackCancel()
	if err := self.track(trackCtx, topic.Key, payload); err != nil {
		self.log.Infof("retrack %s error = %s", topic.Key, err)
	}
}

// must be called with `stateLock`
func (self *PresenceTracker) snapshot(roomId string) []PresenceEntry {
	room := self.rooms[roomId]
	members := make([]PresenceEntry, 0, len(room))
	for _, entry := range room {
		member := *entry
		member.Metadata = maps.Clone(entry.Metadata)
		member.Refs = slices.Clone(entry.Refs)
		members = append(members, member)
	}
	slices.SortFunc(members, func(a PresenceEntry, b PresenceEntry) int {
		if a.UserId < b.UserId {
			return -1
		} else if b.UserId < a.UserId {
			return 1
		} else {
			return 0
		}
	})
	return members
}

func newPresenceEntry(roomId string, entry PresenceEntry, now time.Time) *PresenceEntry {
	presenceEntry := &PresenceEntry{
		RoomId:     roomId,
		UserId:     entry.UserId,
		Status:     entry.Status,
		LastSeenAt: entry.LastSeenAt,
		Metadata:   maps.Clone(entry.Metadata),
		Refs:       slices.Clone(entry.Refs),
	}
	if presenceEntry.Status == "" {
		presenceEntry.Status = PresenceStatusOnline
	}
	if presenceEntry.LastSeenAt.IsZero() {
		presenceEntry.LastSeenAt = now
	}
	return presenceEntry
}

func mergeRefs(refs []string, added []string) []string {
	merged := slices.Clone(refs)
	for _, ref := range added {
		if !slices.Contains(merged, ref) {
			merged = append(merged, ref)
		}
	}
	return merged
}

// presence key -> {"metas": [...]}
type presenceStatePayload map[string]struct {
	Metas []map[string]any `json:"metas"`
}

type presenceDiffPayload struct {
	Joins  presenceStatePayload `json:"joins"`
	Leaves presenceStatePayload `json:"leaves"`
}

// `presence_state` decodes to a sync
// `presence_diff` decodes to a join followed by a leave
// a meta update arrives as a join of the new ref and a leave of the old ref, so the member stays
func DecodePresenceEvents(roomId string, event *ChannelEvent) ([]*PresenceEvent, error) {
	switch event.Event {
	case EventPresenceState:
		state := presenceStatePayload{}
		if err := jsonUnmarshalPayload(event.Payload, &state); err != nil {
			return nil, err
		}
		return []*PresenceEvent{
			{
				RoomId:  roomId,
				Type:    PresenceEventSync,
				Entries: presenceEntries(roomId, state),
			},
		}, nil
	case EventPresenceDiff:
		diff := &presenceDiffPayload{}
		if err := jsonUnmarshalPayload(event.Payload, diff); err != nil {
			return nil, err
		}
		presenceEvents := []*PresenceEvent{}
		if joins := presenceEntries(roomId, diff.Joins); 0 < len(joins) {
			presenceEvents = append(presenceEvents, &PresenceEvent{
				RoomId:  roomId,
				Type:    PresenceEventJoin,
				Entries: joins,
			})
		}
		if leaves := presenceEntries(roomId, diff.Leaves); 0 < len(leaves) {
			presenceEvents = append(presenceEvents, &PresenceEvent{
				RoomId:  roomId,
				Type:    PresenceEventLeave,
				Entries: leaves,
			})
		}
		return presenceEvents, nil
	default:
		return nil, nil
	}
}

func presenceEntries(roomId string, state presenceStatePayload) []PresenceEntry {
	entries := make([]PresenceEntry, 0, len(state))
	for key, presence := range state {
		entry := PresenceEntry{
			RoomId: roomId,
			UserId: key,
		}
		for _, meta := range presence.Metas {
			if ref, ok := meta["phx_ref"].(string); ok && ref != "" {
				entry.Refs = append(entry.Refs, ref)
			}
		}
		// the most recent meta wins
		if n := len(presence.Metas); 0 < n {
			meta := maps.Clone(presence.Metas[n-1])
			delete(meta, "phx_ref")
			delete(meta, "phx_ref_prev")
			if userId, ok := meta["user_id"].(string); ok && userId != "" {
				entry.UserId = userId
			}
			if status, ok := meta["status"].(string); ok {
				entry.Status = status
			}
			if onlineAt, ok := meta["online_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339, onlineAt); err == nil {
					entry.LastSeenAt = t
				}
			}
			entry.Metadata = meta
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a PresenceEntry, b PresenceEntry) int {
		if a.UserId < b.UserId {
			return -1
		} else if b.UserId < a.UserId {
			return 1
		} else {
			return 0
		}
	})
	return entries
}
