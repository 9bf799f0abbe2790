package realtime

import (
	"context"
	"slices"
	"sync"
	"time"
)

// optimistic mutations over a confirmed item list
// the visible items are the confirmed items in server order, with pending updates
// overlaid in creation order. Rolling back drops the overlay, which restores the
// exact prior item at its prior position.

type UpdateKind string

const (
	UpdateKindAdd    UpdateKind = "add"
	UpdateKindUpdate UpdateKind = "update"
	UpdateKindDelete UpdateKind = "delete"
)

type UpdateStatus string

const (
	UpdateStatusPending   UpdateStatus = "pending"
	UpdateStatusConfirmed UpdateStatus = "confirmed"
	UpdateStatusFailed    UpdateStatus = "failed"
)

type OptimisticUpdate[T any] struct {
	Id       Id
	Kind     UpdateKind
	TargetId string
	// zero for delete
	TentativeData T
	// zero for add
	OriginalData T
	CreatedAt    time.Time
	Status       UpdateStatus
}

type LedgerChangeFunction[T any] func(items []T)

type LedgerSettings[T any] struct {
	// a pending update is rolled back after this timeout
	PendingTimeout time.Duration
	// confirmed updates stay listed for this long
	ConfirmedRetention time.Duration
	// deep copy of an item. Items handed out are never shared with the ledger.
	Clone func(T) T
}

func DefaultLedgerSettings[T any]() *LedgerSettings[T] {
	return &LedgerSettings[T]{
		PendingTimeout:     30 * time.Second,
		ConfirmedRetention: 1 * time.Second,
		Clone: func(item T) T {
			return item
		},
	}
}

func DefaultRowLedgerSettings() *LedgerSettings[Row] {
	settings := DefaultLedgerSettings[Row]()
	settings.Clone = CloneRow
	return settings
}

type ledgerUpdate[T any] struct {
	OptimisticUpdate[T]

	cancel context.CancelFunc
	// closed when the update leaves pending
	done   chan struct{}
	result T
	err    error
}

type Ledger[T any] struct {
	idFunc   func(T) string
	settings *LedgerSettings[T]

	log *tagLog

	stateLock sync.Mutex
	closed    bool
	confirmed []T
	// creation order. Pending and retained confirmed updates.
	updates     []*ledgerUpdate[T]
	updatesById map[Id]*ledgerUpdate[T]
	// one timer per update. The pending watchdog, then the confirmed retention.
	timers *keyedTimers[Id]

	changeCallbacks *CallbackList[LedgerChangeFunction[T]]
}

func NewLedgerWithDefaults[T any](idFunc func(T) string) *Ledger[T] {
	return NewLedger(idFunc, DefaultLedgerSettings[T]())
}

func NewLedger[T any](idFunc func(T) string, settings *LedgerSettings[T]) *Ledger[T] {
	return &Ledger[T]{
		idFunc:          idFunc,
		settings:        settings,
		log:             newTagLog("ledger"),
		confirmed:       []T{},
		updates:         []*ledgerUpdate[T]{},
		updatesById:     map[Id]*ledgerUpdate[T]{},
		timers:          newKeyedTimers[Id](),
		changeCallbacks: NewCallbackList[LedgerChangeFunction[T]](),
	}
}

// rows keyed by the string form of `idField`
func NewRowLedger(idField string, settings *LedgerSettings[Row]) *Ledger[Row] {
	return NewLedger(func(row Row) string {
		id, _ := RowId(row, idField)
		return id
	}, settings)
}

func (self *Ledger[T]) AddChangeCallback(changeCallback LedgerChangeFunction[T]) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// `item` is visible before `op` starts
// on success the tentative item is replaced with the item returned by `op`
// on error the item is removed and an `OperationError` is returned
func (self *Ledger[T]) AddOptimistic(ctx context.Context, item T, op func(context.Context, T) (T, error)) (T, error) {
	targetId := self.idFunc(item)
	update, opCtx, err := self.begin(ctx, UpdateKindAdd, targetId, func(visible []T) (tentative T, original T, err error) {
		if slices.IndexFunc(visible, self.matchId(targetId)) != -1 {
			err = ErrConflict
			return
		}
		tentative = self.settings.Clone(item)
		return
	})
	if err != nil {
		var empty T
		return empty, err
	}

	tentative := self.settings.Clone(update.TentativeData)
	go self.run(update, func() (T, error) {
		return op(opCtx, tentative)
	})
	return self.wait(ctx, update)
}

// `patch` receives a copy of the current item and returns the tentative item
// the original is the full pre-patch item, restored by overwrite on failure
func (self *Ledger[T]) UpdateOptimistic(ctx context.Context, id string, patch func(T) T, op func(context.Context, T) (T, error)) (T, error) {
	update, opCtx, err := self.begin(ctx, UpdateKindUpdate, id, func(visible []T) (tentative T, original T, err error) {
		i := slices.IndexFunc(visible, self.matchId(id))
		if i == -1 {
			err = ErrNotFound
			return
		}
		original = visible[i]
		tentative = patch(self.settings.Clone(original))
		if self.idFunc(tentative) != id {
			// the id is the key
			err = ErrConflict
		}
		return
	})
	if err != nil {
		var empty T
		return empty, err
	}

	tentative := self.settings.Clone(update.TentativeData)
	go self.run(update, func() (T, error) {
		return op(opCtx, tentative)
	})
	return self.wait(ctx, update)
}

// the item disappears before `op` starts
// on error the original is restored at its original position
func (self *Ledger[T]) DeleteOptimistic(ctx context.Context, id string, op func(context.Context) error) error {
	update, opCtx, err := self.begin(ctx, UpdateKindDelete, id, func(visible []T) (tentative T, original T, err error) {
		i := slices.IndexFunc(visible, self.matchId(id))
		if i == -1 {
			err = ErrNotFound
			return
		}
		original = visible[i]
		return
	})
	if err != nil {
		return err
	}

	go self.run(update, func() (T, error) {
		var empty T
		return empty, op(opCtx)
	})
	_, err = self.wait(ctx, update)
	return err
}

// fails a pending update and drops its overlay
// no-op for an update that is confirmed, failed, or unknown
func (self *Ledger[T]) Rollback(updateId Id) bool {
	var items []T
	rolledBack := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		update, ok := self.updatesById[updateId]
		if !ok || update.Status != UpdateStatusPending {
			return
		}
		self.fail(update, ErrRolledBack)
		rolledBack = true
		items = self.items()
	}()

	if rolledBack {
		self.changed(items)
	}
	return rolledBack
}

func (self *Ledger[T]) RollbackAll() int {
	var items []T
	n := 0
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, update := range slices.Clone(self.updates) {
			if update.Status == UpdateStatusPending {
				self.fail(update, ErrRolledBack)
				n += 1
			}
		}
		if 0 < n {
			items = self.items()
		}
	}()

	if 0 < n {
		self.changed(items)
	}
	return n
}

// confirms a pending update with its tentative data, without waiting for the op result
func (self *Ledger[T]) ConfirmUpdate(updateId Id) bool {
	var items []T
	confirmed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		update, ok := self.updatesById[updateId]
		if !ok || update.Status != UpdateStatusPending {
			return
		}
		self.confirm(update, update.TentativeData, true)
		confirmed = true
		items = self.items()
	}()

	if confirmed {
		self.changed(items)
	}
	return confirmed
}

// confirms the pending update for an entity
func (self *Ledger[T]) ConfirmTarget(targetId string) bool {
	var items []T
	confirmed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		update := self.pendingForTarget(targetId)
		if update == nil {
			return
		}
		self.confirm(update, update.TentativeData, true)
		confirmed = true
		items = self.items()
	}()

	if confirmed {
		self.changed(items)
	}
	return confirmed
}

// pending updates and confirmed updates still within retention, in creation order
func (self *Ledger[T]) PendingUpdates() []OptimisticUpdate[T] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	updates := make([]OptimisticUpdate[T], len(self.updates))
	for i, update := range self.updates {
		updates[i] = update.OptimisticUpdate
		updates[i].TentativeData = self.settings.Clone(update.TentativeData)
		updates[i].OriginalData = self.settings.Clone(update.OriginalData)
	}
	return updates
}

// replaces the confirmed server state
func (self *Ledger[T]) SetConfirmed(items []T) {
	var visible []T
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.confirmed = make([]T, len(items))
		for i, item := range items {
			self.confirmed[i] = self.settings.Clone(item)
		}
		visible = self.items()
	}()
	self.changed(visible)
}

func (self *Ledger[T]) UpsertConfirmed(item T) {
	var items []T
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.upsert(self.settings.Clone(item))
		items = self.items()
	}()
	self.changed(items)
}

func (self *Ledger[T]) RemoveConfirmed(id string) bool {
	var items []T
	removed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		removed = self.remove(id)
		if removed {
			items = self.items()
		}
	}()
	if removed {
		self.changed(items)
	}
	return removed
}

// confirmed items with pending updates overlaid
func (self *Ledger[T]) Items() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.items()
}

// keeps the confirmed state in sync with a `table-changes` topic
// a pushed row change also confirms the pending update for the same entity
func (self *Ledger[T]) BindTable(
	ctx context.Context,
	channelRegistry *ChannelRegistry,
	key string,
	idField string,
	decode func(Row) (T, error),
) (func(), error) {
	return channelRegistry.Subscribe(ctx, TopicKindTableChanges, key, func(event *ChannelEvent) {
		change, ok, err := DecodeRowChange(event)
		if !ok {
			return
		}
		if err != nil {
			self.log.V(1).Infof("bad row change %s = %s", key, err)
			return
		}

		switch change.EventType {
		case RowEventInsert, RowEventUpdate:
			item, err := decode(change.New)
			if err != nil {
				self.log.V(1).Infof("bad row %s = %s", key, err)
				return
			}
			self.applyServerChange(self.idFunc(item), &item)
		case RowEventDelete:
			id, ok := RowId(change.Old, idField)
			if !ok {
				self.log.V(1).Infof("delete without %s on %s", idField, key)
				return
			}
			self.applyServerChange(id, nil)
		}
	})
}

// fails every pending update with `ErrClosed` and stops all timers
func (self *Ledger[T]) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	for _, update := range slices.Clone(self.updates) {
		if update.Status == UpdateStatusPending {
			self.fail(update, ErrClosed)
		}
	}
	self.timers.cancelAll()
	self.updates = []*ledgerUpdate[T]{}
	clear(self.updatesById)
}

func (self *Ledger[T]) begin(
	ctx context.Context,
	kind UpdateKind,
	targetId string,
	prepare func(visible []T) (tentative T, original T, err error),
) (*ledgerUpdate[T], context.Context, error) {
	var update *ledgerUpdate[T]
	var opCtx context.Context
	var items []T
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return ErrClosed
		}
		if self.pendingForTarget(targetId) != nil {
			return ErrConflict
		}

		visible := self.items()
		tentative, original, err := prepare(visible)
		if err != nil {
			return err
		}

		var cancel context.CancelFunc
		opCtx, cancel = context.WithCancel(ctx)
		update = &ledgerUpdate[T]{
			OptimisticUpdate: OptimisticUpdate[T]{
				Id:            NewId(),
				Kind:          kind,
				TargetId:      targetId,
				TentativeData: tentative,
				OriginalData:  original,
				CreatedAt:     time.Now(),
				Status:        UpdateStatusPending,
			},
			cancel: cancel,
			done:   make(chan struct{}),
		}
		self.updates = append(self.updates, update)
		self.updatesById[update.Id] = update
		updateId := update.Id
		self.timers.reset(updateId, self.settings.PendingTimeout, func(generation uint64) {
			self.timeout(updateId, generation)
		})
		items = self.items()
		return nil
	}()
	if err != nil {
		return nil, nil, err
	}

	self.log.V(2).Infof("%s %s pending %s", kind, targetId, update.Id)
	self.changed(items)
	return update, opCtx, nil
}

func (self *Ledger[T]) run(update *ledgerUpdate[T], op func() (T, error)) {
	var result T
	var err error
	HandleError(func() {
		result, err = op()
	}, func(panicErr error) {
		err = panicErr
	})

	var items []T
	finished := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if update.Status != UpdateStatusPending {
			// rolled back, timed out, or confirmed by the server first
			return
		}
		if err != nil {
			self.fail(update, err)
		} else {
			self.confirm(update, result, true)
		}
		finished = true
		items = self.items()
	}()

	if finished {
		self.changed(items)
	}
}

func (self *Ledger[T]) wait(ctx context.Context, update *ledgerUpdate[T]) (T, error) {
	select {
	case <-update.done:
	case <-ctx.Done():
		var items []T
		failed := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if update.Status == UpdateStatusPending {
				self.fail(update, ctx.Err())
				failed = true
				items = self.items()
			}
		}()
		if failed {
			self.changed(items)
		}
		<-update.done
	}

	if update.err != nil {
		var empty T
		return empty, update.err
	}
	return self.settings.Clone(update.result), nil
}

// watchdog and retention fire
func (self *Ledger[T]) timeout(updateId Id, generation uint64) {
	var items []T
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if !self.timers.consume(updateId, generation) {
			return
		}
		update, ok := self.updatesById[updateId]
		if !ok {
			return
		}
		switch update.Status {
		case UpdateStatusPending:
			self.log.Infof("%s %s timed out %s", update.Kind, update.TargetId, update.Id)
			self.fail(update, ErrPendingTimeout)
			changed = true
			items = self.items()
		case UpdateStatusConfirmed:
			self.prune(update)
		}
	}()

	if changed {
		self.changed(items)
	}
}

// must be called with `stateLock`
func (self *Ledger[T]) fail(update *ledgerUpdate[T], err error) {
	if err != ErrRolledBack && err != ErrClosed {
		self.log.Infof("%s %s rolled back %s = %s", update.Kind, update.TargetId, update.Id, err)
	}
	update.Status = UpdateStatusFailed
	update.err = &OperationError{
		UpdateId: update.Id,
		Err:      err,
	}
	self.timers.cancel(update.Id)
	// failed updates are pruned immediately
	self.prune(update)
	update.cancel()
	close(update.done)
}

// must be called with `stateLock`
// `applyBase` false when the confirmed state was already updated by the server
func (self *Ledger[T]) confirm(update *ledgerUpdate[T], result T, applyBase bool) {
	update.Status = UpdateStatusConfirmed
	if applyBase {
		switch update.Kind {
		case UpdateKindAdd, UpdateKindUpdate:
			self.upsert(self.settings.Clone(result))
		case UpdateKindDelete:
			self.remove(update.TargetId)
		}
	}
	if update.Kind == UpdateKindDelete {
		update.result = result
	} else if i := slices.IndexFunc(self.confirmed, self.matchId(update.TargetId)); i != -1 {
		update.result = self.settings.Clone(self.confirmed[i])
	} else {
		update.result = self.settings.Clone(result)
	}
	updateId := update.Id
	self.timers.reset(updateId, self.settings.ConfirmedRetention, func(generation uint64) {
		self.timeout(updateId, generation)
	})
	update.cancel()
	close(update.done)
}

// must be called with `stateLock`
func (self *Ledger[T]) prune(update *ledgerUpdate[T]) {
	delete(self.updatesById, update.Id)
	self.updates = slices.DeleteFunc(self.updates, func(u *ledgerUpdate[T]) bool {
		return u == update
	})
}

// `item` nil for a delete
func (self *Ledger[T]) applyServerChange(id string, item *T) {
	var items []T
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if item != nil {
			self.upsert(self.settings.Clone(*item))
		} else {
			self.remove(id)
		}
		if update := self.pendingForTarget(id); update != nil {
			// a row change confirms only the same kind of mutation
			// e.g. a delete is not confirmed by a concurrent edit
			if (update.Kind == UpdateKindDelete) == (item == nil) {
				var result T
				if item != nil {
					result = *item
				}
				self.confirm(update, result, false)
			} else {
				self.fail(update, ErrConflict)
			}
		}
		items = self.items()
	}()
	self.changed(items)
}

// must be called with `stateLock`
func (self *Ledger[T]) pendingForTarget(targetId string) *ledgerUpdate[T] {
	for _, update := range self.updates {
		if update.Status == UpdateStatusPending && update.TargetId == targetId {
			return update
		}
	}
	return nil
}

// must be called with `stateLock`
func (self *Ledger[T]) upsert(item T) {
	if i := slices.IndexFunc(self.confirmed, self.matchId(self.idFunc(item))); i != -1 {
		self.confirmed[i] = item
	} else {
		self.confirmed = append(self.confirmed, item)
	}
}

// must be called with `stateLock`
func (self *Ledger[T]) remove(id string) bool {
	n := len(self.confirmed)
	self.confirmed = slices.DeleteFunc(self.confirmed, self.matchId(id))
	return len(self.confirmed) < n
}

// must be called with `stateLock`
func (self *Ledger[T]) items() []T {
	items := make([]T, 0, len(self.confirmed))
	for _, item := range self.confirmed {
		items = append(items, self.settings.Clone(item))
	}
	for _, update := range self.updates {
		if update.Status != UpdateStatusPending {
			continue
		}
		i := slices.IndexFunc(items, self.matchId(update.TargetId))
		switch update.Kind {
		case UpdateKindAdd:
			if i != -1 {
				items[i] = self.settings.Clone(update.TentativeData)
			} else {
				items = append(items, self.settings.Clone(update.TentativeData))
			}
		case UpdateKindUpdate:
			if i != -1 {
				items[i] = self.settings.Clone(update.TentativeData)
			}
		case UpdateKindDelete:
			if i != -1 {
				items = slices.Delete(items, i, i+1)
			}
		}
	}
	return items
}

func (self *Ledger[T]) matchId(id string) func(T) bool {
	return func(item T) bool {
		return self.idFunc(item) == id
	}
}

func (self *Ledger[T]) changed(items []T) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(items)
		})
	}
}
