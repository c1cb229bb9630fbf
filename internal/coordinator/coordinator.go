package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"aircontrolbase-go-home/internal/climate"
	"aircontrolbase-go-home/internal/cloud"
	"aircontrolbase-go-home/internal/store"
)

// ErrUnknownDevice is returned for ids the coordinator has never seen.
var ErrUnknownDevice = errors.New("unknown device")

const (
	DefaultPollInterval    = 30 * time.Second
	DefaultRefreshDebounce = time.Second

	// DefaultRemoveAfterMisses is how many successful refreshes in a row may
	// omit a unit before it is dropped.
	DefaultRemoveAfterMisses = 3

	refreshTimeout = 30 * time.Second
)

// Client is the part of the vendor client the coordinator drives.
type Client interface {
	Email() string
	Session() cloud.Session
	SetSession(s cloud.Session)
	EnsureAuthenticated(ctx context.Context) error
	Details(ctx context.Context) ([]cloud.Device, error)
	Control(ctx context.Context, control cloud.Control, op cloud.Operation) error
}

// Config holds coordinator configuration.
type Config struct {
	PollInterval      time.Duration
	RefreshDebounce   time.Duration
	RemoveAfterMisses int
}

// Status is a health summary for the API and the CLI.
type Status struct {
	Available    bool      `json:"available"`
	LastUpdate   time.Time `json:"last_update"`
	LastError    string    `json:"last_error,omitempty"`
	Devices      int       `json:"devices"`
	Account      string    `json:"account"`
	UserID       string    `json:"user_id,omitempty"`
	PollInterval string    `json:"poll_interval"`
}

// Coordinator polls the vendor cloud for all units of one account and
// dispatches climate commands to them.
type Coordinator struct {
	client   Client
	store    store.Store
	profiles *ProfileDB
	events   *EventBus
	logger   *slog.Logger
	config   Config
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshMu sync.Mutex // serializes refreshes

	mu           sync.RWMutex
	devices      map[string]*store.Device
	available    bool
	checked      bool // at least one refresh attempt finished
	lastUpdate   time.Time
	lastErr      error
	savedSession cloud.Session

	// cmdSeq counts applied commands. commanded holds the sequence number of
	// the last command per unit so a refresh fetched before it is not applied.
	cmdSeq    uint64
	commanded map[string]uint64
	missed    map[string]int

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// New creates a coordinator. Devices already in the store are loaded into
// the cache so renames and last known state survive a restart.
func New(client Client, st store.Store, profiles *ProfileDB, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RefreshDebounce <= 0 {
		cfg.RefreshDebounce = DefaultRefreshDebounce
	}
	if cfg.RemoveAfterMisses <= 0 {
		cfg.RemoveAfterMisses = DefaultRemoveAfterMisses
	}
	if profiles == nil {
		profiles = NewProfileDB()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		client:    client,
		store:     st,
		profiles:  profiles,
		events:    events,
		logger:    logger.With("component", "coordinator"),
		config:    cfg,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		devices:   make(map[string]*store.Device),
		commanded: make(map[string]uint64),
		missed:    make(map[string]int),
	}
	c.loadCache()
	return c
}

func (c *Coordinator) loadCache() {
	devices, err := c.store.ListDevices()
	if err != nil {
		c.logger.Error("load cached devices", "err", err)
		return
	}
	c.mu.Lock()
	for _, d := range devices {
		c.devices[d.ID] = d
	}
	c.mu.Unlock()
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start resumes or creates the vendor session, runs the first refresh and
// starts polling. The first refresh must succeed.
func (c *Coordinator) Start(ctx context.Context) error {
	c.resumeSession()

	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("initial refresh: %w", err)
	}

	c.wg.Add(1)
	go c.pollLoop()

	c.logger.Info("coordinator started", "devices", len(c.ListDevices()), "poll_interval", c.config.PollInterval)
	return nil
}

// Stop cancels polling and any pending refresh.
func (c *Coordinator) Stop() {
	c.cancel()
	c.debounceMu.Lock()
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.debounceMu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.refreshInBackground("poll")
		}
	}
}

func (c *Coordinator) refreshInBackground(reason string) {
	ctx, cancel := context.WithTimeout(c.ctx, refreshTimeout)
	defer cancel()
	if err := c.Refresh(ctx); err != nil && c.ctx.Err() == nil {
		c.logger.Warn("refresh failed", "reason", reason, "err", err)
	}
}

// RequestRefresh schedules a refresh after the debounce delay. Calls made
// while one is pending push it back.
func (c *Coordinator) RequestRefresh() {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.debounceTimer = time.AfterFunc(c.config.RefreshDebounce, func() {
		c.refreshInBackground("requested")
	})
}

// Refresh fetches every unit from the vendor and updates the cache.
//
// A refresh inside the post-command quiet window is skipped and the cached
// state is kept as is. Units commanded while the fetch was in flight keep
// their optimistic state.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if err := c.client.EnsureAuthenticated(ctx); err != nil {
		c.markFailed(err)
		return fmt.Errorf("authenticate: %w", err)
	}

	c.mu.RLock()
	seq := c.cmdSeq
	c.mu.RUnlock()

	devs, err := c.client.Details(ctx)
	if errors.Is(err, cloud.ErrRefreshSuppressed) {
		c.logger.Debug("refresh suppressed after recent command")
		return nil
	}
	if err != nil {
		c.markFailed(err)
		return err
	}

	c.persistSession()
	c.applySnapshot(devs, seq)
	c.markSucceeded()
	return nil
}

// applySnapshot merges a vendor snapshot fetched when the command sequence
// was at seq.
func (c *Coordinator) applySnapshot(devs []cloud.Device, seq uint64) {
	now := c.now()
	seen := make(map[string]bool, len(devs))
	var (
		events  []Event
		toSave  []*store.Device
		removed []string
	)

	c.mu.Lock()
	for i := range devs {
		d := &devs[i]
		if d.ID == "" {
			c.logger.Warn("skipping device without id", "name", d.Name)
			continue
		}
		seen[d.ID] = true
		delete(c.missed, d.ID)

		rec, ok := c.devices[d.ID]
		if !ok {
			rec = &store.Device{ID: d.ID, FirstSeen: now}
			c.devices[d.ID] = rec
			rec.Snapshot = d.Clone()
			rec.LastSeen = now
			st := c.stateOf(rec)
			c.logger.Info("device discovered", "id", d.ID, "name", st.Name)
			events = append(events, Event{Type: EventDeviceDiscovered, Data: stateData(st)})
		} else if c.commanded[d.ID] > seq {
			c.logger.Debug("keeping commanded state over older snapshot", "id", d.ID)
			rec.LastSeen = now
		} else {
			delete(c.commanded, d.ID)
			changed := rec.Snapshot == nil || !rec.Snapshot.Equal(d)
			rec.Snapshot = d.Clone()
			rec.LastSeen = now
			if changed {
				events = append(events, Event{Type: EventDeviceState, Data: stateData(c.stateOf(rec))})
			}
		}
		toSave = append(toSave, cloneRecord(rec))
	}
	for id, rec := range c.devices {
		if seen[id] {
			continue
		}
		c.missed[id]++
		if c.missed[id] < c.config.RemoveAfterMisses {
			c.logger.Warn("device missing from vendor snapshot", "id", id, "misses", c.missed[id])
			continue
		}
		c.logger.Info("device removed", "id", id, "name", rec.DisplayName())
		delete(c.devices, id)
		delete(c.missed, id)
		delete(c.commanded, id)
		removed = append(removed, id)
		events = append(events, Event{Type: EventDeviceRemoved, Data: map[string]interface{}{
			"id":        id,
			"unique_id": climate.UniqueID(id),
			"name":      rec.DisplayName(),
		}})
	}
	c.mu.Unlock()

	for _, rec := range toSave {
		c.persist(rec)
	}
	for _, id := range removed {
		if err := c.store.DeleteDevice(id); err != nil {
			c.logger.Error("delete device", "id", id, "err", err)
		}
	}
	for _, ev := range events {
		c.events.Emit(ev)
	}
}

// persist writes the vendor side of rec. The stored friendly name is owned by
// Rename and is never overwritten here.
func (c *Coordinator) persist(rec *store.Device) {
	err := c.store.UpdateDevice(rec.ID, func(d *store.Device) error {
		d.Snapshot = rec.Snapshot
		d.LastSeen = rec.LastSeen
		if d.FirstSeen.IsZero() {
			d.FirstSeen = rec.FirstSeen
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		// First save: take the name from the cache, a rename may have landed.
		c.mu.RLock()
		if cur, ok := c.devices[rec.ID]; ok {
			rec.FriendlyName = cur.FriendlyName
		}
		c.mu.RUnlock()
		err = c.store.SaveDevice(rec)
	}
	if err != nil {
		c.logger.Error("save device", "id", rec.ID, "err", err)
	}
}

func (c *Coordinator) markFailed(err error) {
	c.mu.Lock()
	wasUp := c.available || !c.checked
	c.available = false
	c.checked = true
	c.lastErr = err
	c.mu.Unlock()

	if wasUp {
		c.logger.Warn("vendor cloud unavailable", "err", err)
		c.events.Emit(Event{Type: EventUpdateFailed, Data: map[string]interface{}{"error": err.Error()}})
	}
}

func (c *Coordinator) markSucceeded() {
	c.mu.Lock()
	wasDown := !c.available
	c.available = true
	c.checked = true
	c.lastErr = nil
	c.lastUpdate = c.now()
	n := len(c.devices)
	c.mu.Unlock()

	if wasDown {
		c.logger.Info("vendor cloud available", "devices", n)
		c.events.Emit(Event{Type: EventUpdateSucceeded, Data: map[string]interface{}{"devices": n}})
	}
}

// resumeSession installs the stored vendor session when it belongs to the
// configured account, and drops it otherwise.
func (c *Coordinator) resumeSession() {
	sess, err := c.store.GetSession()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("load session", "err", err)
		}
		return
	}
	if !strings.EqualFold(sess.Email, c.client.Email()) {
		c.logger.Info("stored session belongs to another account, discarding")
		if err := c.store.ClearSession(); err != nil {
			c.logger.Warn("clear session", "err", err)
		}
		return
	}
	if sess.UserID == "" {
		return
	}
	c.client.SetSession(sess.Cloud())
	c.mu.Lock()
	c.savedSession = sess.Cloud()
	c.mu.Unlock()
	c.logger.Info("resumed vendor session", "user_id", sess.UserID, "saved_at", sess.SavedAt)
}

func (c *Coordinator) persistSession() {
	s := c.client.Session()
	c.mu.Lock()
	same := s == c.savedSession
	c.mu.Unlock()
	if !s.Valid() || same {
		return
	}
	err := c.store.SaveSession(&store.Session{
		Email:   c.client.Email(),
		UserID:  s.UserID,
		Cookie:  s.Cookie,
		SavedAt: c.now(),
	})
	if err != nil {
		c.logger.Error("save session", "err", err)
		return
	}
	c.mu.Lock()
	c.savedSession = s
	c.mu.Unlock()
}

// stateOf must be called with c.mu held.
func (c *Coordinator) stateOf(rec *store.Device) climate.State {
	snap := rec.Snapshot
	if snap == nil {
		snap = &cloud.Device{ID: rec.ID}
	}
	prof := c.profiles.Lookup(rec.ID, snap.Name)
	name := rec.FriendlyName
	if name == "" && prof != nil {
		name = prof.FriendlyName
	}
	return climate.FromDevice(snap, name, prof.Limits())
}

// stateData flattens a climate state for event consumers.
func stateData(st climate.State) map[string]interface{} {
	data := map[string]interface{}{
		"id":                  st.ID,
		"unique_id":           st.UniqueID,
		"name":                st.Name,
		"hvac_mode":           string(st.HVACMode),
		"hvac_action":         string(st.HVACAction),
		"temperature":         st.TargetTemperature,
		"current_temperature": nil,
		"fan_mode":            st.FanMode,
		"swing_mode":          st.SwingMode,
	}
	if st.CurrentTemperature != nil {
		data["current_temperature"] = *st.CurrentTemperature
	}
	return data
}

func cloneRecord(rec *store.Device) *store.Device {
	cp := *rec
	if rec.Snapshot != nil {
		cp.Snapshot = rec.Snapshot.Clone()
	}
	return &cp
}

// ListDevices returns all known devices ordered by id.
func (c *Coordinator) ListDevices() []*store.Device {
	c.mu.RLock()
	list := make([]*store.Device, 0, len(c.devices))
	for _, rec := range c.devices {
		list = append(list, cloneRecord(rec))
	}
	c.mu.RUnlock()
	slices.SortFunc(list, func(a, b *store.Device) int { return strings.Compare(a.ID, b.ID) })
	return list
}

// GetDevice returns a device by vendor id.
func (c *Coordinator) GetDevice(id string) (*store.Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return cloneRecord(rec), nil
}

// FindDevice resolves a vendor id or a display name (case-insensitive).
func (c *Coordinator) FindDevice(ref string) (*store.Device, error) {
	if dev, err := c.GetDevice(ref); err == nil {
		return dev, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rec := range c.devices {
		if strings.EqualFold(c.stateOf(rec).Name, ref) {
			return cloneRecord(rec), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, ref)
}

// State returns the climate view of one unit.
func (c *Coordinator) State(id string) (climate.State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.devices[id]
	if !ok {
		return climate.State{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return c.stateOf(rec), nil
}

// States returns the climate view of every unit ordered by id.
func (c *Coordinator) States() []climate.State {
	c.mu.RLock()
	states := make([]climate.State, 0, len(c.devices))
	for _, rec := range c.devices {
		states = append(states, c.stateOf(rec))
	}
	c.mu.RUnlock()
	slices.SortFunc(states, func(a, b climate.State) int { return strings.Compare(a.ID, b.ID) })
	return states
}

// Rename sets the friendly name of a unit. An empty name restores the
// profile or vendor name.
func (c *Coordinator) Rename(id, name string) (climate.State, error) {
	name = strings.TrimSpace(name)

	c.mu.Lock()
	rec, ok := c.devices[id]
	if !ok {
		c.mu.Unlock()
		return climate.State{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	rec.FriendlyName = name
	st := c.stateOf(rec)
	c.mu.Unlock()

	err := c.store.UpdateDevice(id, func(d *store.Device) error {
		d.FriendlyName = name
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		c.mu.RLock()
		var saved *store.Device
		if rec, ok := c.devices[id]; ok {
			saved = cloneRecord(rec)
		}
		c.mu.RUnlock()
		if saved != nil {
			err = c.store.SaveDevice(saved)
		}
	}
	if err != nil {
		return st, fmt.Errorf("rename device: %w", err)
	}

	c.logger.Info("device renamed", "id", id, "name", st.Name)
	c.events.Emit(Event{Type: EventDeviceRenamed, Data: stateData(st)})
	return st, nil
}

// Status returns the coordinator health summary.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		Available:    c.available,
		LastUpdate:   c.lastUpdate,
		Devices:      len(c.devices),
		Account:      c.client.Email(),
		UserID:       c.client.Session().UserID,
		PollInterval: c.config.PollInterval.String(),
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Available reports whether the last refresh succeeded.
func (c *Coordinator) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Profiles returns the device profile database.
func (c *Coordinator) Profiles() *ProfileDB {
	return c.profiles
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}
