package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aircontrolbase-go-home/internal/climate"
	"aircontrolbase-go-home/internal/cloud"
	"aircontrolbase-go-home/internal/store"
)

// --- EventBus tests ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var received Event

	eb.On(EventDeviceDiscovered, func(e Event) {
		received = e
	})

	eb.Emit(Event{Type: EventDeviceDiscovered, Data: "test"})

	if received.Type != EventDeviceDiscovered {
		t.Errorf("type = %q, want %q", received.Type, EventDeviceDiscovered)
	}
	if received.Data != "test" {
		t.Errorf("data = %v, want %q", received.Data, "test")
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	called := false

	eb.On(EventDeviceDiscovered, func(e Event) {
		called = true
	})

	eb.Emit(Event{Type: EventDeviceRemoved, Data: "test"})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusOnAll(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceDiscovered})
	eb.Emit(Event{Type: EventDeviceRemoved})
	eb.Emit(Event{Type: EventDeviceState})

	if count.Load() != 3 {
		t.Errorf("onAll called %d times, want 3", count.Load())
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.On(EventDeviceState, func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceState})
	if count.Load() != 1 {
		t.Fatalf("expected 1 call before unsub, got %d", count.Load())
	}

	unsub()
	eb.Emit(Event{Type: EventDeviceState})
	if count.Load() != 1 {
		t.Errorf("expected 1 call after unsub, got %d", count.Load())
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	eb.On(EventDeviceState, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On(EventDeviceState, func(e Event) {
		called.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceState})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventDeviceState})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}

// --- Coordinator tests ---

// memStore is a minimal in-memory store for coordinator tests.
type memStore struct {
	mu      sync.Mutex
	devices map[string]*store.Device
	session *store.Session
}

func newMemStore() *memStore {
	return &memStore{devices: make(map[string]*store.Device)}
}

func (m *memStore) SaveDevice(dev *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dev
	m.devices[dev.ID] = &cp
	return nil
}
func (m *memStore) GetDevice(id string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}
func (m *memStore) DeleteDevice(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, id)
	return nil
}
func (m *memStore) ListDevices() ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*store.Device, 0, len(m.devices))
	for _, d := range m.devices {
		cp := *d
		list = append(list, &cp)
	}
	return list, nil
}
func (m *memStore) UpdateDevice(id string, fn func(*store.Device) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return store.ErrNotFound
	}
	return fn(d)
}
func (m *memStore) SaveSession(s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.session = &cp
	return nil
}
func (m *memStore) GetSession() (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, store.ErrNotFound
	}
	cp := *m.session
	return &cp, nil
}
func (m *memStore) ClearSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}
func (m *memStore) Close() error { return nil }

type controlCall struct {
	control cloud.Control
	op      cloud.Operation
}

// fakeClient is an in-memory vendor cloud.
type fakeClient struct {
	mu          sync.Mutex
	email       string
	session     cloud.Session
	devices     []cloud.Device
	detailsErr  error
	controlErr  error
	// detailsHold, when set, receives the fetched snapshot and blocks the
	// call until it is closed.
	detailsHold chan []cloud.Device
	logins      int
	details     int
	controls    []controlCall
}

func newFakeClient(devices ...cloud.Device) *fakeClient {
	return &fakeClient{email: "user@example.com", devices: devices}
}

func (f *fakeClient) Email() string { return f.email }

func (f *fakeClient) Session() cloud.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeClient) SetSession(s cloud.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
}

func (f *fakeClient) EnsureAuthenticated(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session.Valid() {
		return nil
	}
	f.logins++
	f.session = cloud.Session{UserID: "42", Cookie: "sid=1"}
	return nil
}

func (f *fakeClient) Details(ctx context.Context) ([]cloud.Device, error) {
	f.mu.Lock()
	f.details++
	if f.detailsErr != nil {
		f.mu.Unlock()
		return nil, f.detailsErr
	}
	out := make([]cloud.Device, len(f.devices))
	for i := range f.devices {
		out[i] = *f.devices[i].Clone()
	}
	hold := f.detailsHold
	f.mu.Unlock()

	if hold != nil {
		hold <- out
		<-hold
	}
	return out, nil
}

func (f *fakeClient) Control(ctx context.Context, control cloud.Control, op cloud.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.controlErr != nil {
		return f.controlErr
	}
	f.controls = append(f.controls, controlCall{control: control, op: op})
	return nil
}

func (f *fakeClient) setDevices(devices ...cloud.Device) {
	f.mu.Lock()
	f.devices = devices
	f.mu.Unlock()
}

func (f *fakeClient) lastControl(t *testing.T) controlCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.controls) == 0 {
		t.Fatal("no control call recorded")
	}
	return f.controls[len(f.controls)-1]
}

func vendorDevice(t *testing.T, raw string) cloud.Device {
	t.Helper()
	var d cloud.Device
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatal(err)
	}
	return d
}

func livingRoom(t *testing.T) cloud.Device {
	return vendorDevice(t, `{"id":101,"name":"Living Room","groupId":5,"power":"y","mode":"cool","setTemp":24,"factTemp":26,"wind":"mid","swing":"off"}`)
}

func office(t *testing.T) cloud.Device {
	return vendorDevice(t, `{"id":202,"name":"Office","groupId":5,"power":"n","mode":"heat","setTemp":21,"wind":"auto","swing":"off"}`)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

func newTestCoordinator(t *testing.T, client *fakeClient, st *memStore, profiles *ProfileDB) (*Coordinator, *eventLog) {
	t.Helper()
	bus := NewEventBus(newTestLogger())
	log := &eventLog{}
	bus.OnAll(log.record)
	c := New(client, st, profiles, bus, Config{PollInterval: time.Hour, RefreshDebounce: time.Hour}, newTestLogger())
	t.Cleanup(c.Stop)
	return c, log
}

func TestStartDiscoversDevices(t *testing.T) {
	client := newFakeClient(livingRoom(t), office(t))
	st := newMemStore()
	c, log := newTestCoordinator(t, client, st, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if client.logins != 1 {
		t.Errorf("logins = %d, want 1", client.logins)
	}
	if got := log.count(EventDeviceDiscovered); got != 2 {
		t.Errorf("discovered events = %d, want 2", got)
	}
	if got := log.count(EventUpdateSucceeded); got != 1 {
		t.Errorf("update_succeeded events = %d, want 1", got)
	}

	devs := c.ListDevices()
	if len(devs) != 2 || devs[0].ID != "101" || devs[1].ID != "202" {
		t.Fatalf("devices = %v", devs)
	}
	if !c.Available() {
		t.Error("coordinator should be available")
	}

	// Persisted to the store along with the session.
	if _, err := st.GetDevice("202"); err != nil {
		t.Errorf("device not persisted: %v", err)
	}
	sess, err := st.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if sess.Email != "user@example.com" || sess.UserID != "42" || sess.Cookie != "sid=1" {
		t.Errorf("session = %+v", sess)
	}
}

func TestStartFailsWhenFirstRefreshFails(t *testing.T) {
	client := newFakeClient()
	client.detailsErr = &cloud.HTTPError{Op: "get details", Status: 500}
	c, log := newTestCoordinator(t, client, newMemStore(), nil)

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var he *cloud.HTTPError
	if !errors.As(err, &he) {
		t.Errorf("err = %v, want HTTPError", err)
	}
	if got := log.count(EventUpdateFailed); got != 1 {
		t.Errorf("update_failed events = %d, want 1", got)
	}
	if c.Status().LastError == "" {
		t.Error("status should carry the last error")
	}
}

func TestStartResumesStoredSession(t *testing.T) {
	client := newFakeClient(livingRoom(t))
	st := newMemStore()
	st.SaveSession(&store.Session{Email: "USER@example.com", UserID: "77", Cookie: "sid=old"})

	c, _ := newTestCoordinator(t, client, st, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.logins != 0 {
		t.Errorf("logins = %d, want 0 with a resumed session", client.logins)
	}
	if got := client.Session().UserID; got != "77" {
		t.Errorf("user id = %q, want 77", got)
	}
}

func TestStartDiscardsSessionOfOtherAccount(t *testing.T) {
	client := newFakeClient(livingRoom(t))
	st := newMemStore()
	st.SaveSession(&store.Session{Email: "other@example.com", UserID: "77", Cookie: "sid=old"})

	c, _ := newTestCoordinator(t, client, st, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.logins != 1 {
		t.Errorf("logins = %d, want 1", client.logins)
	}
	sess, err := st.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if sess.UserID != "42" || sess.Email != "user@example.com" {
		t.Errorf("session = %+v, want the fresh login", sess)
	}
}

func TestRefreshEmitsStateChangesAndRemovals(t *testing.T) {
	client := newFakeClient(livingRoom(t), office(t))
	c, log := newTestCoordinator(t, client, newMemStore(), nil)
	ctx := context.Background()
	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	log.reset()

	// Unchanged snapshot emits nothing per device.
	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if got := log.count(EventDeviceState); got != 0 {
		t.Errorf("state events = %d, want 0", got)
	}

	changed := livingRoom(t)
	changed.SetTemp = 20
	client.setDevices(changed)
	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if got := log.count(EventDeviceState); got != 1 {
		t.Errorf("state events = %d, want 1", got)
	}

	// A unit must be missing from several snapshots in a row before removal.
	for i := 1; i < DefaultRemoveAfterMisses; i++ {
		if got := log.count(EventDeviceRemoved); got != 0 {
			t.Fatalf("removed after %d misses", i)
		}
		if _, err := c.GetDevice("202"); err != nil {
			t.Fatalf("device dropped after %d misses: %v", i, err)
		}
		if err := c.Refresh(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := log.count(EventDeviceRemoved); got != 1 {
		t.Errorf("removed events = %d, want 1", got)
	}
	if _, err := c.GetDevice("202"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("removed device still present: %v", err)
	}
	st, err := c.State("101")
	if err != nil {
		t.Fatal(err)
	}
	if st.TargetTemperature != 20 {
		t.Errorf("target = %v, want 20", st.TargetTemperature)
	}
}

func TestRefreshSuppressedKeepsCache(t *testing.T) {
	client := newFakeClient(livingRoom(t))
	c, log := newTestCoordinator(t, client, newMemStore(), nil)
	ctx := context.Background()
	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	client.mu.Lock()
	client.detailsErr = cloud.ErrRefreshSuppressed
	client.mu.Unlock()
	log.reset()

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("suppressed refresh returned %v", err)
	}
	if len(c.ListDevices()) != 1 {
		t.Error("cache should be kept")
	}
	if !c.Available() {
		t.Error("suppressed refresh must not mark the cloud unavailable")
	}
	if got := log.count(EventUpdateFailed); got != 0 {
		t.Errorf("update_failed events = %d, want 0", got)
	}
}

func TestAvailabilityTransitions(t *testing.T) {
	client := newFakeClient(livingRoom(t))
	c, log := newTestCoordinator(t, client, newMemStore(), nil)
	ctx := context.Background()
	c.Refresh(ctx)

	client.mu.Lock()
	client.detailsErr = errors.New("network down")
	client.mu.Unlock()
	c.Refresh(ctx)
	c.Refresh(ctx)
	if got := log.count(EventUpdateFailed); got != 1 {
		t.Errorf("update_failed events = %d, want 1 (transition only)", got)
	}
	if c.Available() {
		t.Error("should be unavailable")
	}

	client.mu.Lock()
	client.detailsErr = nil
	client.mu.Unlock()
	c.Refresh(ctx)
	if got := log.count(EventUpdateSucceeded); got != 2 {
		t.Errorf("update_succeeded events = %d, want 2", got)
	}
}

func TestExecuteSetTemperature(t *testing.T) {
	client := newFakeClient(livingRoom(t))
	st := newMemStore()
	c, log := newTestCoordinator(t, client, st, nil)
	ctx := context.Background()
	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	log.reset()

	if err := c.SetTemperature(ctx, "101", 21.4); err != nil {
		t.Fatal(err)
	}

	call := client.lastControl(t)
	if call.op.SetTemp != 21 {
		t.Errorf("setTemp = %d, want 21", call.op.SetTemp)
	}
	if call.op.Mode != cloud.ModeCool || call.op.Power != cloud.PowerOn || call.op.Wind != cloud.WindMid {
		t.Errorf("operation must carry the full state: %+v", call.op)
	}
	if string(call.control["id"]) != "101" || string(call.control["groupId"]) != "5" {
		t.Errorf("control = %v", call.control)
	}

	// Optimistic update.
	state, _ := c.State("101")
	if state.TargetTemperature != 21 {
		t.Errorf("cached target = %v, want 21", state.TargetTemperature)
	}
	saved, _ := st.GetDevice("101")
	if saved.Snapshot.SetTemp != 21 {
		t.Errorf("stored setTemp = %d, want 21", saved.Snapshot.SetTemp)
	}
	if log.count(EventDeviceState) != 1 || log.count(EventCommandSent) != 1 {
		t.Errorf("state events = %d, command events = %d", log.count(EventDeviceState), log.count(EventCommandSent))
	}
}

func TestExecuteCombinedCommand(t *testing.T) {
	client := newFakeClient(office(t))
	c, _ := newTestCoordinator(t, client, newMemStore(), nil)
	ctx := context.Background()
	c.Refresh(ctx)

	mode, temp, fan, swing := "cool", 23.0, "high", "both"
	st, err := c.Execute(ctx, "202", Command{HVACMode: &mode, Temperature: &temp, FanMode: &fan, SwingMode: &swing})
	if err != nil {
		t.Fatal(err)
	}

	op := client.lastControl(t).op
	want := cloud.Operation{Power: cloud.PowerOn, Mode: cloud.ModeCool, SetTemp: 23, Wind: cloud.WindHigh, Swing: "both"}
	if op.Power != want.Power || op.Mode != want.Mode || op.SetTemp != want.SetTemp || op.Wind != want.Wind || op.Swing != want.Swing {
		t.Errorf("op = %+v, want %+v", op, want)
	}
	if st.HVACMode != climate.ModeCool || st.FanMode != climate.FanHigh {
		t.Errorf("state = %+v", st)
	}

	client.mu.Lock()
	n := len(client.controls)
	client.mu.Unlock()
	if n != 1 {
		t.Errorf("control calls = %d, want 1", n)
	}
}

func TestExecuteTurnOffAndOn(t *testing.T) {
	client := newFakeClient(livingRoom(t))
	c, _ := newTestCoordinator(t, client, newMemStore(), nil)
	ctx := context.Background()
	c.Refresh(ctx)

	if err := c.TurnOff(ctx, "101"); err != nil {
		t.Fatal(err)
	}
	op := client.lastControl(t).op
	if op.Power != cloud.PowerOff || op.Mode != cloud.ModeCool {
		t.Errorf("off op = %+v", op)
	}
	if st, _ := c.State("101"); st.HVACMode != climate.ModeOff {
		t.Errorf("mode = %q, want off", st.HVACMode)
	}

	if err := c.TurnOn(ctx, "101"); err != nil {
		t.Fatal(err)
	}
	op = client.lastControl(t).op
	if op.Power != cloud.PowerOn || op.Mode != cloud.ModeCool {
		t.Errorf("on op = %+v", op)
	}
}

func TestExecuteValidation(t *testing.T) {
	client := newFakeClient(livingRoom(t))
	profiles := NewProfileDB()
	profiles.Add(Profile{ID: "101", MaxTemp: 26, FanModes: []string{climate.FanAuto, climate.FanLow}})
	c, _ := newTestCoordinator(t, client, newMemStore(), profiles)
	ctx := context.Background()
	c.Refresh(ctx)

	if err := c.SetTemperature(ctx, "101", 28); !errors.Is(err, climate.ErrTemperatureRange) {
		t.Errorf("err = %v, want ErrTemperatureRange", err)
	}
	if err := c.SetFanMode(ctx, "101", climate.FanHigh); !errors.Is(err, climate.ErrInvalidFanMode) {
		t.Errorf("err = %v, want ErrInvalidFanMode", err)
	}
	if err := c.SetHVACMode(ctx, "101", "turbo"); !errors.Is(err, climate.ErrInvalidMode) {
		t.Errorf("err = %v, want ErrInvalidMode", err)
	}
	if err := c.SetSwingMode(ctx, "999", climate.SwingOff); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v, want ErrUnknownDevice", err)
	}
	if _, err := c.Execute(ctx, "101", Command{}); err == nil {
		t.Error("empty command should fail")
	}

	client.mu.Lock()
	n := len(client.controls)
	client.mu.Unlock()
	if n != 0 {
		t.Errorf("invalid commands reached the vendor: %d", n)
	}
}

func TestExecuteControlErrorLeavesCache(t *testing.T) {
	client := newFakeClient(livingRoom(t))
	c, _ := newTestCoordinator(t, client, newMemStore(), nil)
	ctx := context.Background()
	c.Refresh(ctx)

	client.controlErr = &cloud.APIError{Op: "control", Code: "500", Msg: "device offline"}
	err := c.SetTemperature(ctx, "101", 18)
	var ae *cloud.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if st, _ := c.State("101"); st.TargetTemperature != 24 {
		t.Errorf("cache changed after failed command: %v", st.TargetTemperature)
	}
}

func TestRequestRefreshIsDebounced(t *testing.T) {
	client := newFakeClient(livingRoom(t))
	c, _ := newTestCoordinator(t, client, newMemStore(), nil)
	c.config.RefreshDebounce = 10 * time.Millisecond

	for i := 0; i < 5; i++ {
		c.RequestRefresh()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		n := client.details
		client.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	client.mu.Lock()
	n := client.details
	client.mu.Unlock()
	if n != 1 {
		t.Errorf("details calls = %d, want 1", n)
	}
}

func TestRenameSurvivesRefreshAndRestart(t *testing.T) {
	client := newFakeClient(livingRoom(t))
	st := newMemStore()
	c, log := newTestCoordinator(t, client, st, nil)
	ctx := context.Background()
	c.Refresh(ctx)

	state, err := c.Rename("101", "  Lounge ")
	if err != nil {
		t.Fatal(err)
	}
	if state.Name != "Lounge" {
		t.Errorf("name = %q, want Lounge", state.Name)
	}
	if log.count(EventDeviceRenamed) != 1 {
		t.Error("expected device_renamed event")
	}

	c.Refresh(ctx)
	if st, _ := c.State("101"); st.Name != "Lounge" {
		t.Errorf("name after refresh = %q", st.Name)
	}

	// A new coordinator over the same store keeps the name.
	c2, _ := newTestCoordinator(t, client, st, nil)
	if st, _ := c2.State("101"); st.Name != "Lounge" {
		t.Errorf("name after restart = %q", st.Name)
	}

	if _, err := c.Rename("999", "x"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestProfileNameAndFindDevice(t *testing.T) {
	client := newFakeClient(livingRoom(t), office(t))
	profiles := NewProfileDB()
	profiles.Add(Profile{Name: "office", FriendlyName: "Study"})
	c, _ := newTestCoordinator(t, client, newMemStore(), profiles)
	c.Refresh(context.Background())

	st, _ := c.State("202")
	if st.Name != "Study" {
		t.Errorf("name = %q, want Study from profile", st.Name)
	}

	for _, ref := range []string{"202", "study", "STUDY"} {
		dev, err := c.FindDevice(ref)
		if err != nil || dev.ID != "202" {
			t.Errorf("FindDevice(%q) = %v, %v", ref, dev, err)
		}
	}
	if _, err := c.FindDevice("kitchen"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestStateEventData(t *testing.T) {
	client := newFakeClient(livingRoom(t))
	c, log := newTestCoordinator(t, client, newMemStore(), nil)
	c.Refresh(context.Background())

	log.mu.Lock()
	defer log.mu.Unlock()
	var data map[string]interface{}
	for _, e := range log.events {
		if e.Type == EventDeviceDiscovered {
			data = e.Data.(map[string]interface{})
		}
	}
	if data == nil {
		t.Fatal("no discovered event")
	}
	if data["unique_id"] != "aircontrolbase_101" || data["hvac_mode"] != "cool" || data["fan_mode"] != "medium" {
		t.Errorf("data = %v", data)
	}
	if data["current_temperature"] != float64(26) {
		t.Errorf("current_temperature = %v", data["current_temperature"])
	}
	if !strings.Contains(c.Status().PollInterval, "h") {
		t.Errorf("poll interval = %q", c.Status().PollInterval)
	}
}

func TestTransientMissKeepsRename(t *testing.T) {
	client := newFakeClient(livingRoom(t))
	st := newMemStore()
	c, log := newTestCoordinator(t, client, st, nil)
	ctx := context.Background()
	c.Refresh(ctx)
	if _, err := c.Rename("101", "Lounge"); err != nil {
		t.Fatal(err)
	}

	// One empty answer from the vendor, then the unit is back.
	client.setDevices()
	c.Refresh(ctx)
	client.setDevices(livingRoom(t))
	c.Refresh(ctx)

	if got := log.count(EventDeviceRemoved); got != 0 {
		t.Errorf("removed events = %d, want 0", got)
	}
	saved, err := st.GetDevice("101")
	if err != nil {
		t.Fatal(err)
	}
	if saved.FriendlyName != "Lounge" {
		t.Errorf("stored name = %q, want Lounge", saved.FriendlyName)
	}
}

func TestInFlightRefreshKeepsCommandedState(t *testing.T) {
	client := newFakeClient(livingRoom(t))
	c, _ := newTestCoordinator(t, client, newMemStore(), nil)
	ctx := context.Background()
	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	hold := make(chan []cloud.Device)
	client.mu.Lock()
	client.detailsHold = hold
	client.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx) }()
	<-hold // the poll has fetched the pre-command snapshot

	client.mu.Lock()
	client.detailsHold = nil
	client.mu.Unlock()

	if err := c.SetHVACMode(ctx, "101", climate.ModeHeat); err != nil {
		t.Fatal(err)
	}
	close(hold)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	st, err := c.State("101")
	if err != nil {
		t.Fatal(err)
	}
	if st.HVACMode != climate.ModeHeat {
		t.Errorf("hvac_mode = %s after older snapshot landed, want heat", st.HVACMode)
	}

	// A snapshot fetched after the command is applied again.
	heating := livingRoom(t)
	heating.Mode = cloud.ModeHeat
	heating.SetTemp = 27
	client.setDevices(heating)
	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if st, _ := c.State("101"); st.TargetTemperature != 27 {
		t.Errorf("target = %v, want 27 from the newer snapshot", st.TargetTemperature)
	}
}

// renamingStore renames a unit from inside the next device write, the way a
// concurrent API request would interleave with a refresh or command.
type renamingStore struct {
	*memStore
	rename func()
}

func (s *renamingStore) fire() {
	if fn := s.rename; fn != nil {
		s.rename = nil
		fn()
	}
}

func (s *renamingStore) SaveDevice(dev *store.Device) error {
	s.fire()
	return s.memStore.SaveDevice(dev)
}

func (s *renamingStore) UpdateDevice(id string, fn func(*store.Device) error) error {
	s.fire()
	return s.memStore.UpdateDevice(id, fn)
}

func TestConcurrentRenameIsNotLost(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, ctx context.Context, c *Coordinator, client *fakeClient) error
	}{
		{"refresh", func(t *testing.T, ctx context.Context, c *Coordinator, client *fakeClient) error {
			changed := livingRoom(t)
			changed.SetTemp = 19
			client.setDevices(changed)
			return c.Refresh(ctx)
		}},
		{"command", func(_ *testing.T, ctx context.Context, c *Coordinator, _ *fakeClient) error {
			return c.SetTemperature(ctx, "101", 22)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient(livingRoom(t))
			st := &renamingStore{memStore: newMemStore()}
			bus := NewEventBus(newTestLogger())
			c := New(client, st, nil, bus, Config{PollInterval: time.Hour, RefreshDebounce: time.Hour}, newTestLogger())
			t.Cleanup(c.Stop)
			ctx := context.Background()
			if err := c.Refresh(ctx); err != nil {
				t.Fatal(err)
			}

			st.rename = func() {
				if _, err := c.Rename("101", "Lounge"); err != nil {
					t.Errorf("rename: %v", err)
				}
			}
			if err := tt.run(t, ctx, c, client); err != nil {
				t.Fatal(err)
			}

			saved, err := st.GetDevice("101")
			if err != nil {
				t.Fatal(err)
			}
			if saved.FriendlyName != "Lounge" {
				t.Errorf("stored name = %q, want Lounge", saved.FriendlyName)
			}
			if s, _ := c.State("101"); s.Name != "Lounge" {
				t.Errorf("cached name = %q, want Lounge", s.Name)
			}
		})
	}
}
