package reachability

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/dmdmdm-nz/reachd/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type call struct {
	source string
	status Status
}

// recorder collects every delegate, handler and broadcast delivery.
type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) ReachabilityStatusChanged(_ *Observer, s Status) {
	r.add("delegate", s)
}

func (r *recorder) add(source string, s Status) {
	r.mu.Lock()
	r.calls = append(r.calls, call{source: source, status: s})
	r.mu.Unlock()
}

func (r *recorder) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func newTestObserver(t *testing.T, initial Flags) (*Observer, *fakeProbe, *notify.Center[StatusChange]) {
	t.Helper()
	fp := newFakeProvider(initial)
	center := notify.NewCenter[StatusChange]()
	t.Cleanup(func() { center.Close() })

	o, err := New(WithProvider(fp), WithCenter(center))
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o, fp.probe, center
}

func receiveChange(t *testing.T, ch <-chan notify.Notification[StatusChange]) notify.Notification[StatusChange] {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "channel closed")
		return n
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
		return notify.Notification[StatusChange]{}
	}
}

func expectNoChange(t *testing.T, ch <-chan notify.Notification[StatusChange]) {
	t.Helper()
	select {
	case n := <-ch:
		t.Fatalf("unexpected notification: %+v", n.Object.Status)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestObserver_TransitionFansOutOnce(t *testing.T) {
	o, probe, center := newTestObserver(t, 0)

	rec := &recorder{}
	o.SetDelegate(StrongDelegate(rec))
	o.SetStatusChangedHandler(func(obs *Observer, s Status) {
		assert.Same(t, o, obs)
		rec.add("handler", s)
	})
	ch, unsub := center.Subscribe(StatusChangedNotification)
	defer unsub()

	require.True(t, o.StartListening())
	probe.Set(Reachable)

	n := receiveChange(t, ch)
	assert.Equal(t, StatusChangedNotification, n.Name)
	assert.Same(t, o, n.Object.Observer)
	assert.Equal(t, ReachableOverWiFi, n.Object.Status)
	assert.Equal(t, NotReachable, n.Object.Previous)
	assert.Equal(t, Reachable, n.Object.Flags)

	// Delegate and handler ran before the broadcast was posted.
	assert.Equal(t, []call{
		{"delegate", ReachableOverWiFi},
		{"handler", ReachableOverWiFi},
	}, rec.Calls())
	assert.True(t, o.IsReachable())
	assert.Equal(t, ReachableOverWiFi, o.Status())

	expectNoChange(t, ch)
	assert.Len(t, rec.Calls(), 2)
}

func TestObserver_InitialStatusComputedAtConstruction(t *testing.T) {
	o, _, _ := newTestObserver(t, Reachable|IsWWAN)

	assert.False(t, o.IsListening())
	assert.Equal(t, ReachableOverWWAN, o.Status())
	assert.Equal(t, Reachable|IsWWAN, o.Flags())
	assert.True(t, o.IsReachable())
}

func TestObserver_StartListening_Idempotent(t *testing.T) {
	o, probe, center := newTestObserver(t, 0)
	ch, unsub := center.Subscribe("")
	defer unsub()

	require.True(t, o.StartListening())
	require.True(t, o.StartListening())
	assert.True(t, o.IsListening())

	registers, _ := probe.Counts()
	assert.Equal(t, 1, registers)

	probe.Set(Reachable)
	assert.Equal(t, ReachableOverWiFi, receiveChange(t, ch).Object.Status)
	expectNoChange(t, ch)
}

func TestObserver_DuplicateStatusSuppressed(t *testing.T) {
	o, probe, center := newTestObserver(t, 0)
	ch, unsub := center.Subscribe(StatusChangedNotification)
	defer unsub()

	require.True(t, o.StartListening())
	probe.Set(Reachable)
	probe.Set(Reachable | IsDirect)
	probe.Set(Reachable | IsDirect | IsLocalAddress)

	assert.Equal(t, ReachableOverWiFi, receiveChange(t, ch).Object.Status)
	expectNoChange(t, ch)

	// The cached flags still follow the probe.
	assert.Eventually(t, func() bool {
		return o.Flags() == Reachable|IsDirect|IsLocalAddress
	}, time.Second, 10*time.Millisecond)
}

func TestObserver_NoConsecutiveDuplicateNotifications(t *testing.T) {
	o, probe, center := newTestObserver(t, 0)
	ch, unsub := center.Subscribe(StatusChangedNotification)
	defer unsub()

	require.True(t, o.StartListening())

	sequence := []Flags{
		Reachable, Reachable, Reachable | IsWWAN, Reachable | IsWWAN | IsDirect,
		0, 0, Reachable | ConnectionRequired, Reachable | ConnectionRequired | ConnectionOnDemand,
		Reachable | IsWWAN, 0,
	}
	for _, f := range sequence {
		probe.Set(f)
	}

	want := []Status{ReachableOverWiFi, ReachableOverWWAN, NotReachable, ReachableOverWiFi, ReachableOverWWAN, NotReachable}
	var got []Status
	for range want {
		got = append(got, receiveChange(t, ch).Object.Status)
	}
	expectNoChange(t, ch)
	assert.Equal(t, want, got)

	for i := 1; i < len(got); i++ {
		assert.NotEqual(t, got[i-1], got[i])
	}
}

func TestObserver_StopListening_SilencesChanges(t *testing.T) {
	o, probe, center := newTestObserver(t, 0)

	rec := &recorder{}
	o.SetDelegate(StrongDelegate(rec))
	o.SetStatusChangedHandler(func(_ *Observer, s Status) { rec.add("handler", s) })
	ch, unsub := center.Subscribe("")
	defer unsub()

	require.True(t, o.StartListening())
	o.StopListening()
	o.StopListening()

	assert.False(t, o.IsListening())
	assert.False(t, probe.Registered())

	probe.Set(Reachable)

	expectNoChange(t, ch)
	assert.Empty(t, rec.Calls())
	assert.Equal(t, NotReachable, o.Status())
}

type blockingDelegate struct {
	entered chan Status
	release chan struct{}
}

func (d *blockingDelegate) ReachabilityStatusChanged(_ *Observer, s Status) {
	d.entered <- s
	<-d.release
}

func TestObserver_StopDuringFanOutSilencesRemainingSinks(t *testing.T) {
	o, probe, center := newTestObserver(t, 0)

	d := &blockingDelegate{entered: make(chan Status, 1), release: make(chan struct{})}
	o.SetDelegate(StrongDelegate(d))
	rec := &recorder{}
	o.SetStatusChangedHandler(func(_ *Observer, s Status) { rec.add("handler", s) })
	ch, unsub := center.Subscribe("")
	defer unsub()

	require.True(t, o.StartListening())
	probe.Set(Reachable)

	select {
	case s := <-d.entered:
		assert.Equal(t, ReachableOverWiFi, s)
	case <-time.After(time.Second):
		t.Fatal("delegate not called")
	}

	o.StopListening()
	close(d.release)

	expectNoChange(t, ch)
	assert.Empty(t, rec.Calls())
}

func TestObserver_StopFromHandlerDoesNotDeadlock(t *testing.T) {
	o, probe, center := newTestObserver(t, 0)

	done := make(chan struct{})
	o.SetStatusChangedHandler(func(obs *Observer, _ Status) {
		obs.StopListening()
		close(done)
	})
	ch, unsub := center.Subscribe("")
	defer unsub()

	require.True(t, o.StartListening())
	probe.Set(Reachable)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return")
	}
	assert.False(t, o.IsListening())
	expectNoChange(t, ch)
}

func TestObserver_StaleCallbackAfterStopIsIgnored(t *testing.T) {
	o, probe, center := newTestObserver(t, 0)
	ch, unsub := center.Subscribe("")
	defer unsub()

	require.True(t, o.StartListening())

	probe.mu.Lock()
	stale := probe.callback
	probe.mu.Unlock()

	o.StopListening()
	stale(Reachable)

	expectNoChange(t, ch)
	assert.Equal(t, NotReachable, o.Status())
}

func TestObserver_RestartCatchesUp(t *testing.T) {
	o, probe, center := newTestObserver(t, 0)
	ch, unsub := center.Subscribe("")
	defer unsub()

	require.True(t, o.StartListening())
	o.StopListening()

	// Changed while inert.
	probe.Set(Reachable | IsWWAN)
	expectNoChange(t, ch)

	require.True(t, o.StartListening())
	assert.Equal(t, ReachableOverWWAN, receiveChange(t, ch).Object.Status)

	registers, unregisters := probe.Counts()
	assert.Equal(t, 2, registers)
	assert.Equal(t, 1, unregisters)
}

func TestObserver_RegistrationFailure(t *testing.T) {
	fp := newFakeProvider(Reachable)
	fp.probe.registerErr = errors.New("resource exhausted")

	o, err := New(WithProvider(fp), WithCenter(notify.NewCenter[StatusChange]()))
	require.NoError(t, err)
	defer o.Close()

	assert.False(t, o.StartListening())
	assert.False(t, o.IsListening())
	// Prior state is untouched.
	assert.Equal(t, ReachableOverWiFi, o.Status())
}

func TestObserver_Close(t *testing.T) {
	o, probe, _ := newTestObserver(t, 0)

	require.True(t, o.StartListening())
	require.NoError(t, o.Close())
	require.NoError(t, o.Close())

	assert.True(t, probe.Closed())
	assert.False(t, probe.Registered())
	assert.False(t, o.IsListening())
	assert.False(t, o.StartListening())
}

func TestObserver_WeakDelegateCollected(t *testing.T) {
	o, probe, center := newTestObserver(t, 0)
	ch, unsub := center.Subscribe("")
	defer unsub()

	var handled []Status
	var mu sync.Mutex
	o.SetStatusChangedHandler(func(_ *Observer, s Status) {
		mu.Lock()
		handled = append(handled, s)
		mu.Unlock()
	})

	ref := func() DelegateRef {
		return WeakDelegate(&recorder{calls: make([]call, 0, 8)})
	}()
	o.SetDelegate(ref)

	assert.Eventually(t, func() bool {
		runtime.GC()
		return ref.Delegate() == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, o.StartListening())
	require.NotPanics(t, func() { probe.Set(Reachable) })

	assert.Equal(t, ReachableOverWiFi, receiveChange(t, ch).Object.Status)
	mu.Lock()
	assert.Equal(t, []Status{ReachableOverWiFi}, handled)
	mu.Unlock()
}

func TestObserver_WeakDelegateAlive(t *testing.T) {
	o, probe, center := newTestObserver(t, 0)
	ch, unsub := center.Subscribe("")
	defer unsub()

	rec := &recorder{}
	o.SetDelegate(WeakDelegate(rec))

	require.True(t, o.StartListening())
	probe.Set(Reachable)
	receiveChange(t, ch)

	assert.Equal(t, []call{{"delegate", ReachableOverWiFi}}, rec.Calls())
	runtime.KeepAlive(rec)
}

func TestWeakDelegate_Nil(t *testing.T) {
	assert.Nil(t, WeakDelegate((*recorder)(nil)))
	assert.Nil(t, StrongDelegate(nil))
}

func TestObserver_CollectedObserverReleasesProbe(t *testing.T) {
	fp := newFakeProvider(0)
	center := notify.NewCenter[StatusChange]()
	defer center.Close()

	func() {
		o, err := New(WithProvider(fp), WithCenter(center))
		require.NoError(t, err)
		require.True(t, o.StartListening())
	}()

	assert.Eventually(t, func() bool {
		runtime.GC()
		return fp.probe.Closed()
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, fp.probe.Registered())
}

func TestObserver_ConstructionErrors(t *testing.T) {
	fp := newFakeProvider(0)

	_, err := NewForHost("", WithProvider(fp))
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = NewForAddress(&unix.SockaddrUnix{Name: "/tmp/x"}, WithProvider(fp))
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = NewForAddressPair(&unix.SockaddrInet4{}, &unix.SockaddrInet6{}, WithProvider(fp))
	assert.ErrorIs(t, err, ErrInvalidTarget)

	assert.Empty(t, fp.targets, "provider is not consulted for invalid targets")

	fp.err = ErrProbeUnavailable
	o, err := NewForHost("example.com", WithProvider(fp))
	assert.Nil(t, o)
	assert.ErrorIs(t, err, ErrProbeUnavailable)
}

func TestObserver_HostObserverHasValidStatus(t *testing.T) {
	for _, host := range []string{"example.com", "localhost", "apple.com.", "192.0.2.1"} {
		fp := newFakeProvider(0)
		o, err := NewForHost(host, WithProvider(fp), WithCenter(notify.NewCenter[StatusChange]()))
		require.NoError(t, err, host)
		assert.Contains(t, []Status{NotReachable, ReachableOverWiFi, ReachableOverWWAN}, o.Status())
		assert.Equal(t, KindHost, o.Target().Kind())
		o.Close()
	}
}

func TestObserver_SnapshotConsistentUnderUpdates(t *testing.T) {
	o, probe, _ := newTestObserver(t, 0)
	require.True(t, o.StartListening())

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			s := o.Snapshot()
			assert.Equal(t, s.Flags.Status(), s.Status)
			assert.Equal(t, s.Status != NotReachable, s.Reachable)
			assert.Equal(t, s.Flags.IsOnDemand(), s.OnDemand)
		}
	}()

	flags := []Flags{Reachable, Reachable | IsWWAN, 0, Reachable | ConnectionRequired | ConnectionOnTraffic}
	for i := 0; i < 200; i++ {
		probe.Set(flags[i%len(flags)])
	}
	close(done)
	wg.Wait()
}

func TestObserver_IDsAreUnique(t *testing.T) {
	a, _, _ := newTestObserver(t, 0)
	b, _, _ := newTestObserver(t, 0)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestShared_ReturnsSameInstance(t *testing.T) {
	fp := newFakeProvider(Reachable)
	SetDefaultProvider(fp)
	defer SetDefaultProvider(nil)
	ResetShared()
	defer ResetShared()

	a, err := Shared()
	require.NoError(t, err)
	b, err := Shared()
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, KindDefaultRoute, a.Target().Kind())

	ResetShared()
	assert.True(t, fp.probe.Closed())

	fp.probe = &fakeProbe{}
	c, err := Shared()
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}
