package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"

	"github.com/dmdmdm-nz/reachd/internal/addrinfo"
	"github.com/dmdmdm-nz/reachd/internal/notify"
	"github.com/dmdmdm-nz/reachd/internal/reachability"
	"github.com/dmdmdm-nz/reachd/internal/reachability/reachtest"
	"github.com/dmdmdm-nz/reachd/internal/targetmgr"
)

type staticAddresses addrinfo.Snapshot

func (a staticAddresses) Snapshot() addrinfo.Snapshot { return addrinfo.Snapshot(a) }

type testService struct {
	*Service
	manager  *targetmgr.Manager
	provider *reachtest.Provider
	handler  http.Handler
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	provider := reachtest.NewProvider(reachability.Reachable)
	center := notify.NewCenter[reachability.StatusChange]()
	reg := prometheus.NewRegistry()
	tm := targetmgr.NewManager(center, targetmgr.NewMetrics(reg), reachability.WithProvider(provider))
	t.Cleanup(func() {
		_ = tm.Close()
		_ = center.Close()
	})

	s := NewService("127.0.0.1", 0)
	s.AttachTargetMgr(tm)
	s.AttachAddressInfo(staticAddresses{WLANIPv4: "192.168.1.20", WWANIPv6: "2001:db8::7"})
	s.AttachMetrics(reg)
	return &testService{Service: s, manager: tm, provider: provider, handler: s.Handler()}
}

func (ts *testService) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestService(t)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/ready", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodPost, "/health", "").Code)
}

func TestCreateObserver(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		kind   string
		target string
	}{
		{name: "host", body: `{"host":"example.com"}`, status: http.StatusCreated, kind: "host", target: "example.com"},
		{name: "address", body: `{"address":"192.0.2.1"}`, status: http.StatusCreated, kind: "address", target: "192.0.2.1"},
		{name: "pair", body: `{"local":"192.168.1.20","remote":"192.0.2.1"}`, status: http.StatusCreated, kind: "address-pair", target: "192.168.1.20->192.0.2.1"},
		{name: "mixed families", body: `{"local":"192.168.1.20","remote":"2001:db8::1"}`, status: http.StatusBadRequest},
		{name: "bad host", body: `{"host":"not a host"}`, status: http.StatusBadRequest},
		{name: "bad address", body: `{"address":"999.1.1.1"}`, status: http.StatusBadRequest},
		{name: "nothing", body: `{}`, status: http.StatusBadRequest},
		{name: "two targets", body: `{"host":"example.com","address":"192.0.2.1"}`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"hostname":"example.com"}`, status: http.StatusBadRequest},
		{name: "not json", body: `host=example.com`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestService(t)
			w := ts.do(t, http.MethodPost, "/observers", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status != http.StatusCreated {
				return
			}

			var info ObserverInfo
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
			assert.Equal(t, tt.kind, info.Kind)
			assert.Equal(t, tt.target, info.Target)
			assert.Equal(t, reachability.ReachableOverWiFi, info.Status)
			assert.Equal(t, []string{"reachable"}, info.Flags)
			assert.Equal(t, "/observer/"+info.ID, w.Header().Get("Location"))
		})
	}
}

func TestCreateObserver_Duplicate(t *testing.T) {
	ts := newTestService(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/observers", `{"host":"example.com"}`).Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/observers", `{"host":"example.com"}`).Code)
}

func TestListObservers(t *testing.T) {
	ts := newTestService(t)

	w := ts.do(t, http.MethodGet, "/observers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	_, err := ts.manager.Add(reachability.DefaultRouteTarget())
	require.NoError(t, err)
	ts.do(t, http.MethodPost, "/observers", `{"host":"example.com"}`)

	w = ts.do(t, http.MethodGet, "/observers", "")
	require.Equal(t, http.StatusOK, w.Code)
	var infos []ObserverInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "default", infos[0].Target)
	assert.Equal(t, "example.com", infos[1].Target)
}

func TestGetAndDeleteObserver(t *testing.T) {
	ts := newTestService(t)
	o, err := ts.manager.Add(reachability.DefaultRouteTarget())
	require.NoError(t, err)
	path := "/observer/" + o.ID().String()

	w := ts.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code)
	var info ObserverInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, o.ID().String(), info.ID)
	assert.True(t, info.Reachable)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, path, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, path, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, path, "").Code)
}

func TestObserver_BadID(t *testing.T) {
	ts := newTestService(t)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/observer/", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/observer/not-a-uuid", "").Code)
}

func TestAddresses_JSONAndPlist(t *testing.T) {
	ts := newTestService(t)

	w := ts.do(t, http.MethodGet, "/addresses", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var snap map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "192.168.1.20", snap["wlan_ipv4"])
	assert.Equal(t, "2001:db8::7", snap["wwan_ipv6"])
	assert.NotContains(t, snap, "wlan_ipv6")

	w = ts.do(t, http.MethodGet, "/addresses?format=plist", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, plistContentType, w.Header().Get("Content-Type"))
	var decoded addrinfo.Snapshot
	_, err := plist.Unmarshal(w.Body.Bytes(), &decoded)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", decoded.WLANIPv4)
	assert.Equal(t, "2001:db8::7", decoded.WWANIPv6)
}

func TestObservers_PlistByAcceptHeader(t *testing.T) {
	ts := newTestService(t)
	_, err := ts.manager.Add(reachability.DefaultRouteTarget())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/observers", nil)
	req.Header.Set("Accept", "application/x-plist")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<plist")
	assert.Contains(t, w.Body.String(), "<string>reachable-wifi</string>")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestService(t)
	_, err := ts.manager.Add(reachability.DefaultRouteTarget())
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `reachd_observer_status{target="default"} 1`)
	assert.Contains(t, w.Body.String(), "reachd_observers 1")
}

func TestClientSupported(t *testing.T) {
	assert.True(t, clientSupported("1.0.0"))
	assert.True(t, clientSupported("1.4.2"))
	assert.False(t, clientSupported("0.9.0"))
	assert.False(t, clientSupported("2.0.0"))
	assert.False(t, clientSupported(""))
	assert.False(t, clientSupported("banana"))
}

func TestStream_RejectsOldClients(t *testing.T) {
	ts := newTestService(t)
	w := ts.do(t, http.MethodGet, "/ws/reachability?version=0.1.0", "")
	assert.Equal(t, http.StatusUpgradeRequired, w.Code)

	w = ts.do(t, http.MethodGet, "/ws/reachability", "")
	assert.Equal(t, http.StatusUpgradeRequired, w.Code)
}

func TestStream_SnapshotThenChanges(t *testing.T) {
	ts := newTestService(t)
	o, err := ts.manager.Add(reachability.DefaultRouteTarget())
	require.NoError(t, err)
	require.True(t, o.StartListening())

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/reachability?version=1.2.0"
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	var ev StatusEvent
	require.NoError(t, wsjson.Read(ctx, c, &ev))
	assert.Equal(t, EventSnapshot, ev.Type)
	assert.Equal(t, o.ID().String(), ev.Observer.ID)
	assert.Equal(t, reachability.ReachableOverWiFi, ev.Observer.Status)
	assert.Nil(t, ev.Previous)

	probe, ok := ts.provider.Probe("default")
	require.True(t, ok)
	probe.Set(reachability.Reachable | reachability.IsWWAN)

	require.NoError(t, wsjson.Read(ctx, c, &ev))
	assert.Equal(t, EventChange, ev.Type)
	assert.Equal(t, reachability.ReachableOverWWAN, ev.Observer.Status)
	require.NotNil(t, ev.Previous)
	assert.Equal(t, reachability.ReachableOverWiFi, *ev.Previous)

	probe.Set(0)
	require.NoError(t, wsjson.Read(ctx, c, &ev))
	assert.Equal(t, reachability.NotReachable, ev.Observer.Status)
	assert.False(t, ev.Observer.Reachable)
}

func TestStart_RequiresTargetManager(t *testing.T) {
	s := NewService("127.0.0.1", 0)
	assert.Error(t, s.Start(context.Background()))
}

func TestStart_StopsOnCancel(t *testing.T) {
	ts := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.NoError(t, ts.Close())
}
