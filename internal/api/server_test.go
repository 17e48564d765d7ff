package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrwatch/internal/config"
	"hrwatch/internal/history"
	"hrwatch/internal/metrics"
	"hrwatch/internal/model"
)

type fakeHost struct {
	mu        sync.Mutex
	snap      model.Snapshot
	remounts  int
	remountFn func() error
	listeners []func(model.Snapshot)
	updated   *config.Config
}

func (h *fakeHost) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	h.updated = cfg
	h.mu.Unlock()
}

func (h *fakeHost) Snapshot() model.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

func (h *fakeHost) Remount() error {
	h.mu.Lock()
	h.remounts++
	fn := h.remountFn
	h.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (h *fakeHost) Subscribe(fn func(model.Snapshot)) func() {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
	return func() {}
}

type fakeSource struct {
	readings []model.Reading
	err      error
	gotCount int
}

func (s *fakeSource) Latest(_ context.Context, count int) ([]model.Reading, error) {
	s.gotCount = count
	return s.readings, s.err
}

func (s *fakeSource) All(context.Context) ([]model.Reading, error) {
	return s.readings, s.err
}

func newTestServer(host Host, src *fakeSource) *Server {
	var source history.Source
	if src != nil {
		source = src
	}
	return NewServer(config.NewStaticManager(config.DefaultConfig()), host, source, metrics.New(), nil, "test")
}

func sampleSnapshot() model.Snapshot {
	return model.Snapshot{
		SessionID: "s-1",
		State:     model.ConnOpen,
		Window:    []model.Reading{model.NewReading("10:00:00", 72)},
		Stats:     model.Stats{Min: 72, Max: 72, Avg: 72},
		HasData:   true,
	}
}

func TestSnapshotAndStatus(t *testing.T) {
	host := &fakeHost{snap: sampleSnapshot()}
	srv := httptest.NewServer(newTestServer(host, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap model.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "s-1", snap.SessionID)
	assert.True(t, snap.HasData)

	resp2, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, "sse", status.Stream.Transport)
	assert.Equal(t, model.ConnOpen, status.Stream.State)
	assert.Equal(t, 100.0, status.Detection.HighBPM)
	assert.False(t, status.History.Enabled)

	resp3, err := http.Post(srv.URL+"/snapshot", "application/json", nil)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp3.StatusCode)
}

func TestHistorySeedsWindow(t *testing.T) {
	src := &fakeSource{readings: []model.Reading{
		model.NewReading("10:00:02", 80),
		model.NewReading("10:00:01", 70),
	}}
	srv := httptest.NewServer(newTestServer(&fakeHost{}, src).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/history?count=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out historyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, src.gotCount)
	require.Len(t, out.Window, 2)
	assert.Equal(t, "10:00:01", out.Window[0].Time, "oldest first")
	assert.Equal(t, model.Stats{Min: 70, Max: 80, Avg: 75}, out.Stats)
	assert.True(t, out.HasData)

	resp2, err := http.Get(srv.URL + "/history?count=zero")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestHistoryErrors(t *testing.T) {
	noSource := httptest.NewServer(newTestServer(&fakeHost{}, nil).Handler())
	defer noSource.Close()
	resp, err := http.Get(noSource.URL + "/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	failing := httptest.NewServer(newTestServer(&fakeHost{}, &fakeSource{err: errors.New("backend down")}).Handler())
	defer failing.Close()
	resp, err = http.Get(failing.URL + "/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestRemount(t *testing.T) {
	host := &fakeHost{snap: sampleSnapshot()}
	srv := httptest.NewServer(newTestServer(host, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/remount", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, host.remounts)

	host.remountFn = func() error { return errors.New("no transport") }
	resp, err = http.Post(srv.URL+"/admin/remount", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/admin/remount")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsAndHealth(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeHost{}, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketReceivesSnapshots(t *testing.T) {
	host := &fakeHost{snap: sampleSnapshot()}
	s := newTestServer(host, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first model.Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "s-1", first.SessionID)

	require.Eventually(t, func() bool { return s.hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	next := sampleSnapshot()
	next.Alert = &model.Alert{Kind: model.AlertTachycardia, Message: "High heart rate detected: 120 BPM", Time: "10:00:01"}
	s.broadcast(next)

	var pushed model.Snapshot
	require.NoError(t, conn.ReadJSON(&pushed))
	require.NotNil(t, pushed.Alert)
	assert.Equal(t, model.AlertTachycardia, pushed.Alert.Kind)
}

func TestHistoryAll(t *testing.T) {
	src := &fakeSource{readings: []model.Reading{
		model.NewReading("10:00:02", 80),
		model.NewReading("10:00:01", 70),
	}}
	srv := httptest.NewServer(newTestServer(&fakeHost{}, src).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/history/all")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Count    int             `json:"count"`
		Readings []model.Reading `json:"readings"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "10:00:02", body.Readings[0].Time)

	empty := httptest.NewServer(newTestServer(&fakeHost{}, nil).Handler())
	defer empty.Close()
	resp2, err := http.Get(empty.URL + "/history/all")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func putDetection(t *testing.T, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url+"/config/detection", strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestDetectionConfigUpdate(t *testing.T) {
	mgr := config.NewStaticManager(config.DefaultConfig())
	host := &fakeHost{}
	srv := httptest.NewServer(NewServer(mgr, host, nil, nil, nil, "test").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/config/detection")
	require.NoError(t, err)
	var got detectionStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, 40.0, got.LowBPM)
	assert.Equal(t, "3s", got.AlertTTL)

	resp = putDetection(t, srv.URL, `{"high_bpm":120,"alert_ttl":"5s"}`)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 120.0, got.HighBPM)
	assert.Equal(t, 40.0, got.LowBPM)
	assert.Equal(t, 120.0, mgr.Get().Detection.HighBPM)
	assert.Equal(t, 5*time.Second, mgr.Get().Detection.AlertTTL)
	host.mu.Lock()
	pushed := host.updated
	host.mu.Unlock()
	require.NotNil(t, pushed)
	assert.Equal(t, 120.0, pushed.Detection.HighBPM)

	for _, body := range []string{`{"low_bpm":150}`, `{"alert_ttl":"soon"}`, `not json`} {
		resp = putDetection(t, srv.URL, body)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Equal(t, 120.0, mgr.Get().Detection.HighBPM, "rejected updates leave the config alone")

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/config/detection", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestBroadcastDropsStaleSnapshots(t *testing.T) {
	s := newTestServer(&fakeHost{snap: sampleSnapshot()}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initial model.Snapshot
	require.NoError(t, conn.ReadJSON(&initial))
	require.Eventually(t, func() bool { return s.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	newer := sampleSnapshot()
	newer.Seq = 5
	newer.Window = append(newer.Window, model.NewReading("10:00:01", 75))
	stale := sampleSnapshot()
	stale.Seq = 4
	otherSession := sampleSnapshot()
	otherSession.SessionID = "s-2"
	otherSession.Seq = 1

	s.broadcast(newer)
	s.broadcast(stale)
	s.broadcast(otherSession)

	var got model.Snapshot
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, uint64(5), got.Seq)
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "s-2", got.SessionID, "the stale frame is skipped")
}

func TestHubDropsClientWithFullQueue(t *testing.T) {
	hub := NewHub()
	c := &client{send: make(chan []byte, 1), done: make(chan struct{})}
	hub.mu.Lock()
	hub.clients[c] = true
	hub.mu.Unlock()
	// No socket behind this client, and no writer drains c.send.
	c.once.Do(func() {})

	done := make(chan struct{})
	go func() {
		hub.broadcastText([]byte("one"))
		hub.broadcastText([]byte("two"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
	assert.Equal(t, 0, hub.Len())
}
