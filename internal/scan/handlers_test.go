package scan

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardianhq/guardian/internal/evidence"
	"github.com/guardianhq/guardian/internal/probes"
)

const testAddress = "0x1111111111111111111111111111111111111111"

func newTestRouter(t *testing.T, probers ...probes.Prober) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cache := evidence.NewCache(nil)
	t.Cleanup(cache.Stop)

	store := NewMemoryStore()
	orch := NewOrchestrator(probes.NewRegistry(cache, probers...), store, time.Second, 2*time.Second, slog.Default())

	r := gin.New()
	NewHandler(orch, store).RegisterRoutes(r.Group("/v1"))
	return r, store
}

func healthyProbers() []probes.Prober {
	return []probes.Prober{
		&stubProber{typ: probes.TypeContract, ev: evidence.Evidence{Subscore: 100, Confidence: 0.95}},
		&stubProber{typ: probes.TypeSanctions, ev: evidence.Evidence{Subscore: 100, Confidence: 0.85}},
	}
}

func TestStartScanReturnsSession(t *testing.T) {
	r, _ := newTestRouter(t, healthyProbers()...)

	req := httptest.NewRequest(http.MethodPost, "/v1/scan",
		strings.NewReader(`{"address":"`+testAddress+`","network":"ethereum"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ScanVersion, w.Header().Get("X-Guardian-Scan-Version"))

	var resp struct {
		Session Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusComplete, resp.Session.Status)
	require.NotNil(t, resp.Session.Score)
	assert.False(t, resp.Session.Score.Partial)
	assert.Len(t, resp.Session.Probes, 2)
}

func TestStartScanStreamsSSE(t *testing.T) {
	r, _ := newTestRouter(t, healthyProbers()...)

	req := httptest.NewRequest(http.MethodPost, "/v1/scan",
		strings.NewReader(`{"address":"`+testAddress+`","network":"ethereum"}`))
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Equal(t, 2, strings.Count(body, "event: probe_update"))
	assert.Equal(t, 1, strings.Count(body, "event: final"))
	// Final event is last on the wire
	assert.Greater(t, strings.Index(body, "event: final"), strings.LastIndex(body, "event: probe_update"))
	// Each probe_update carries the score as recomputed at that point
	assert.Equal(t, 2, strings.Count(body, `"trustScore"`))
}

func TestStartScanPartialReturns504(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cache := evidence.NewCache(nil)
	t.Cleanup(cache.Stop)

	// Session deadline shorter than the probe timeout, so the deadline fires
	// while the probe is still in flight.
	reg := probes.NewRegistry(cache, &stubProber{typ: probes.TypeContract, delay: time.Hour})
	store := NewMemoryStore()
	orch := NewOrchestrator(reg, store, 10*time.Second, 10*time.Second, slog.Default())
	orch.sessionDeadline = 100 * time.Millisecond

	r := gin.New()
	NewHandler(orch, store).RegisterRoutes(r.Group("/v1"))

	req := httptest.NewRequest(http.MethodPost, "/v1/scan",
		strings.NewReader(`{"address":"`+testAddress+`","network":"ethereum"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	// Partial results still ship in the body.
	require.Equal(t, http.StatusGatewayTimeout, w.Code)

	var resp struct {
		Session Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusPartial, resp.Session.Status)
	require.NotNil(t, resp.Session.Score)
	assert.True(t, resp.Session.Score.Partial)
}

func TestStartScanRejectsBadInput(t *testing.T) {
	r, _ := newTestRouter(t, healthyProbers()...)

	cases := []struct {
		name string
		body string
	}{
		{"bad address", `{"address":"not-an-address","network":"ethereum"}`},
		{"bad network", `{"address":"` + testAddress + `","network":"dogecoin"}`},
		{"bad probe type", `{"address":"` + testAddress + `","network":"ethereum","probeTypes":["dns"]}`},
		{"malformed json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/scan", strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetScan(t *testing.T) {
	r, store := newTestRouter(t, healthyProbers()...)

	// Unknown ID
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/scans/scan_missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Stored session
	session := &Session{
		ID: "scan_test1", Address: testAddress, Network: "ethereum",
		Status: StatusRunning, StartedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(t.Context(), session))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/scans/scan_test1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"scan_test1"`)
}

func TestListScans(t *testing.T) {
	r, store := newTestRouter(t, healthyProbers()...)

	for _, id := range []string{"scan_a", "scan_b"} {
		require.NoError(t, store.Create(t.Context(), &Session{
			ID: id, Address: testAddress, Network: "ethereum",
			Status: StatusComplete, StartedAt: time.Now().UTC(),
		}))
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/wallets/"+testAddress+"/scans", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count   int  `json:"count"`
		HasMore bool `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.False(t, resp.HasMore)
}

func TestListScansPaginates(t *testing.T) {
	r, store := newTestRouter(t, healthyProbers()...)

	base := time.Now().UTC()
	for i, id := range []string{"scan_p1", "scan_p2", "scan_p3"} {
		require.NoError(t, store.Create(t.Context(), &Session{
			ID: id, Address: testAddress, Network: "ethereum",
			Status: StatusComplete, StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/wallets/"+testAddress+"/scans?limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page1 struct {
		Sessions   []Session `json:"sessions"`
		HasMore    bool      `json:"hasMore"`
		NextCursor string    `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page1))
	require.Len(t, page1.Sessions, 2)
	assert.Equal(t, "scan_p3", page1.Sessions[0].ID)
	require.True(t, page1.HasMore)
	require.NotEmpty(t, page1.NextCursor)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/v1/wallets/"+testAddress+"/scans?limit=2&cursor="+page1.NextCursor, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page2 struct {
		Sessions []Session `json:"sessions"`
		HasMore  bool      `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page2))
	require.Len(t, page2.Sessions, 1)
	assert.Equal(t, "scan_p1", page2.Sessions[0].ID)
	assert.False(t, page2.HasMore)
}

func TestListScansRejectsBadCursor(t *testing.T) {
	r, _ := newTestRouter(t, healthyProbers()...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/v1/wallets/"+testAddress+"/scans?cursor=%25not-base64", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
}
