package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dory-project/dory/internal/discard"
	"github.com/dory-project/dory/internal/metadata"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	counters := &Counters{}
	counters.Admitted.Store(10)
	counters.Acked.Store(8)
	counters.Discarded.Store(2)

	tracker := discard.New(16, 16)
	t.Cleanup(tracker.Close)

	snap := metadata.Empty()
	return New("127.0.0.1:0", "test-version", counters, tracker, func() *metadata.Snapshot { return snap })
}

func TestHandleVersionReportsConfiguredVersion(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/sys/version", nil)
	rec := httptest.NewRecorder()
	s.handleVersion(rec, req)

	var body struct {
		Version   string `json:"version"`
		UptimeSec int64  `json:"uptimeSec"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "test-version", body.Version)
}

func TestHandleCountersReportsLoadedValues(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/sys/counters", nil)
	rec := httptest.NewRecorder()
	s.handleCounters(rec, req)

	var body struct {
		Admitted  int64 `json:"admitted"`
		Acked     int64 `json:"acked"`
		Discarded int64 `json:"discarded"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.EqualValues(t, 10, body.Admitted)
	require.EqualValues(t, 8, body.Acked)
	require.EqualValues(t, 2, body.Discarded)
}

func TestHandleDiscardsResetIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	s.tracker.Record("t1", discard.Reason{Kind: discard.PoolExhausted}, nil)
	require.Eventually(t, func() bool { return s.tracker.Len() == 1 }, time.Second, time.Millisecond)

	rec1 := httptest.NewRecorder()
	s.handleDiscardsReset(rec1, httptest.NewRequest(http.MethodPost, "/sys/discards/reset", nil))
	require.Equal(t, http.StatusNoContent, rec1.Code)
	require.Equal(t, 0, s.tracker.Len())

	rec2 := httptest.NewRecorder()
	s.handleDiscardsReset(rec2, httptest.NewRequest(http.MethodPost, "/sys/discards/reset", nil))
	require.Equal(t, http.StatusNoContent, rec2.Code)
	require.Equal(t, 0, s.tracker.Len())
}

func TestHandleMetadataReportsEmptySnapshot(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/sys/metadata", nil)
	rec := httptest.NewRecorder()
	s.handleMetadata(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
