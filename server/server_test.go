package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tabbuchauhan/pathway/diff"
	"github.com/Tabbuchauhan/pathway/engine"
)

type fakeProvider struct{ st engine.Status }

func (f fakeProvider) Status() engine.Status { return f.st }

func newTestServer() *Server {
	return New(":0", map[string]StatusProvider{
		"orders": fakeProvider{st: engine.Status{
			Epoch:           12,
			ClosedEpoch:     11,
			Workers:         4,
			Frontiers:       map[int]diff.Timestamp{0: 12, 1: 12},
			Acked:           map[string]diff.Timestamp{"index": 11},
			CheckpointID:    "abc",
			CheckpointEpoch: 10,
		}},
	})
}

func get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	newTestServer().Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatus_AllPipelines(t *testing.T) {
	rec := get(t, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Contains(t, out, "orders")
	assert.Equal(t, diff.Timestamp(12), out["orders"].Epoch)
	assert.Equal(t, 4, out["orders"].Workers)
}

func TestStatus_SinglePipeline(t *testing.T) {
	rec := get(t, "/status/orders")
	require.Equal(t, http.StatusOK, rec.Code)

	var st engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, diff.Timestamp(11), st.ClosedEpoch)

	rec = get(t, "/status/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFrontiersAndCheckpoints(t *testing.T) {
	rec := get(t, "/frontiers/orders")
	require.Equal(t, http.StatusOK, rec.Code)
	var fr struct {
		ClosedEpoch diff.Timestamp         `json:"closed_epoch"`
		Frontiers   map[int]diff.Timestamp `json:"frontiers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fr))
	assert.Equal(t, diff.Timestamp(11), fr.ClosedEpoch)
	assert.Len(t, fr.Frontiers, 2)

	rec = get(t, "/checkpoints/orders")
	require.Equal(t, http.StatusOK, rec.Code)
	var ck struct {
		ID    string                    `json:"checkpoint_id"`
		Epoch diff.Timestamp            `json:"checkpoint_epoch"`
		Acked map[string]diff.Timestamp `json:"acked"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ck))
	assert.Equal(t, "abc", ck.ID)
	assert.Equal(t, diff.Timestamp(11), ck.Acked["index"])
}

func TestHealth(t *testing.T) {
	rec := get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// An unencodable value must not panic the handler; the status code was
// already committed, the failure is only logged.
func TestWriteJSON_EncodeFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"ch": make(chan int)})
	assert.Equal(t, http.StatusOK, rec.Code)
}
