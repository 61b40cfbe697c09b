package boundary

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sosodennis/valuation-graph/checkpoint"
	"github.com/sosodennis/valuation-graph/graph"
	"github.com/sosodennis/valuation-graph/registry"
)

func buildTestServer(t *testing.T) (*Server, *checkpoint.MemStore) {
	t.Helper()
	saver := checkpoint.NewMemStore()
	sch := graph.NewSchema(graph.Channel{Name: "value", Reducer: graph.Overwrite})
	router := registry.NewEventRouter()
	eng := graph.New(sch, saver, router)
	require.NoError(t, eng.Add("double", graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.Command, error) {
		n, _ := state["value"].(float64)
		return graph.Command{Update: graph.State{"value": n * 2}, Terminal: true}, nil
	})))
	require.NoError(t, eng.StartAt("double"))

	reg := registry.New(eng, saver, router)
	input := func(message map[string]any) (graph.State, error) {
		return graph.State{"value": message["value"]}, nil
	}
	srv := NewServer(reg, saver, input, Options{})
	return srv, saver
}

func TestHandleStreamRejectsEmptyBody(t *testing.T) {
	srv, _ := buildTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/stream", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStreamRejectsUnknownFields(t *testing.T) {
	srv, _ := buildTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/stream", strings.NewReader(`{"message": {"value": 5}, "bogus_field": true}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleStreamStartsRunAndStreamsSSE(t *testing.T) {
	srv, _ := buildTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/stream", strings.NewReader(`{"message": {"value": 21}}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "lifecycle.start")
	assert.Contains(t, body, "lifecycle.end")
	assert.Contains(t, body, `"reason":"complete"`)
}

func TestHandleCancelUnknownThreadNotFound(t *testing.T) {
	srv, _ := buildTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/threads/no-such-thread/cancel", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetThreadReturnsStatus(t *testing.T) {
	srv, _ := buildTestServer(t)

	streamReq := httptest.NewRequest(http.MethodPost, "/stream", strings.NewReader(`{"message": {"value": 1}}`))
	streamRec := httptest.NewRecorder()
	srv.ServeHTTP(streamRec, streamReq)
	require.Equal(t, http.StatusOK, streamRec.Code)

	threadID := firstThreadIDFromSSE(t, streamRec.Body.String())
	require.NotEmpty(t, threadID)

	require.Eventually(t, func() bool {
		getReq := httptest.NewRequest(http.MethodGet, "/threads/"+threadID, nil)
		getRec := httptest.NewRecorder()
		srv.ServeHTTP(getRec, getReq)
		if getRec.Code != http.StatusOK {
			return false
		}
		var resp map[string]any
		_ = json.NewDecoder(getRec.Body).Decode(&resp)
		return resp["status"] == "terminated"
	}, time.Second, time.Millisecond)
}

func TestHandleHistoryListsCheckpoints(t *testing.T) {
	srv, _ := buildTestServer(t)

	streamReq := httptest.NewRequest(http.MethodPost, "/stream", strings.NewReader(`{"message": {"value": 1}}`))
	streamRec := httptest.NewRecorder()
	srv.ServeHTTP(streamRec, streamReq)
	threadID := firstThreadIDFromSSE(t, streamRec.Body.String())
	require.NotEmpty(t, threadID)

	require.Eventually(t, func() bool {
		histReq := httptest.NewRequest(http.MethodGet, "/threads/"+threadID+"/history", nil)
		histRec := httptest.NewRecorder()
		srv.ServeHTTP(histRec, histReq)
		if histRec.Code != http.StatusOK {
			return false
		}
		var resp map[string]any
		_ = json.NewDecoder(histRec.Body).Decode(&resp)
		cps, _ := resp["checkpoints"].([]any)
		return len(cps) > 0
	}, time.Second, time.Millisecond)
}

func TestVersionMismatchRejected(t *testing.T) {
	srv, _ := buildTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/stream", strings.NewReader(`{"message": {"value": 1}}`))
	req.Header.Set("X-Protocol-Version", "v999")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func firstThreadIDFromSSE(t *testing.T, body string) string {
	t.Helper()
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			var payload map[string]any
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload); err == nil {
				if id, ok := payload["thread_id"].(string); ok {
					return id
				}
			}
		}
	}
	return ""
}
