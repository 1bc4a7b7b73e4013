package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/backend"
	sshmock "github.com/QingMing-Bot/fleet-orchestrator/internal/ssh"
	"github.com/QingMing-Bot/fleet-orchestrator/pkg/config"
)

func init() { gin.SetMode(gin.TestMode) }

type env struct {
	b      *backend.Backend
	mock   *sshmock.MockProvider
	router *gin.Engine
}

func setup(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Parse(func(k string) string {
		if k == "FLEET_DATA_DIR" {
			return dir
		}
		return ""
	})
	mock := sshmock.NewMockProvider()
	b, err := backend.Open(cfg, mock, nil)
	require.NoError(t, err)
	t.Cleanup(b.Shutdown)
	return &env{b: b, mock: mock, router: NewRouter(b, nil)}
}

func (e *env) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, Message) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var msg Message
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	}
	return w, msg
}

const targetsJSON = `[{"alias":"web-1","host":"10.0.0.1","group":"web"},{"alias":"web-2","host":"10.0.0.2","group":"web"}]`

func TestHealth(t *testing.T) {
	e := setup(t)
	w, msg := e.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "health_check", msg.Type)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestTargetsAndJobLifecycle(t *testing.T) {
	e := setup(t)

	w, _ := e.do(t, http.MethodPost, "/api/v1/targets", targetsJSON)
	require.Equal(t, http.StatusOK, w.Code)

	w, msg := e.do(t, http.MethodGet, "/api/v1/targets?group=web", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, msg.Payload, 2)

	w, msg = e.do(t, http.MethodPost, "/api/v1/jobs", `{"action":"run_command","payload":"uptime","group":"web","concurrency":2,"timeout_ms":1000}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := msg.Payload.(map[string]any)["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.b.WaitJob(ctx, id)
	require.NoError(t, err)

	w, msg = e.do(t, http.MethodGet, "/api/v1/jobs/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	sum := msg.Payload.(map[string]any)["summary"].(map[string]any)
	require.EqualValues(t, 2, sum["ok"])
	require.Equal(t, "finished", sum["overall"])

	// 已结束的作业取消无效
	w, msg = e.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, false, msg.Payload.(map[string]any)["canceled"])

	// SSE 回放完整事件序列后结束
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id+"/events", nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	var kinds []string
	sc := bufio.NewScanner(bytes.NewReader(rec.Body.Bytes()))
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			kinds = append(kinds, name)
		}
	}
	require.Len(t, kinds, 3*2+1)
	require.Equal(t, "job_finished", kinds[len(kinds)-1])
}

func TestSubmitValidationErrors(t *testing.T) {
	e := setup(t)
	e.do(t, http.MethodPost, "/api/v1/targets", targetsJSON)

	w, msg := e.do(t, http.MethodPost, "/api/v1/jobs", `{"action":"restart_service","payload":"nginx","group":"web"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "error", msg.Type)
	problems := msg.Payload.(map[string]any)["problems"].([]any)
	require.NotEmpty(t, problems)

	w, _ = e.do(t, http.MethodPost, "/api/v1/jobs", `{"action":"run_command","payload":"uptime","targets":["ghost"]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(t, http.MethodPost, "/api/v1/jobs", `{not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(t, http.MethodGet, "/api/v1/jobs/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	w, _ = e.do(t, http.MethodGet, "/api/v1/jobs/nope/events", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	w, _ = e.do(t, http.MethodDelete, "/api/v1/targets/ghost", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelRunningJob(t *testing.T) {
	e := setup(t)
	e.do(t, http.MethodPost, "/api/v1/targets", targetsJSON)
	started := make(chan struct{})
	gate := make(chan struct{})
	e.mock.Set("web-1", sshmock.MockResult{Gate: gate, Started: started})

	_, msg := e.do(t, http.MethodPost, "/api/v1/jobs", `{"action":"run_command","payload":"sleep 9","targets":["web-1","web-2"],"concurrency":1,"timeout_ms":5000}`)
	id := msg.Payload.(map[string]any)["id"].(string)
	<-started

	w, msg := e.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, true, msg.Payload.(map[string]any)["canceled"])
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := e.b.WaitJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, v.Summary.OK)
	require.Equal(t, 1, v.Summary.Canceled)
}

func TestAuditEndpoints(t *testing.T) {
	e := setup(t)
	e.do(t, http.MethodPost, "/api/v1/targets", targetsJSON)
	_, msg := e.do(t, http.MethodPost, "/api/v1/jobs", `{"action":"check_service","payload":"sshd","group":"web"}`)
	id := msg.Payload.(map[string]any)["id"].(string)

	require.Eventually(t, func() bool {
		_, m := e.do(t, http.MethodGet, "/api/v1/audit?job_id="+id, "")
		list, _ := m.Payload.([]any)
		return len(list) == 4
	}, 5*time.Second, 50*time.Millisecond)

	w, msg := e.do(t, http.MethodGet, "/api/v1/audit/verify", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 4, msg.Payload.(map[string]any)["checked"])

	w, _ = e.do(t, http.MethodGet, "/api/v1/targets/export?format=csv", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "web-1")
}
