package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testConfig = `
server:
  addr: "127.0.0.1:0"
logging:
  level: error
  console: false
storage:
  driver: memory
queue:
  driver: memory
  max_idle: 200ms
engine:
  workers: 2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "chronos.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	return p
}

func startApp(t *testing.T) *App {
	t.Helper()
	return startAppWith(t, testConfig)
}

func startAppWith(t *testing.T, cfg string) *App {
	t.Helper()
	ctx := context.Background()
	a, err := NewApp(ctx, writeConfig(t, cfg))
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(sctx, StopUnknown)
	})
	deadline := time.Now().Add(3 * time.Second)
	for a.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.Addr() == "" {
		t.Fatalf("server did not start listening")
	}
	return a
}

func call(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func TestTriggeredJobRunsEndToEnd(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("pong"))
	}))
	defer target.Close()

	a := startApp(t)
	base := "http://" + a.Addr()

	var job map[string]any
	body := `{"name":"ping","cron":"0 0 1 1 *","url":"` + target.URL + `","method":"GET"}`
	if status := call(t, http.MethodPost, base+"/chronos", body, &job); status != http.StatusCreated {
		t.Fatalf("create status = %d, want 201 (%v)", status, job)
	}
	id, _ := job["id"].(string)

	var run map[string]any
	if status := call(t, http.MethodPost, base+"/chronos/"+id+"/trigger", "", &run); status != http.StatusAccepted {
		t.Fatalf("trigger status = %d, want 202 (%v)", status, run)
	}
	runID, _ := run["id"].(string)

	deadline := time.Now().Add(5 * time.Second)
	for {
		var runs []map[string]any
		call(t, http.MethodGet, base+"/chronos/"+id+"/runs", "", &runs)
		for _, r := range runs {
			if r["id"] == runID && r["status"] == "SUCCESS" {
				if r["httpStatus"] != float64(200) || r["responseSnippet"] != "pong" {
					t.Fatalf("run = %v, want 200 pong", r)
				}
				if hits.Load() != 1 {
					t.Fatalf("target hits = %d, want 1", hits.Load())
				}
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("manual run %s did not succeed; runs = %v", runID, runs)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestFunctionTimeoutIsNotRetried(t *testing.T) {
	a := startAppWith(t, strings.Replace(testConfig, "  max_idle: 200ms\n", "  max_idle: 50ms\n  attempts: 3\n  backoff: 50ms\n", 1))
	base := "http://" + a.Addr()

	var job map[string]any
	body := `{"name":"spin","cron":"0 0 1 1 *","targetType":"FUNCTION",` +
		`"functionCode":"module.exports = () => { while (true) {} }","functionLimits":{"timeoutMs":100}}`
	if status := call(t, http.MethodPost, base+"/chronos", body, &job); status != http.StatusCreated {
		t.Fatalf("create status = %d, want 201 (%v)", status, job)
	}
	id, _ := job["id"].(string)

	var run map[string]any
	if status := call(t, http.MethodPost, base+"/chronos/"+id+"/trigger", "", &run); status != http.StatusAccepted {
		t.Fatalf("trigger status = %d, want 202 (%v)", status, run)
	}
	runID, _ := run["id"].(string)

	find := func() map[string]any {
		var runs []map[string]any
		call(t, http.MethodGet, base+"/chronos/"+id+"/runs", "", &runs)
		for _, r := range runs {
			if r["id"] == runID {
				return r
			}
		}
		return nil
	}
	deadline := time.Now().Add(5 * time.Second)
	for r := find(); r == nil || r["status"] != "FAILED"; r = find() {
		if time.Now().After(deadline) {
			t.Fatalf("run %s did not fail; last = %v", runID, r)
		}
		time.Sleep(25 * time.Millisecond)
	}
	// Leave room for any redelivery before checking the final record.
	time.Sleep(500 * time.Millisecond)
	r := find()
	if r["status"] != "FAILED" || r["attempt"] != float64(1) || r["errorMessage"] != "Function timeout" {
		t.Fatalf("run = %v, want FAILED at attempt 1 with Function timeout", r)
	}
}

func TestHealthz(t *testing.T) {
	a := startApp(t)
	var body map[string]any
	if status := call(t, http.MethodGet, "http://"+a.Addr()+"/healthz", "", &body); status != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200 (%v)", status, body)
	}
	if body["storage"] != "ok" || body["queue"] != "ok" {
		t.Fatalf("healthz = %v, want storage and queue ok", body)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	_, err := NewApp(context.Background(), writeConfig(t, "queue:\n  driver: kafka\n"))
	if err == nil || !strings.Contains(err.Error(), "queue.driver") {
		t.Fatalf("NewApp error = %v, want queue.driver", err)
	}
}

func TestApplyConfigReachesServices(t *testing.T) {
	a := startApp(t)
	old := a.cfgm.Get()
	next := *old
	next.Engine.Workers = 3
	next.Scheduler.DefaultTimezone = "Asia/Jakarta"
	a.applyConfig(context.Background(), old, &next)

	if got := a.engine.Snapshot().Workers; got != 3 {
		t.Fatalf("engine workers = %d, want 3", got)
	}
	var job map[string]any
	body := `{"name":"tz","cron":"0 9 * * *","url":"https://example.com"}`
	if status := call(t, http.MethodPost, "http://"+a.Addr()+"/chronos", body, &job); status != http.StatusCreated {
		t.Fatalf("create status = %d, want 201 (%v)", status, job)
	}
	if job["timezone"] != "Asia/Jakarta" {
		t.Fatalf("timezone = %v, want the reloaded default", job["timezone"])
	}
}
