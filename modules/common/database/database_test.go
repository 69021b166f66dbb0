package database

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gen-dispatch-server/modules/common/config"
	"gen-dispatch-server/modules/common/model"
)

// fakeRest - PostgREST 응답을 path 별로 흉내
func fakeRest(t *testing.T, routes map[string]string) (*Client, *[]string) {
	t.Helper()
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen = append(seen, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery+" "+string(body))
		path := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
		resp, ok := routes[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"no route"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(&config.Config{SupabaseURL: srv.URL, SupabaseServiceKey: "service-key"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, &seen
}

func TestGetJob(t *testing.T) {
	c, seen := fakeRest(t, map[string]string{
		"jobs": `[{"job_id":"j1","job_type":"image","model":"seedream-4","status":"pending","created_at":"2026-01-02T03:04:05Z"}]`,
	})
	job, err := c.GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.JobID != "j1" || job.Model != "seedream-4" || job.Status != model.StatusPending {
		t.Fatalf("job = %+v", job)
	}
	if !strings.Contains((*seen)[0], "job_id=eq.j1") {
		t.Fatalf("request = %s", (*seen)[0])
	}
}

func TestGetJobNotFound(t *testing.T) {
	c, _ := fakeRest(t, map[string]string{"jobs": `[]`})
	if _, err := c.GetJob(context.Background(), "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestGetExecutionByJobNone(t *testing.T) {
	c, _ := fakeRest(t, map[string]string{"workflow_executions": `[]`})
	exec, err := c.GetExecutionByJob(context.Background(), "j1")
	if err != nil || exec != nil {
		t.Fatalf("exec=%v err=%v", exec, err)
	}
}

func TestIncrementQuotaRPC(t *testing.T) {
	c, seen := fakeRest(t, map[string]string{
		"rpc/increment_quota": `{"success":true,"quota_used":4}`,
	})
	res, err := c.IncrementQuota(context.Background(), "vision-atlas", "atlas-upscale")
	if err != nil {
		t.Fatalf("IncrementQuota: %v", err)
	}
	if !res.Success || res.QuotaUsed != 4 {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains((*seen)[0], `"p_provider":"vision-atlas"`) {
		t.Fatalf("request = %s", (*seen)[0])
	}
}

func TestListKeysOrdered(t *testing.T) {
	c, seen := fakeRest(t, map[string]string{
		"provider_api_keys": `[{"id":7,"provider_id":"p1","key_number":1,"api_key":"a"},{"id":9,"provider_id":"p1","key_number":2,"api_key":"b"}]`,
	})
	keys, err := c.ListKeys(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 || keys[1].ID != 9 {
		t.Fatalf("keys = %+v", keys)
	}
	if !strings.Contains((*seen)[0], "order=key_number.asc") {
		t.Fatalf("request = %s", (*seen)[0])
	}
}
