package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type captured struct {
	path, title, body string
}

func TestNtfyPostsToCategoryTopicAndRateLimits(t *testing.T) {
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, captured{r.URL.Path, r.Header.Get("Title"), string(b)})
		mu.Unlock()
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := NewNtfy(NtfyOptions{
		Server:      srv.URL,
		TopicPrefix: "dispatch",
		Now:         func() time.Time { return now },
	})

	ctx := context.Background()
	n.Notify(ctx, NoAPIKeyForProvider, "no keys left", map[string]interface{}{"provider": "vision-atlas"})
	n.Notify(ctx, NoAPIKeyForProvider, "no keys left again", nil)
	n.Notify(ctx, RetryAnomaly, "unknown error_type", nil)

	now = now.Add(16 * time.Minute)
	n.Notify(ctx, NoAPIKeyForProvider, "after window", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 posts, got %d: %+v", len(got), got)
	}
	if got[0].path != "/dispatch-api_keys" || got[0].title != "NO_API_KEY_FOR_PROVIDER" {
		t.Fatalf("unexpected first post %+v", got[0])
	}
	if got[0].body != "no keys left\n\nprovider=vision-atlas" {
		t.Fatalf("unexpected body %q", got[0].body)
	}
	if got[1].path != "/dispatch-worker" {
		t.Fatalf("unexpected second post %+v", got[1])
	}
	if got[2].body != "after window" {
		t.Fatalf("unexpected third post %+v", got[2])
	}
}
