package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryRoutesByProvider(t *testing.T) {
	r := NewRegistry()
	r.Register("vision-atlas", GeneratorFunc(func(_ context.Context, req Request) Result {
		return Result{Success: true, URL: "https://cdn/" + req.Model}
	}))

	res := r.Generate(context.Background(), Request{ProviderKey: "vision-atlas", Model: "flux"})
	if !res.Success || res.URL != "https://cdn/flux" {
		t.Fatalf("unexpected result %+v", res)
	}

	res = r.Generate(context.Background(), Request{ProviderKey: "vision-unknown"})
	if res.Success || !strings.Contains(res.Error, "no generation backend") {
		t.Fatalf("expected missing backend error, got %+v", res)
	}

	r.SetFallback(GeneratorFunc(func(context.Context, Request) Result { return Result{Success: true, URL: "fallback"} }))
	if res := r.Generate(context.Background(), Request{ProviderKey: "vision-unknown"}); res.URL != "fallback" {
		t.Fatalf("fallback not used: %+v", res)
	}
}

func TestRegistryReportsTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", GeneratorFunc(func(ctx context.Context, _ Request) Result {
		<-ctx.Done()
		return Failure("%v", ctx.Err())
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := r.Generate(ctx, Request{ProviderKey: "slow", Model: "m"})
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("expected timeout error, got %+v", res)
	}
}

func TestGeminiRejectsNonImageInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	g := NewGemini("gemini-2.5-flash-image", 0)
	res := g.Generate(context.Background(), Request{APIKey: "k", Prompt: "p", InputImageURL: srv.URL})
	if res.Success || !strings.HasPrefix(res.Error, "INVALID_IMAGE_FORMAT:") {
		t.Fatalf("expected INVALID_IMAGE_FORMAT, got %+v", res)
	}
}

func TestGeminiRequiresKey(t *testing.T) {
	res := NewGemini("gemini-2.5-flash-image", 0).Generate(context.Background(), Request{Prompt: "p"})
	if res.Success || !strings.Contains(res.Error, "no_api_key_available") {
		t.Fatalf("unexpected %+v", res)
	}
}
