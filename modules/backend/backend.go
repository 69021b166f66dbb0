package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Request - generate(...) 호출 인자
type Request struct {
	Prompt        string
	Model         string
	ProviderKey   string
	APIKey        string
	InputImageURL string
	JobType       string
	Duration      int
	Options       map[string]interface{}
}

// Result - generate(...) 결과. Error 문자열이 실패 원인을 전달하는 유일한 채널
type Result struct {
	Success  bool
	URL      string
	Data     string
	IsBase64 bool
	Error    string
}

// Generator - provider 어댑터
type Generator interface {
	Generate(ctx context.Context, req Request) Result
}

// GeneratorFunc - 함수를 Generator 로
type GeneratorFunc func(ctx context.Context, req Request) Result

func (f GeneratorFunc) Generate(ctx context.Context, req Request) Result { return f(ctx, req) }

// Failure - 실패 Result 헬퍼
func Failure(format string, args ...interface{}) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Registry - provider_key 로 어댑터 라우팅
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Generator
	fallback Generator
}

// NewRegistry - Registry 생성
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Generator)}
}

// Register - provider 어댑터 등록
func (r *Registry) Register(providerKey string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[providerKey] = g
	log.Printf("🔌 [Backend] Registered adapter for %s", providerKey)
}

// SetFallback - 등록되지 않은 provider 용 어댑터
func (r *Registry) SetFallback(g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = g
}

// Providers - 등록된 provider 목록
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	return out
}

// Generate - 어댑터 호출. ctx deadline 을 넘기면 timeout 에러로 변환
func (r *Registry) Generate(ctx context.Context, req Request) Result {
	r.mu.RLock()
	g, ok := r.adapters[req.ProviderKey]
	if !ok {
		g = r.fallback
	}
	r.mu.RUnlock()

	if g == nil {
		return Failure("no generation backend registered for provider %s", req.ProviderKey)
	}

	res := g.Generate(ctx, req)
	if !res.Success && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Failure("generation timed out for %s/%s: %s", req.ProviderKey, req.Model, res.Error)
	}
	return res
}
