package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"gen-dispatch-server/modules/backend"
	"gen-dispatch-server/modules/classifier"
	"gen-dispatch-server/modules/credential"
)

// StepRunner - step type 별 실행기
type StepRunner interface {
	Run(ctx context.Context, step Step, input json.RawMessage) (json.RawMessage, error)
}

// StepRunnerFunc - 함수를 StepRunner 로
type StepRunnerFunc func(ctx context.Context, step Step, input json.RawMessage) (json.RawMessage, error)

func (f StepRunnerFunc) Run(ctx context.Context, step Step, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, step, input)
}

// Media - step 사이에 전달되는 값
type Media struct {
	ImageURL  string `json:"image_url,omitempty"`
	VideoURL  string `json:"video_url,omitempty"`
	ModelUsed string `json:"model_used,omitempty"`
	Provider  string `json:"provider,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

// URL - 다음 step 의 입력으로 쓸 URL
func (m Media) URL() string {
	if m.ImageURL != "" {
		return m.ImageURL
	}
	return m.VideoURL
}

// ParseMedia - {"image_url": ...} 객체 또는 URL 문자열
func ParseMedia(raw json.RawMessage) (Media, error) {
	var m Media
	if len(raw) == 0 {
		return m, fmt.Errorf("empty step input")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Media{ImageURL: s}, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("step input is not a media object: %w", err)
	}
	if m.ImageURL == "" {
		var alt struct {
			InputImageURL string `json:"input_image_url"`
		}
		_ = json.Unmarshal(raw, &alt)
		m.ImageURL = alt.InputImageURL
	}
	return m, nil
}

var supportedImageExt = map[string]bool{"": true, ".jpg": true, ".jpeg": true, ".png": true, ".webp": true}

// InputStep - 업로드된 원본 이미지를 검증하고 다음 step 으로 전달
func InputStep() StepRunner {
	return StepRunnerFunc(func(_ context.Context, step Step, input json.RawMessage) (json.RawMessage, error) {
		m, err := ParseMedia(input)
		if err != nil || m.URL() == "" {
			return nil, fmt.Errorf("%s workflow requires an input image", classifier.MarkerImageNotSupported)
		}
		raw := m.URL()
		if strings.HasPrefix(raw, "data:") {
			return json.Marshal(Media{ImageURL: raw})
		}

		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("%s input must be an http(s) image url", classifier.MarkerImageNotSupported)
		}
		if ext := strings.ToLower(path.Ext(u.Path)); !supportedImageExt[ext] {
			return nil, fmt.Errorf("%s %s files are not supported, use JPG, PNG or WEBP", classifier.MarkerInvalidImageFormat, ext)
		}
		log.Printf("📥 [Workflow] %s: input %s", step.Name, raw)
		return json.Marshal(Media{ImageURL: raw})
	})
}

// KeySource - 키 발급
type KeySource interface {
	Acquire(ctx context.Context, providerKey string) (*credential.Credential, error)
}

// GenerationStep - provider 호출 step
type GenerationStep struct {
	Keys    KeySource
	Backend backend.Generator
	Timeout time.Duration
}

func (g *GenerationStep) Run(ctx context.Context, step Step, input json.RawMessage) (json.RawMessage, error) {
	if g.Backend == nil {
		return nil, &HardError{Message: "no generation backend configured", Step: step.Name}
	}
	in, err := ParseMedia(input)
	if err != nil {
		return nil, err
	}

	cred, err := g.Keys.Acquire(ctx, step.Provider)
	if errors.Is(err, credential.ErrExhausted) {
		return nil, fmt.Errorf("no_api_key_available: %s", step.Provider)
	}
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	modelName := step.ModelName()
	req := backend.Request{
		Prompt:        step.Prompt,
		Model:         modelName,
		ProviderKey:   step.Provider,
		APIKey:        cred.APIKey,
		InputImageURL: in.URL(),
		JobType:       step.JobType,
		Options:       step.Options,
	}
	if d, ok := step.Options["duration"].(int); ok {
		req.Duration = d
	}

	started := time.Now()
	res := g.Backend.Generate(callCtx, req)
	if !res.Success {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("generation timed out after %s: %s", g.Timeout, res.Error)
		}
		return nil, errors.New(res.Error)
	}
	log.Printf("✅ [Workflow] %s: %s/%s done in %s", step.Name, step.Provider, modelName, time.Since(started).Round(time.Millisecond))

	out := Media{ModelUsed: modelName, Provider: step.Provider, SourceURL: in.URL()}
	resultURL := res.URL
	if resultURL == "" && res.IsBase64 {
		resultURL = "data:image/webp;base64," + res.Data
	}
	if step.JobType == "video" {
		out.VideoURL = resultURL
	} else {
		out.ImageURL = resultURL
	}
	return json.Marshal(out)
}
