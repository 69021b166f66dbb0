package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"gen-dispatch-server/modules/common/gemini"
	"gen-dispatch-server/modules/common/utils"
)

// maxInputImageBytes - 입력 이미지 다운로드 상한
const maxInputImageBytes = 20 << 20

// Gemini - Gemini 이미지 생성 어댑터
type Gemini struct {
	defaultModel string
	webpQuality  float32
	http         *http.Client
}

// NewGemini - webpQuality 가 0 이면 원본 포맷 그대로 반환
func NewGemini(defaultModel string, webpQuality float32) *Gemini {
	return &Gemini{
		defaultModel: defaultModel,
		webpQuality:  webpQuality,
		http:         &http.Client{Timeout: 60 * time.Second},
	}
}

func (g *Gemini) Generate(ctx context.Context, req Request) Result {
	if req.APIKey == "" {
		return Failure("no_api_key_available: Gemini requires an API key")
	}
	if req.JobType == "video" {
		return Failure("Gemini adapter requires a image input job, got video")
	}

	modelName := req.Model
	if modelName == "" || !strings.HasPrefix(modelName, "gemini") {
		modelName = g.defaultModel
	}

	imgReq := gemini.ImageRequest{
		APIKey: req.APIKey,
		Model:  modelName,
		Prompt: req.Prompt,
	}
	if ar, ok := req.Options["aspect_ratio"].(string); ok {
		imgReq.AspectRatio = ar
	}

	if req.InputImageURL != "" {
		data, mime, err := g.download(ctx, req.InputImageURL)
		if err != nil {
			return Failure("%v", err)
		}
		imgReq.InputImage, imgReq.InputMIME = data, mime
	}

	data, mime, err := gemini.GenerateImage(ctx, imgReq)
	if err != nil {
		return Failure("%v", err)
	}

	if g.webpQuality > 0 {
		converted, err := utils.ConvertToWebP(data, g.webpQuality)
		if err != nil {
			log.Printf("⚠️ [Backend] WebP conversion failed, returning %s: %v", mime, err)
		} else {
			data = converted
		}
	}

	return Result{Success: true, Data: utils.ConvertImageToBase64(data), IsBase64: true}
}

func (g *Gemini) download(ctx context.Context, url string) ([]byte, string, error) {
	// 이전 step 이 base64 로만 결과를 준 경우
	if strings.HasPrefix(url, "data:") {
		return decodeDataURI(url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("IMAGE_NOT_SUPPORTED: invalid input image url: %w", err)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("input image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("input image download failed: status %d", resp.StatusCode)
	}

	mime := resp.Header.Get("Content-Type")
	if mime != "" && !strings.HasPrefix(mime, "image/") {
		return nil, "", fmt.Errorf("INVALID_IMAGE_FORMAT: input must be an image, got %s", mime)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInputImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("input image download failed: %w", err)
	}
	return data, mime, nil
}

func decodeDataURI(uri string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, "", fmt.Errorf("IMAGE_NOT_SUPPORTED: malformed data uri")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("IMAGE_NOT_SUPPORTED: bad base64 payload: %w", err)
	}
	return data, strings.TrimSuffix(header, ";base64"), nil
}
