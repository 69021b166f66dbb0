package gemini

import (
	"context"
	"fmt"
	"log"

	"google.golang.org/genai"
)

// ImageRequest - Gemini 이미지 생성 요청
type ImageRequest struct {
	APIKey      string
	Model       string
	Prompt      string
	InputImage  []byte // 없으면 text-to-image
	InputMIME   string
	AspectRatio string
}

// GenerateImage - 키 하나로 한 번 호출. 실패 시 에러 문자열이 그대로 분류기로 전달됨
func GenerateImage(ctx context.Context, req ImageRequest) ([]byte, string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  req.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create Gemini client: %w", err)
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if len(req.InputImage) > 0 {
		mime := req.InputMIME
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, genai.NewPartFromBytes(req.InputImage, mime))
	}

	aspectRatio := req.AspectRatio
	if aspectRatio == "" {
		aspectRatio = "1:1"
	}

	log.Printf("📤 [Gemini] model=%s prompt=%d chars input=%d bytes aspect=%s", req.Model, len(req.Prompt), len(req.InputImage), aspectRatio)
	result, err := client.Models.GenerateContent(
		ctx,
		req.Model,
		[]*genai.Content{{Parts: parts}},
		&genai.GenerateContentConfig{
			ImageConfig: &genai.ImageConfig{
				AspectRatio: aspectRatio,
			},
		},
	)
	if err != nil {
		return nil, "", fmt.Errorf("Gemini API call failed: %w", err)
	}

	if len(result.Candidates) == 0 {
		return nil, "", fmt.Errorf("no candidates in response")
	}
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			// 이미지는 InlineData 로 반환됨
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				log.Printf("✅ [Gemini] Received image: %d bytes (%s)", len(part.InlineData.Data), part.InlineData.MIMEType)
				return part.InlineData.Data, part.InlineData.MIMEType, nil
			}
		}
	}
	return nil, "", fmt.Errorf("no image data in response")
}
