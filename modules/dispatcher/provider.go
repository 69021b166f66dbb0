package dispatcher

import (
	"strings"

	"gen-dispatch-server/modules/common/model"
)

const (
	defaultImageProvider = "vision-nova"
	defaultVideoProvider = "cinematic-nova"
)

// model → provider_key
var imageProviders = map[string]string{
	"nano-banana-pro-leonardo": "vision-leonardo",
	"leonardo-phoenix":         "vision-leonardo",
	"seedream-4":               "vision-nova",
	"flux-schnell":             "vision-nova",
	"flux-kontext":             "vision-pixazo",
	"atlas-upscale":            "vision-atlas",
	"gemini-2.5-flash-image":   "vision-gemini",
	"sdxl":                     "vision-huggingface",
	"xeven-lite":               "vision-xeven",
}

var videoProviders = map[string]string{
	"wan-2.2-i2v":         "cinematic-nova",
	"minimax-video-01":    "cinematic-nova",
	"luma-ray-2":          "cinematic-luma",
	"topaz-video-upscale": "cinematic-topaz",
	"kling-v2":            "cinematic-kling",
	"veo-3":               "cinematic-gemini",
}

var videoIndicators = []string{"video", "wan", "minimax", "luma", "topaz"}

// ResolveJobType - image job 이지만 video 모델이면 video 로 승격
func ResolveJobType(job *model.Job) string {
	if job.JobType != model.JobTypeImage {
		return job.JobType
	}
	lower := strings.ToLower(job.Model)
	for _, ind := range videoIndicators {
		if strings.Contains(lower, ind) {
			return model.JobTypeVideo
		}
	}
	return job.JobType
}

// ResolveProvider - metadata.provider_key → job.provider_key → 모델 테이블 → 기본값
func ResolveProvider(job *model.Job) (provider, jobType string) {
	jobType = ResolveJobType(job)

	if p := job.MetaString("provider_key"); p != "" {
		return p, jobType
	}
	if job.ProviderKey != nil && *job.ProviderKey != "" {
		return *job.ProviderKey, jobType
	}

	if jobType == model.JobTypeVideo {
		if p, ok := videoProviders[job.Model]; ok {
			return p, jobType
		}
		return defaultVideoProvider, jobType
	}
	if p, ok := imageProviders[job.Model]; ok {
		return p, jobType
	}
	return defaultImageProvider, jobType
}
