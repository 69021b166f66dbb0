package classifier

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Category - provider 에러 카탈로그 분류 결과
type Category string

const (
	LimitReached   Category = "limit_reached"
	CreditExceeded Category = "credit_exceeded"
	MonthlyLimit   Category = "monthly_limit"
	Generic        Category = "generic"
	GenericError   Category = "generic_error"
)

// Workflow checkpoint 에 기록되는 error_type
const (
	TypeQuotaExceeded   = "quota_exceeded"
	TypeRateLimit       = "rate_limit"
	TypeTimeout         = "timeout"
	TypeInvalidKey      = "invalid_key"
	TypeNoAPIKey        = "no_api_key"
	TypeGenericAPIError = "generic_api_error"
	TypeAPIError        = "api_error"
)

// Action - direct dispatch 경로에서 에러 이후 취할 동작
type Action int

const (
	ActionRotate Action = iota // 키 아카이브 후 다음 키로 재시도
	ActionRetry                // 키 유지, job 은 pending 으로 되돌림
	ActionFail                 // 입력 오류, 종료
)

func (a Action) String() string {
	switch a {
	case ActionRotate:
		return "rotate"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	}
	return "unknown"
}

// Verdict - direct dispatch 경로 분류 결과
type Verdict struct {
	Category Category
	Action   Action
	Reason   string // credential | storage | network | timeout | validation | keyless
}

// StepVerdict - workflow step 경로 분류 결과
type StepVerdict struct {
	Hard       bool
	ErrorType  string
	Message    string
	RetryAfter time.Duration
}

type rule struct {
	category Category
	patterns []*regexp.Regexp
}

// Options - Classifier 생성 옵션
type Options struct {
	Keyless []string
	// Catalog 가 비어 있으면 기본 카탈로그 사용
	Catalog map[string]map[Category][]string
	Aliases map[string]string
}

// Classifier - direct dispatch 와 workflow step 양쪽에서 쓰는 단일 에러 분류기
type Classifier struct {
	catalog map[string][]rule
	aliases map[string]string
	keyless map[string]bool
}

var categoryOrder = []Category{LimitReached, CreditExceeded, MonthlyLimit, Generic}

var defaultCatalog = map[string]map[Category][]string{
	"replicate": {
		LimitReached: {"rate limit", "rate_limit", "quota exceeded", "quota_exceeded", "limit exceeded",
			"limit_exceeded", "too many requests", "429"},
		CreditExceeded: {"insufficient", "insufficient credit", "not enough credit", "payment required",
			"billing", "subscription", "expired", "invalid token", "unauthorized", "401", "402", "403"},
		MonthlyLimit: {"monthly limit", "month limit", "period limit", "usage limit"},
	},
	"pixazo": {
		LimitReached: {"rate limit", "rate_limit", "too many requests", "429"},
		CreditExceeded: {"insufficient", "insufficient credit", "not enough credit", "unauthorized",
			"invalid subscription key", "401", "403"},
		MonthlyLimit: {"monthly limit", "usage limit"},
	},
	"huggingface": {
		LimitReached:   {"rate limit", "too many requests", "429"},
		CreditExceeded: {"unauthorized", "invalid token", "401", "403"},
		Generic:        {"error", "failed"},
	},
}

var defaultAliases = map[string]string{
	"vision-nova":        "replicate",
	"cinematic-nova":     "replicate",
	"replicate":          "replicate",
	"vision-pixazo":      "pixazo",
	"pixazo":             "pixazo",
	"vision-huggingface": "huggingface",
	"huggingface":        "huggingface",
}

var (
	timeoutKeywords = []string{"timeout", "timed out", "read timeout", "connection timeout", "deadline exceeded"}
	networkKeywords = []string{"connection", "httpsconnectionpool", "unable to connect", "network", "unreachable"}
	storageKeywords = []string{"cloudinary", "upload error", "upload failed"}

	validationPhrases = []string{
		"requires a video input",
		"requires a image input",
		"requires an image input",
		"requires either a mask_video or prompt",
		"requires a prompt",
		"requires key_points parameter",
		"requires an input image",
	}

	rateLimitKeywords  = []string{"rate limit", "rate_limit", "too many requests", "429"}
	quotaKeywords      = []string{"quota", "limit", "credits", "payment_required", "payment required"}
	invalidKeyKeywords = []string{"api key", "api_key", "authentication", "unauthorized", "invalid token"}
	noKeyKeywords      = []string{"no_api_key_available", "no api key available"}

	retryAfterPattern = regexp.MustCompile(`(?i)retry[-_ ]after\D{0,3}(\d+)`)
)

// Hard error 마커 (사용자에게 보여줄 메시지가 뒤에 붙음)
const (
	MarkerInvalidImageFormat = "INVALID_IMAGE_FORMAT:"
	MarkerImageNotSupported  = "IMAGE_NOT_SUPPORTED:"
)

// New - Classifier 생성
func New(opts Options) *Classifier {
	source := opts.Catalog
	if len(source) == 0 {
		source = defaultCatalog
	}
	aliases := opts.Aliases
	if aliases == nil {
		aliases = defaultAliases
	}

	c := &Classifier{
		catalog: make(map[string][]rule, len(source)),
		aliases: aliases,
		keyless: make(map[string]bool, len(opts.Keyless)),
	}
	for provider, categories := range source {
		for _, category := range categoryOrder {
			phrases, ok := categories[category]
			if !ok {
				continue
			}
			r := rule{category: category}
			for _, phrase := range phrases {
				r.patterns = append(r.patterns, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(phrase)))
			}
			c.catalog[provider] = append(c.catalog[provider], r)
		}
	}
	for _, p := range opts.Keyless {
		c.keyless[p] = true
	}
	return c
}

// Default - 기본 카탈로그 + vision-xeven keyless
func Default() *Classifier {
	return New(Options{Keyless: []string{"vision-xeven"}})
}

// IsKeyless - API 키 없이 호출하는 provider 인지
func (c *Classifier) IsKeyless(provider string) bool {
	return c.keyless[provider]
}

func (c *Classifier) catalogName(provider string) string {
	if alias, ok := c.aliases[provider]; ok {
		return alias
	}
	return provider
}

// Category - provider 카탈로그로 에러 메시지 분류 (first match wins)
func (c *Classifier) Category(message, provider string) Category {
	rules, ok := c.catalog[c.catalogName(provider)]
	if !ok {
		return GenericError
	}
	for _, r := range rules {
		for _, p := range r.patterns {
			if p.MatchString(message) {
				return r.category
			}
		}
	}
	return GenericError
}

func rotates(category Category) bool {
	return category == LimitReached || category == CreditExceeded || category == MonthlyLimit
}

// Dispatch - direct dispatch 경로에서 에러 처리 방식 결정.
// storage / timeout / network 는 카탈로그 문구(429, 401 ...)가 섞여 있어도 키를 건드리지 않음
func (c *Classifier) Dispatch(message, provider string) Verdict {
	category := c.Category(message, provider)
	lower := strings.ToLower(message)

	switch {
	case c.IsKeyless(provider):
		return Verdict{Category: category, Action: ActionRetry, Reason: "keyless"}
	case containsAny(lower, storageKeywords):
		return Verdict{Category: category, Action: ActionRetry, Reason: "storage"}
	case containsAny(lower, timeoutKeywords):
		return Verdict{Category: category, Action: ActionRetry, Reason: "timeout"}
	case containsAny(lower, networkKeywords):
		return Verdict{Category: category, Action: ActionRetry, Reason: "network"}
	case containsAny(lower, validationPhrases):
		return Verdict{Category: category, Action: ActionFail, Reason: "validation"}
	case rotates(category):
		return Verdict{Category: category, Action: ActionRotate, Reason: "credential"}
	}
	return Verdict{Category: category, Action: ActionRotate, Reason: "credential"}
}

// ShouldRotate - 키를 아카이브하고 다음 키로 넘어가야 하는지
func (c *Classifier) ShouldRotate(message, provider string) bool {
	return c.Dispatch(message, provider).Action == ActionRotate
}

// IsTransient - 키 문제 없이 나중에 다시 시도하면 되는 에러인지
func (c *Classifier) IsTransient(message string) bool {
	lower := strings.ToLower(message)
	return containsAny(lower, storageKeywords) || containsAny(lower, timeoutKeywords) || containsAny(lower, networkKeywords)
}

// Step - workflow step 에러 분류
func (c *Classifier) Step(message, provider, model string) StepVerdict {
	if idx := strings.Index(message, MarkerInvalidImageFormat); idx >= 0 {
		return StepVerdict{Hard: true, Message: strings.TrimSpace(message[idx+len(MarkerInvalidImageFormat):])}
	}
	if idx := strings.Index(message, MarkerImageNotSupported); idx >= 0 {
		return StepVerdict{Hard: true, Message: strings.TrimSpace(message[idx+len(MarkerImageNotSupported):])}
	}

	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, validationPhrases):
		return StepVerdict{Hard: true, Message: message}
	case containsAny(lower, noKeyKeywords):
		return StepVerdict{ErrorType: TypeNoAPIKey, Message: message}
	case containsAny(lower, rateLimitKeywords):
		return StepVerdict{ErrorType: TypeRateLimit, Message: message, RetryAfter: retryAfter(message)}
	case containsAny(lower, quotaKeywords):
		return StepVerdict{ErrorType: TypeQuotaExceeded, Message: message}
	case containsAny(lower, timeoutKeywords):
		return StepVerdict{ErrorType: TypeTimeout, Message: message}
	case containsAny(lower, invalidKeyKeywords):
		return StepVerdict{ErrorType: TypeInvalidKey, Message: message}
	}
	return StepVerdict{ErrorType: TypeGenericAPIError, Message: message}
}

func retryAfter(message string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return 0
	}
	seconds, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
