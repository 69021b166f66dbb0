package credential

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"gen-dispatch-server/modules/classifier"
	"gen-dispatch-server/modules/common/kv"
	"gen-dispatch-server/modules/common/model"
)

var (
	// ErrExhausted - provider 에 남은 키가 없음
	ErrExhausted = errors.New("no api key available")
	// ErrKeyNotFound - 아카이브하려는 키가 이미 없음
	ErrKeyNotFound = errors.New("api key not found")
	// ErrNotRotatable - 키 교체 대상이 아닌 에러
	ErrNotRotatable = errors.New("error does not warrant key rotation")
)

// Store - provider / provider_api_keys / deleted_api_keys 접근
type Store interface {
	ProviderID(ctx context.Context, providerKey string) (string, error)
	ProviderName(ctx context.Context, providerID string) (string, error)
	ListKeys(ctx context.Context, providerID string) ([]model.ApiKeyRecord, error)
	GetKey(ctx context.Context, keyID int64) (*model.ApiKeyRecord, error)
	ArchiveKey(ctx context.Context, archived model.DeletedApiKey) error
	DeleteKey(ctx context.Context, keyID int64) error
}

// Credential - acquire 결과
type Credential struct {
	model.ApiKeyRecord
	ProviderKey string
	Row         int
	Keyless     bool
}

type pointer struct {
	mu  sync.Mutex
	row int
}

// Pool - provider 별 round-robin 키 발급 + 실패 시 교체
type Pool struct {
	store      Store
	pointers   kv.Store
	classifier *classifier.Classifier

	mu   sync.Mutex
	rows map[string]*pointer
}

// NewPool - Pool 생성. pointers 가 nil 이면 메모리에만 보관
func NewPool(store Store, pointers kv.Store, cls *classifier.Classifier) *Pool {
	if pointers == nil {
		pointers = kv.NewMemoryStore()
	}
	if cls == nil {
		cls = classifier.Default()
	}
	return &Pool{
		store:      store,
		pointers:   pointers,
		classifier: cls,
		rows:       make(map[string]*pointer),
	}
}

// Restore - 저장된 rotation pointer 를 메모리로 로드 (재시작 복구)
func (p *Pool) Restore(ctx context.Context) error {
	saved, err := p.pointers.All(ctx)
	if err != nil {
		return fmt.Errorf("load rotation state: %w", err)
	}
	for providerKey, raw := range saved {
		row, err := strconv.Atoi(raw)
		if err != nil || row < 0 {
			log.Printf("⚠️ [Credential] Ignoring bad pointer %s=%q", providerKey, raw)
			continue
		}
		ptr := p.pointer(providerKey)
		ptr.mu.Lock()
		ptr.row = row
		ptr.mu.Unlock()
	}
	log.Printf("✅ [Credential] Restored %d rotation pointers", len(saved))
	return nil
}

func (p *Pool) pointer(providerKey string) *pointer {
	p.mu.Lock()
	defer p.mu.Unlock()
	ptr, ok := p.rows[providerKey]
	if !ok {
		ptr = &pointer{}
		p.rows[providerKey] = ptr
	}
	return ptr
}

// Acquire - 현재 pointer 위치의 키를 반환하고 pointer 를 한 칸 전진
func (p *Pool) Acquire(ctx context.Context, providerKey string) (*Credential, error) {
	if p.classifier.IsKeyless(providerKey) {
		return &Credential{ProviderKey: providerKey, Keyless: true}, nil
	}

	providerID, err := p.store.ProviderID(ctx, providerKey)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: provider %s not registered", ErrExhausted, providerKey)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve provider %s: %w", providerKey, err)
	}

	keys, err := p.store.ListKeys(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("list keys for %s: %w", providerKey, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: provider %s", ErrExhausted, providerKey)
	}

	ptr := p.pointer(providerKey)
	ptr.mu.Lock()
	row := ptr.row
	if row >= len(keys) {
		row = 0
	}
	ptr.row = row + 1
	ptr.mu.Unlock()

	p.persist(ctx, providerKey, row+1)

	log.Printf("🔑 [Credential] %s row %d/%d (key #%d)", providerKey, row, len(keys), keys[row].KeyNumber)
	return &Credential{ApiKeyRecord: keys[row], ProviderKey: providerKey, Row: row}, nil
}

// MarkUsed - row 를 사용했음을 기록 (다음 acquire 는 row+1 부터)
func (p *Pool) MarkUsed(ctx context.Context, providerKey string, row int) {
	ptr := p.pointer(providerKey)
	ptr.mu.Lock()
	ptr.row = row + 1
	ptr.mu.Unlock()
	p.persist(ctx, providerKey, row+1)
}

// Reset - provider pointer 를 0 으로
func (p *Pool) Reset(ctx context.Context, providerKey string) {
	ptr := p.pointer(providerKey)
	ptr.mu.Lock()
	ptr.row = 0
	ptr.mu.Unlock()
	p.persist(ctx, providerKey, 0)
}

// State - provider 별 다음 row
func (p *Pool) State() map[string]int {
	p.mu.Lock()
	ptrs := make(map[string]*pointer, len(p.rows))
	for k, v := range p.rows {
		ptrs[k] = v
	}
	p.mu.Unlock()

	out := make(map[string]int, len(ptrs))
	for k, ptr := range ptrs {
		ptr.mu.Lock()
		out[k] = ptr.row
		ptr.mu.Unlock()
	}
	return out
}

// persist - best-effort. 실패해도 메모리 pointer 는 유지
func (p *Pool) persist(ctx context.Context, providerKey string, row int) {
	if err := p.pointers.Set(ctx, providerKey, strconv.Itoa(row)); err != nil {
		log.Printf("⚠️ [Credential] Failed to persist pointer %s=%d: %v", providerKey, row, err)
	}
}

// ShouldRotate - 에러 메시지가 키 교체 대상인지
func (p *Pool) ShouldRotate(message, providerKey string) bool {
	return p.classifier.ShouldRotate(message, providerKey)
}

// IsKeyless - 키 없이 호출하는 provider 인지
func (p *Pool) IsKeyless(providerKey string) bool {
	return p.classifier.IsKeyless(providerKey)
}

// ProviderName - change feed 의 provider_id 를 provider_key 로 변환
func (p *Pool) ProviderName(ctx context.Context, providerID string) (string, error) {
	return p.store.ProviderName(ctx, providerID)
}

// RotateOnFailure - 실패한 키를 아카이브 후 삭제하고 다음 키를 발급
func (p *Pool) RotateOnFailure(ctx context.Context, keyID int64, providerKey, errorMessage string) (*Credential, error) {
	verdict := p.classifier.Dispatch(errorMessage, providerKey)
	log.Printf("🔍 [Credential] %s key %d error category=%s action=%s", providerKey, keyID, verdict.Category, verdict.Action)

	if verdict.Action != classifier.ActionRotate {
		return nil, fmt.Errorf("%w (%s)", ErrNotRotatable, verdict.Reason)
	}

	if err := p.Archive(ctx, keyID, errorMessage); err != nil {
		return nil, err
	}

	next, err := p.Acquire(ctx, providerKey)
	if err != nil {
		log.Printf("❌ [Credential] No key left for %s after rotation: %v", providerKey, err)
		return nil, err
	}
	log.Printf("🔄 [Credential] Rotated %s: key %d → key %d", providerKey, keyID, next.ID)
	return next, nil
}

// Archive - deleted_api_keys 로 복사한 뒤 원본 삭제. 복사 실패 시 삭제하지 않음
func (p *Pool) Archive(ctx context.Context, keyID int64, reason string) error {
	rec, err := p.store.GetKey(ctx, keyID)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("%w: id %d", ErrKeyNotFound, keyID)
	}
	if err != nil {
		return fmt.Errorf("load key %d: %w", keyID, err)
	}

	archived := model.DeletedApiKey{
		ProviderID:    rec.ProviderID,
		KeyNumber:     rec.KeyNumber,
		APIKey:        rec.APIKey,
		ErrorMessage:  reason,
		OriginalKeyID: rec.ID,
	}
	if err := p.store.ArchiveKey(ctx, archived); err != nil {
		return fmt.Errorf("archive key %d: %w", keyID, err)
	}
	if err := p.store.DeleteKey(ctx, keyID); err != nil {
		return fmt.Errorf("delete key %d: %w", keyID, err)
	}
	log.Printf("🗄️ [Credential] Archived key %d (#%d) of provider %s", rec.ID, rec.KeyNumber, rec.ProviderID)
	return nil
}
