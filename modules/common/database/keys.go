package database

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/supabase-community/postgrest-go"

	"gen-dispatch-server/modules/common/model"
)

// ProviderID - providers.name → id
func (c *Client) ProviderID(_ context.Context, providerKey string) (string, error) {
	var providers []model.Provider
	_, err := c.supabase.From(tableProviders).
		Select("id,name", "", false).
		Eq("name", providerKey).
		ExecuteTo(&providers)
	if err != nil {
		return "", fmt.Errorf("failed to query provider %s: %w", providerKey, err)
	}
	if len(providers) == 0 {
		return "", fmt.Errorf("provider %s: %w", providerKey, model.ErrNotFound)
	}
	return providers[0].ID, nil
}

// ProviderName - providers.id → name
func (c *Client) ProviderName(_ context.Context, providerID string) (string, error) {
	var providers []model.Provider
	_, err := c.supabase.From(tableProviders).
		Select("id,name", "", false).
		Eq("id", providerID).
		ExecuteTo(&providers)
	if err != nil {
		return "", fmt.Errorf("failed to query provider %s: %w", providerID, err)
	}
	if len(providers) == 0 {
		return "", fmt.Errorf("provider %s: %w", providerID, model.ErrNotFound)
	}
	return providers[0].Name, nil
}

// ListProviders - 이름순
func (c *Client) ListProviders(_ context.Context) ([]model.Provider, error) {
	var providers []model.Provider
	_, err := c.supabase.From(tableProviders).
		Select("id,name", "", false).
		Order("name", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&providers)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	return providers, nil
}

// ListKeys - key_number 오름차순
func (c *Client) ListKeys(_ context.Context, providerID string) ([]model.ApiKeyRecord, error) {
	var keys []model.ApiKeyRecord
	_, err := c.supabase.From(tableKeys).
		Select("id,provider_id,key_number,api_key", "", false).
		Eq("provider_id", providerID).
		Order("key_number", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&keys)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for %s: %w", providerID, err)
	}
	return keys, nil
}

// GetKey - provider_api_keys.id 로 조회
func (c *Client) GetKey(_ context.Context, keyID int64) (*model.ApiKeyRecord, error) {
	var keys []model.ApiKeyRecord
	_, err := c.supabase.From(tableKeys).
		Select("id,provider_id,key_number,api_key", "", false).
		Eq("id", strconv.FormatInt(keyID, 10)).
		ExecuteTo(&keys)
	if err != nil {
		return nil, fmt.Errorf("failed to query key %d: %w", keyID, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("key %d: %w", keyID, model.ErrNotFound)
	}
	return &keys[0], nil
}

// ArchiveKey - deleted_api_keys 에 보관
func (c *Client) ArchiveKey(_ context.Context, archived model.DeletedApiKey) error {
	_, _, err := c.supabase.From(tableDeletedKeys).
		Insert(archived, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to archive key %d: %w", archived.OriginalKeyID, err)
	}
	return nil
}

// DeleteKey - provider_api_keys 에서 삭제
func (c *Client) DeleteKey(_ context.Context, keyID int64) error {
	_, _, err := c.supabase.From(tableKeys).
		Delete("", "").
		Eq("id", strconv.FormatInt(keyID, 10)).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to delete key %d: %w", keyID, err)
	}
	return nil
}

// AddKey - provider 의 다음 key_number 로 키 추가. insert 는 change feed 로 대기 job 재dispatch 를 유발
func (c *Client) AddKey(ctx context.Context, providerKey, secret string) (model.ApiKeyRecord, error) {
	providerID, err := c.ProviderID(ctx, providerKey)
	if err != nil {
		return model.ApiKeyRecord{}, err
	}

	var last []model.ApiKeyRecord
	_, err = c.supabase.From(tableKeys).
		Select("key_number", "", false).
		Eq("provider_id", providerID).
		Order("key_number", &postgrest.OrderOpts{Ascending: false}).
		Limit(1, "").
		ExecuteTo(&last)
	if err != nil {
		return model.ApiKeyRecord{}, fmt.Errorf("failed to read key numbers for %s: %w", providerKey, err)
	}
	next := 1
	if len(last) > 0 {
		next = last[0].KeyNumber + 1
	}

	var inserted []model.ApiKeyRecord
	_, err = c.supabase.From(tableKeys).
		Insert(map[string]interface{}{
			"provider_id": providerID,
			"key_number":  next,
			"api_key":     secret,
		}, false, "", "representation", "").
		ExecuteTo(&inserted)
	if err != nil {
		return model.ApiKeyRecord{}, fmt.Errorf("failed to insert key for %s: %w", providerKey, err)
	}
	if len(inserted) == 0 {
		return model.ApiKeyRecord{}, fmt.Errorf("insert key for %s returned no row", providerKey)
	}
	log.Printf("🔑 Added key #%d for provider %s", inserted[0].KeyNumber, providerKey)
	return inserted[0], nil
}
