package database

import (
	"context"
	"encoding/json"
	"fmt"

	"gen-dispatch-server/modules/common/model"
)

// LoadQuotas - model_quotas 전체
func (c *Client) LoadQuotas(_ context.Context) ([]model.ModelQuota, error) {
	var quotas []model.ModelQuota
	_, err := c.supabase.From(tableQuotas).
		Select("*", "", false).
		ExecuteTo(&quotas)
	if err != nil {
		return nil, fmt.Errorf("failed to load model_quotas: %w", err)
	}
	return quotas, nil
}

// IncrementQuota - increment_quota RPC (조건부 원자 증가)
func (c *Client) IncrementQuota(_ context.Context, provider, modelName string) (model.QuotaIncrement, error) {
	raw := c.supabase.Rpc(incrementQuotaFunc, "", map[string]interface{}{
		"p_provider": provider,
		"p_model":    modelName,
	})

	var res model.QuotaIncrement
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return model.QuotaIncrement{}, fmt.Errorf("increment_quota %s:%s: unexpected response %q: %w", provider, modelName, raw, err)
	}
	return res, nil
}
