package services

import (
	"context"
	"sort"
	"strings"

	"github.com/omninoc/backend/internal/config"
	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/models"
	"github.com/omninoc/backend/internal/secrets"
	"gorm.io/gorm"
)

// Runtime sources
const (
	RuntimeSourceCompany = "company"
	RuntimeSourceGlobal  = "global"
)

type providerDefaults struct {
	baseURL string
	model   string
	rank    int
}

// providers lists the OpenAI compatible backends we know, in the order
// tenant keys are preferred.
var providers = map[string]providerDefaults{
	"zai":        {baseURL: "https://api.z.ai/api/paas/v4", model: "glm-4.5", rank: 0},
	"openrouter": {baseURL: "https://openrouter.ai/api/v1", model: "openai/gpt-4o-mini", rank: 1},
	"openai":     {baseURL: "https://api.openai.com/v1", model: "gpt-4o-mini", rank: 2},
	"groq":       {baseURL: "https://api.groq.com/openai/v1", model: "llama-3.1-8b-instant", rank: 3},
	"deepseek":   {baseURL: "https://api.deepseek.com", model: "deepseek-chat", rank: 4},
}

const otherProviderRank = 5

func providerRank(provider string) int {
	if p, ok := providers[provider]; ok {
		return p.rank
	}
	return otherProviderRank
}

// DefaultBaseURL returns the API base for a known provider, or "".
func DefaultBaseURL(provider string) string {
	return providers[strings.ToLower(provider)].baseURL
}

// DefaultModel returns the model used when none is configured, or "".
func DefaultModel(provider string) string {
	return providers[strings.ToLower(provider)].model
}

// RuntimeResolver picks the AI backend for a company: an active tenant
// key first, then the platform credentials from the environment.
type RuntimeResolver struct {
	db  *gorm.DB
	cfg config.LLMConfig
	box *secrets.Box
}

// NewRuntimeResolver builds a resolver. box may be nil when APP_KEY is not
// configured; tenant keys are then ignored.
func NewRuntimeResolver(db *gorm.DB, cfg config.LLMConfig, box *secrets.Box) *RuntimeResolver {
	return &RuntimeResolver{db: db, cfg: cfg, box: box}
}

// Resolve returns the runtime to use, or a NotReadyError.
func (r *RuntimeResolver) Resolve(ctx context.Context, companyID uint) (Runtime, error) {
	if !r.cfg.ForceGlobal && r.box != nil && r.db != nil {
		rt, ok, err := r.companyRuntime(ctx, companyID)
		if err != nil {
			return Runtime{}, err
		}
		if ok {
			return rt, nil
		}
	}

	if rt, ok := r.globalRuntime(); ok {
		return rt, nil
	}
	return Runtime{}, &NotReadyError{
		Component: "llm",
		Reason:    "No AI provider is configured. Add an LLM key for this company or set LLM_GLOBAL_API_KEY.",
	}
}

func (r *RuntimeResolver) companyRuntime(ctx context.Context, companyID uint) (Runtime, bool, error) {
	var keys []models.CompanyLLMKey
	if err := r.db.WithContext(ctx).
		Where("company_id = ? AND status = ?", companyID, "active").
		Order("id DESC").
		Find(&keys).Error; err != nil {
		return Runtime{}, false, err
	}

	sort.SliceStable(keys, func(i, j int) bool {
		return providerRank(strings.ToLower(keys[i].Provider)) < providerRank(strings.ToLower(keys[j].Provider))
	})

	for _, key := range keys {
		apiKey, err := r.box.Decrypt(key.APIKeyCipher)
		if err != nil || strings.TrimSpace(apiKey) == "" {
			logger.WithScope(companyID, 0, 0, "runtime_resolver").
				WithField("key_id", key.ID).
				Warn("Skipping company LLM key that could not be decrypted")
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(key.Provider))
		rt := r.runtime(provider, key.Model, key.BaseURL, apiKey, RuntimeSourceCompany)
		if rt.BaseURL == "" || rt.Model == "" {
			continue
		}
		return rt, true, nil
	}
	return Runtime{}, false, nil
}

func (r *RuntimeResolver) globalRuntime() (Runtime, bool) {
	candidates := []struct {
		provider, apiKey, model, baseURL string
	}{
		{valueOr(strings.ToLower(r.cfg.Provider), "openai"), r.cfg.APIKey, r.cfg.Model, r.cfg.BaseURL},
		{"openai", r.cfg.OpenAIAPIKey, r.cfg.OpenAIModel, r.cfg.OpenAIBaseURL},
		{"zai", r.cfg.ZAIAPIKey, r.cfg.ZAIModel, r.cfg.ZAIBaseURL},
	}
	for _, c := range candidates {
		if strings.TrimSpace(c.apiKey) == "" {
			continue
		}
		rt := r.runtime(c.provider, c.model, c.baseURL, c.apiKey, RuntimeSourceGlobal)
		if rt.BaseURL == "" || rt.Model == "" {
			continue
		}
		return rt, true
	}
	return Runtime{}, false
}

func (r *RuntimeResolver) runtime(provider, model, baseURL, apiKey, source string) Runtime {
	return Runtime{
		Provider:    provider,
		Model:       valueOr(strings.TrimSpace(model), DefaultModel(provider)),
		BaseURL:     valueOr(strings.TrimSpace(baseURL), DefaultBaseURL(provider)),
		APIKey:      strings.TrimSpace(apiKey),
		Source:      source,
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	}
}
