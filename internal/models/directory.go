package models

import "time"

// Server is owned by the console inventory. The assistant only reads it.
type Server struct {
	ID         uint   `json:"id" gorm:"primaryKey"`
	CompanyID  uint   `json:"companyId" gorm:"not null;index"`
	ProjectID  uint   `json:"projectId" gorm:"not null;index"`
	Name       string `json:"name"`
	IPv4       string `json:"ipv4" gorm:"column:ipv4"`
	Status     string `json:"status"`
	ExternalID string `json:"externalId" gorm:"column:external_id"`
}

func (Server) TableName() string {
	return "servers"
}

// ObservabilityConfig holds the per-project log store settings.
type ObservabilityConfig struct {
	ID                 uint      `json:"id" gorm:"primaryKey"`
	CompanyID          uint      `json:"companyId" gorm:"not null;uniqueIndex:idx_obs_project"`
	ProjectID          uint      `json:"projectId" gorm:"not null;uniqueIndex:idx_obs_project"`
	Status             string    `json:"status" gorm:"size:16"`
	LokiPushURL        string    `json:"lokiPushUrl"`
	LokiUsername       string    `json:"lokiUsername"`
	LokiPasswordCipher string    `json:"-" gorm:"type:text"`
	LogsRetentionHours int       `json:"logsRetentionHours"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func (ObservabilityConfig) TableName() string {
	return "project_observability_configs"
}

// CompanyLLMKey is a tenant-provided credential for an OpenAI compatible provider.
type CompanyLLMKey struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	CompanyID    uint      `json:"companyId" gorm:"not null;index"`
	Provider     string    `json:"provider" gorm:"size:32"`
	Model        string    `json:"model"`
	BaseURL      string    `json:"baseUrl"`
	APIKeyCipher string    `json:"-" gorm:"type:text"`
	Status       string    `json:"status" gorm:"size:16"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (CompanyLLMKey) TableName() string {
	return "company_llm_keys"
}
