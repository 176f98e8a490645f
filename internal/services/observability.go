package services

import (
	"context"
	"errors"
	"strings"

	"github.com/omninoc/backend/internal/config"
	"github.com/omninoc/backend/internal/models"
	"github.com/omninoc/backend/internal/secrets"
	"gorm.io/gorm"
)

const (
	minRetentionHours = 24
	maxRetentionHours = 720

	ObservabilitySourceProject = "project"
	ObservabilitySourceEnv     = "env"
)

// ObservabilityStatus says whether a project's logs can be queried and how.
type ObservabilityStatus struct {
	Ready          bool       `json:"ready"`
	Reason         string     `json:"reason,omitempty"`
	Target         LokiTarget `json:"-"`
	RetentionHours int        `json:"retentionHours"`
	Source         string     `json:"source"`
}

// ObservabilityResolver reads the per-project log store settings, falling
// back to the platform Loki configured in the environment.
type ObservabilityResolver struct {
	db  *gorm.DB
	cfg config.LokiConfig
	box *secrets.Box
}

func NewObservabilityResolver(db *gorm.DB, cfg config.LokiConfig, box *secrets.Box) *ObservabilityResolver {
	return &ObservabilityResolver{db: db, cfg: cfg, box: box}
}

// Resolve never fails for a missing configuration; it reports Ready=false
// with an operator-facing reason instead.
func (r *ObservabilityResolver) Resolve(ctx context.Context, companyID, projectID uint) (ObservabilityStatus, error) {
	status := ObservabilityStatus{
		Target: LokiTarget{
			PushURL:  strings.TrimSpace(r.cfg.PushURL),
			Username: r.cfg.Username,
			Password: r.cfg.Password,
		},
		RetentionHours: clampInt(r.cfg.DefaultRetentionHours, minRetentionHours, maxRetentionHours),
		Source:         ObservabilitySourceEnv,
	}

	var row models.ObservabilityConfig
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND project_id = ?", companyID, projectID).
		First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// no project row: the platform log store serves the project when configured
		if status.Target.PushURL == "" {
			status.Reason = "Observability is not enabled for this project."
			return status, nil
		}
		status.Ready = true
		return status, nil
	case err != nil:
		return status, err
	}

	status.Source = ObservabilitySourceProject
	if row.LogsRetentionHours > 0 {
		status.RetentionHours = clampInt(row.LogsRetentionHours, minRetentionHours, maxRetentionHours)
	}
	if strings.TrimSpace(row.LokiPushURL) != "" {
		status.Target.PushURL = strings.TrimSpace(row.LokiPushURL)
	}
	if row.LokiUsername != "" {
		status.Target.Username = row.LokiUsername
	}
	if row.LokiPasswordCipher != "" {
		if r.box == nil {
			status.Reason = "APP_KEY is not configured; the log store password cannot be decrypted."
			return status, nil
		}
		password, err := r.box.Decrypt(row.LokiPasswordCipher)
		if err != nil {
			status.Reason = "The log store password could not be decrypted."
			return status, nil
		}
		status.Target.Password = password
	}

	switch {
	case !strings.EqualFold(row.Status, "active"):
		status.Reason = "Observability is not active for this project."
	case status.Target.PushURL == "":
		status.Reason = "No log store URL is configured for this project."
	default:
		status.Ready = true
	}
	return status, nil
}

// ServerDirectory reads servers from the console inventory.
type ServerDirectory struct {
	db *gorm.DB
}

func NewServerDirectory(db *gorm.DB) *ServerDirectory {
	return &ServerDirectory{db: db}
}

// Lookup returns the server for a scope, or ErrServerNotFound.
func (d *ServerDirectory) Lookup(ctx context.Context, scope models.TenantScope) (*models.Server, error) {
	if !scope.Valid() {
		return nil, ErrInvalidScope
	}
	var server models.Server
	err := d.db.WithContext(ctx).
		Where("id = ? AND company_id = ? AND project_id = ?", scope.ServerID, scope.CompanyID, scope.ProjectID).
		First(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}
