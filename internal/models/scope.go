package models

import (
	"fmt"

	"gorm.io/gorm"
)

// TenantScope identifies the company, project and server that own a row.
// Every assistant table embeds it and every query filters on all three columns.
type TenantScope struct {
	CompanyID uint `json:"companyId" gorm:"not null;index"`
	ProjectID uint `json:"projectId" gorm:"not null;index"`
	ServerID  uint `json:"serverId" gorm:"not null;index"`
}

// Valid reports whether all three identifiers are set.
func (s TenantScope) Valid() bool {
	return s.CompanyID > 0 && s.ProjectID > 0 && s.ServerID > 0
}

// Key is a stable string form used for rate limiting and log fields.
func (s TenantScope) Key() string {
	return fmt.Sprintf("c%d-p%d-s%d", s.CompanyID, s.ProjectID, s.ServerID)
}

// Apply restricts a query to the scope. Use it with db.Scopes.
func (s TenantScope) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("company_id = ? AND project_id = ? AND server_id = ?", s.CompanyID, s.ProjectID, s.ServerID)
}
