package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/omninoc/backend/internal/config"
	"github.com/omninoc/backend/internal/db"
	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/models"
	"github.com/omninoc/backend/internal/secrets"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// ServerData is one inventory entry in the seed file
type ServerData struct {
	ID        uint   `json:"id"`
	CompanyID uint   `json:"companyId"`
	ProjectID uint   `json:"projectId"`
	Name      string `json:"name"`
	IPv4      string `json:"ipv4"`
}

// ObservabilityData is a project's log store settings. The password is stored encrypted.
type ObservabilityData struct {
	CompanyID      uint   `json:"companyId"`
	ProjectID      uint   `json:"projectId"`
	PushURL        string `json:"lokiPushUrl"`
	Username       string `json:"lokiUsername"`
	Password       string `json:"lokiPassword"`
	RetentionHours int    `json:"logsRetentionHours"`
}

// LLMKeyData is a company provider key. The key is stored encrypted.
type LLMKeyData struct {
	CompanyID uint   `json:"companyId"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	BaseURL   string `json:"baseUrl"`
	APIKey    string `json:"apiKey"`
}

// JSONData represents the structure of the seed file
type JSONData struct {
	Servers       []ServerData        `json:"servers"`
	Observability []ObservabilityData `json:"observability"`
	LLMKeys       []LLMKeyData        `json:"llmKeys"`
}

func main() {
	var path string

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Load servers, log store settings and LLM keys for local development",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Initialize()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			box, err := secrets.NewBox(cfg.AppKey)
			if err != nil {
				return fmt.Errorf("APP_KEY is required to store secrets: %w", err)
			}
			conn, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}

			logger.Info("Running database migrations...", nil)
			if err := db.AutoMigrate(conn, true); err != nil {
				return err
			}

			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var data JSONData
			if err := json.Unmarshal(raw, &data); err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}

			logger.Info("Seeding directory data...", map[string]interface{}{"file": path})
			if err := seedDirectory(conn, box, data); err != nil {
				return err
			}
			logger.Info("Database seeding completed", nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "data/directory.json", "seed file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// seedDirectory inserts the seed rows, skipping ones that already exist.
func seedDirectory(conn *gorm.DB, box *secrets.Box, data JSONData) error {
	for _, s := range data.Servers {
		server := models.Server{
			ID:        s.ID,
			CompanyID: s.CompanyID,
			ProjectID: s.ProjectID,
			Name:      s.Name,
			IPv4:      s.IPv4,
			Status:    "active",
		}
		created, err := createIfMissing(conn, &server, "id = ?", s.ID)
		if err != nil {
			return fmt.Errorf("server %d: %w", s.ID, err)
		}
		logSeeded("server", s.Name, created)
	}

	for _, o := range data.Observability {
		cipher, err := encryptOptional(box, o.Password)
		if err != nil {
			return err
		}
		row := models.ObservabilityConfig{
			CompanyID:          o.CompanyID,
			ProjectID:          o.ProjectID,
			Status:             "active",
			LokiPushURL:        o.PushURL,
			LokiUsername:       o.Username,
			LokiPasswordCipher: cipher,
			LogsRetentionHours: o.RetentionHours,
		}
		created, err := createIfMissing(conn, &row, "company_id = ? AND project_id = ?", o.CompanyID, o.ProjectID)
		if err != nil {
			return fmt.Errorf("observability %d/%d: %w", o.CompanyID, o.ProjectID, err)
		}
		logSeeded("observability", fmt.Sprintf("%d/%d", o.CompanyID, o.ProjectID), created)
	}

	for _, k := range data.LLMKeys {
		if k.APIKey == "" {
			return fmt.Errorf("llm key for company %d has no apiKey", k.CompanyID)
		}
		cipher, err := box.Encrypt(k.APIKey)
		if err != nil {
			return err
		}
		row := models.CompanyLLMKey{
			CompanyID:    k.CompanyID,
			Provider:     k.Provider,
			Model:        k.Model,
			BaseURL:      k.BaseURL,
			APIKeyCipher: cipher,
			Status:       "active",
		}
		created, err := createIfMissing(conn, &row, "company_id = ? AND provider = ?", k.CompanyID, k.Provider)
		if err != nil {
			return fmt.Errorf("llm key %d/%s: %w", k.CompanyID, k.Provider, err)
		}
		logSeeded("llm key", fmt.Sprintf("%d/%s", k.CompanyID, k.Provider), created)
	}
	return nil
}

func createIfMissing[T any](conn *gorm.DB, row *T, query string, args ...interface{}) (bool, error) {
	var existing T
	err := conn.Where(query, args...).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	return true, conn.Create(row).Error
}

func encryptOptional(box *secrets.Box, plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	return box.Encrypt(plain)
}

func logSeeded(kind, name string, created bool) {
	if created {
		logger.Info("Created "+kind, map[string]interface{}{"name": name})
		return
	}
	logger.Warn(kind+" already exists", map[string]interface{}{"name": name})
}
