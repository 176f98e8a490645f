package db

import (
	"fmt"

	"github.com/omninoc/backend/internal/config"
	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/models"

	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

// Connect initializes the database connection. The default driver is pgx;
// driver "postgres" routes through lib/pq for hosts that still need it.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.New(postgres.Config{
			DriverName: "postgres",
			DSN:        cfg.DSN(),
		})
	default:
		dialector = postgres.Open(cfg.DSN())
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Error),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	DB = conn
	logger.Info("Database connected successfully", map[string]interface{}{
		"driver": cfg.Driver,
		"host":   cfg.Host,
		"name":   cfg.Name,
	})
	return conn, nil
}

// AssistantModels are the tables owned by the assistant.
func AssistantModels() []interface{} {
	return []interface{}{
		&models.ChatMessage{},
		&models.ChatTurn{},
		&models.DiagnosticRecord{},
	}
}

// DirectoryModels are owned by the console. They are only migrated for
// local development databases.
func DirectoryModels() []interface{} {
	return []interface{}{
		&models.Server{},
		&models.ObservabilityConfig{},
		&models.CompanyLLMKey{},
	}
}

// AutoMigrate runs database migrations
func AutoMigrate(conn *gorm.DB, withDirectory bool) error {
	toMigrate := AssistantModels()
	if withDirectory {
		toMigrate = append(DirectoryModels(), toMigrate...)
	}

	for _, model := range toMigrate {
		if err := conn.AutoMigrate(model); err != nil {
			logger.Error("Migration failed", map[string]interface{}{
				"model": fmt.Sprintf("%T", model),
				"error": err.Error(),
			})
			return fmt.Errorf("migrate %T: %w", model, err)
		}
		logger.Debug("Table migrated successfully", map[string]interface{}{
			"model": fmt.Sprintf("%T", model),
		})
	}

	logger.Info("All database migrations completed successfully", map[string]interface{}{
		"tables": len(toMigrate),
	})
	return nil
}

// Ping checks connectivity for the health endpoint.
func Ping(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("database connection not initialized")
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
