package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// ConnectDatabase dials MySQL with capped exponential backoff and returns a
// pooled *gorm.DB. Callers own the handle; nothing is stashed in a global.
func ConnectDatabase(cfg Config) (*gorm.DB, error) {
	network := "tcp"
	address := fmt.Sprintf("%s:%s", cfg.DBHost, cfg.DBPort)

	// Cloud Run + Cloud SQL: DB_HOST of the form "/cloudsql/<CONNECTION_NAME>"
	// means a Unix socket provided by the Cloud SQL Auth Proxy.
	if strings.HasPrefix(cfg.DBHost, "/cloudsql/") {
		network = "unix"
		address = cfg.DBHost
	}

	dsn := fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true",
		cfg.DBUser,
		cfg.DBPassword,
		network,
		address,
		cfg.DBName,
	)

	var attempt int
	for {
		attempt++
		db, err := gorm.Open(mysql.Open(dsn), gormConfig())
		if err == nil {
			if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
				if cfg.DBMaxOpenConns > 0 {
					sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
				}
				if cfg.DBMaxIdleConns >= 0 {
					sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
				}
				if cfg.DBConnMaxLifetimeSeconds > 0 {
					sqlDB.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetimeSeconds) * time.Second)
				}
				if cfg.DBConnMaxIdleTimeSeconds > 0 {
					sqlDB.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTimeSeconds) * time.Second)
				}
			}

			if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
				log.Printf("db connected but failed to install otelgorm plugin: %v", pluginErr)
			}
			log.Printf("connected to database (attempt=%d)", attempt)
			return db, nil
		}

		if cfg.DBConnectMaxAttempts > 0 && attempt >= cfg.DBConnectMaxAttempts {
			return nil, fmt.Errorf("connect database after %d attempts: %w", attempt, err)
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect database (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         gormLog(),
		NamingStrategy: namingStrategy(),
		TranslateError: true,
	}
}

func gormLog() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
}

func namingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
