package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"github.com/migadu/mailflow/config"
)

// TestConfig represents minimal test configuration
type TestConfig struct {
	Database struct {
		Write struct {
			Hosts    []string `toml:"hosts"`
			Port     string   `toml:"port"`
			User     string   `toml:"user"`
			Password string   `toml:"password"`
			Name     string   `toml:"name"`
			TLS      bool     `toml:"tls"`
		} `toml:"write"`
	} `toml:"database"`
}

// setupTestDatabase creates a database connection using local PostgreSQL and config-test.toml
func setupTestDatabase(t *testing.T) *Database {
	ctx := context.Background()

	configPath, err := findTestConfig()
	require.NoError(t, err, "config-test.toml not found. Please ensure it exists in the project root")

	var cfg TestConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")

	write := &config.DatabaseEndpointConfig{
		Hosts:    cfg.Database.Write.Hosts,
		Port:     cfg.Database.Write.Port,
		User:     cfg.Database.Write.User,
		Password: cfg.Database.Write.Password,
		Name:     cfg.Database.Write.Name,
		TLSMode:  cfg.Database.Write.TLS,
	}
	if len(write.Hosts) == 0 {
		write.Hosts = []string{"localhost"}
	}

	database, err := NewDatabaseFromConfig(ctx, &config.DatabaseConfig{Write: write})
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running and %s database exists", cfg.Database.Write.Name)

	t.Cleanup(database.Close)
	return database
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// testUserID derives a user ID unlikely to collide with other test runs.
func testUserID() int64 {
	return time.Now().UnixNano()
}

// createTestRule inserts a rule owned by userID with a single label action.
func createTestRule(t *testing.T, db *Database, userID int64) *Rule {
	rule := &Rule{
		UserID:       userID,
		Name:         fmt.Sprintf("test_%s_%d", t.Name(), time.Now().UnixNano()),
		Instructions: "label incoming newsletters",
		Enabled:      true,
		Actions: []RuleAction{
			{Type: ActionLabel, LabelTemplate: "Newsletters"},
		},
	}
	require.NoError(t, db.CreateRule(context.Background(), rule))
	return rule
}
