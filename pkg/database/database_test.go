package database

import (
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig("./tutorchat.db")

	if config.DatabasePath != "./tutorchat.db" {
		t.Errorf("Expected DatabasePath './tutorchat.db', got %s", config.DatabasePath)
	}
	if config.MaxConnections != 4 {
		t.Errorf("Expected MaxConnections 4, got %d", config.MaxConnections)
	}
	if config.ConnMaxLifetime != time.Hour {
		t.Errorf("Expected ConnMaxLifetime 1 hour, got %v", config.ConnMaxLifetime)
	}
	if config.RetryDelay != 5*time.Second {
		t.Errorf("Expected RetryDelay 5s, got %v", config.RetryDelay)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty path", func(c *Config) { c.DatabasePath = "" }},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }},
		{"negative retry delay", func(c *Config) { c.RetryDelay = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("x.db")
			tt.mutate(config)
			if err := config.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	if _, err := Open(&Config{}); err == nil {
		t.Error("Open should reject an empty config")
	}
}

func TestMigrationManager_AppliesEmbeddedSchemaOnce(t *testing.T) {
	db, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	mm := NewMigrationManager(db, Migrations())
	if err := mm.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	// second run is a no-op
	if err := mm.ApplyMigrations(); err != nil {
		t.Fatalf("second ApplyMigrations failed: %v", err)
	}

	versions, err := mm.AppliedVersions()
	if err != nil {
		t.Fatalf("AppliedVersions failed: %v", err)
	}
	if len(versions) != 1 || versions[0] != "001" {
		t.Errorf("Expected [001], got %v", versions)
	}
	if err := mm.ValidateSchema(); err != nil {
		t.Errorf("ValidateSchema failed after migrations: %v", err)
	}
}

func TestMigrationManager_OrdersByVersion(t *testing.T) {
	db, err := Open(DefaultConfig(MemoryPath))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	source := fstest.MapFS{
		"002_add_column.sql": {Data: []byte("ALTER TABLE things ADD COLUMN label TEXT;")},
		"001_things.sql":     {Data: []byte("CREATE TABLE things (id TEXT PRIMARY KEY);")},
		"README.md":          {Data: []byte("ignored")},
	}
	mm := NewMigrationManager(db, source)
	if err := mm.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	migrations, err := mm.loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("Expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != "001" || migrations[0].Description != "things" {
		t.Errorf("unexpected first migration %+v", migrations[0])
	}

	if _, err := db.Exec("INSERT INTO things (id, label) VALUES ('a', 'b')"); err != nil {
		t.Errorf("both migrations should be applied: %v", err)
	}
}

func TestMigrationManager_FailedMigrationIsNotRecorded(t *testing.T) {
	db, err := Open(DefaultConfig(MemoryPath))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	mm := NewMigrationManager(db, fstest.MapFS{
		"001_broken.sql": {Data: []byte("CREATE TABLE")},
	})
	if err := mm.ApplyMigrations(); err == nil {
		t.Fatal("expected broken migration to fail")
	}
	versions, err := mm.AppliedVersions()
	if err != nil {
		t.Fatalf("AppliedVersions failed: %v", err)
	}
	if len(versions) != 0 {
		t.Errorf("failed migration recorded: %v", versions)
	}
}
