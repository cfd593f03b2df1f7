package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/metalagman/quorum/internal/config"
	"github.com/metalagman/quorum/internal/db"
	"github.com/spf13/viper"
)

func openDB() (*sql.DB, string, func(), error) {
	repoRoot, err := os.Getwd()
	if err != nil {
		return nil, "", func() {}, err
	}
	quorumDir := filepath.Join(repoRoot, ".quorum")
	if err := os.MkdirAll(quorumDir, 0o755); err != nil {
		return nil, "", func() {}, err
	}
	dbPath := filepath.Join(quorumDir, "quorum.db")
	storeDB, err := db.Open(dbPath)
	if err != nil {
		return nil, "", func() {}, err
	}
	return storeDB, repoRoot, func() { _ = storeDB.Close() }, nil
}

func loadConfig(repoRoot string) (config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = filepath.Join(".quorum", "config.json")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(repoRoot, path)
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("json")
	if err := viper.ReadInConfig(); err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}
	return config.Decode(viper.AllSettings())
}
