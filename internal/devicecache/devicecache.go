// Package devicecache persists the discovered device set so a previously
// selected speaker is usable immediately after startup, before the first
// scan completes. Each completed discovery replaces the stored set.
package devicecache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/strefethen/sonos-remote/internal/device"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS devices (
	ip TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	uuid TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
`

// Cache is the SQLite-backed device store.
type Cache struct {
	db *sql.DB
}

// Open creates or opens the cache database, applying the schema. WAL mode
// lets the API server read the device list while a discovery write is in
// flight.
func Open(path string) (*Cache, error) {
	if path == "" {
		return nil, errors.New("cache path is required")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	connStr := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000&mode=rwc", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveDevices replaces the stored set wholesale inside one transaction,
// mirroring discovery's full-replacement semantics.
func (c *Cache) SaveDevices(devices []device.Device) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM devices"); err != nil {
		return fmt.Errorf("clear devices: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO devices (ip, name, uuid, updated_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, d := range devices {
		if !device.ValidIP(d.IP) {
			continue
		}
		if _, err := stmt.Exec(d.IP, d.Name, d.UUID, now); err != nil {
			return fmt.Errorf("insert %s: %w", d.IP, err)
		}
	}

	return tx.Commit()
}

// LoadDevices returns the stored set ordered by name.
func (c *Cache) LoadDevices() ([]device.Device, error) {
	rows, err := c.db.Query("SELECT ip, name, uuid FROM devices ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []device.Device
	for rows.Next() {
		var d device.Device
		if err := rows.Scan(&d.IP, &d.Name, &d.UUID); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}
