package state

import (
	"errors"
	"fmt"
	"math"

	"vismarket/storage"
)

// SchemaVersion identifies the expected on-disk layout for the engine state.
// Increment whenever breaking changes are made to the stored structure.
// Version 1 covers the initial visibility-ledger and service-escrow layout.
const SchemaVersion uint32 = 1

var (
	schemaVersionKey = []byte("state/version")
	// ErrSchemaVersionMismatch indicates the stored schema version does not
	// match the version supported by the current binary.
	ErrSchemaVersionMismatch = errors.New("state: schema version mismatch")
)

// SetSchemaVersion records the provided schema version in state. Callers
// should invoke this after performing any required migrations.
func (m *Manager) SetSchemaVersion(version uint32) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	return m.KVPut(schemaVersionKey, uint64(version))
}

// CurrentSchemaVersion returns the stored schema version and whether the
// value was present.
func (m *Manager) CurrentSchemaVersion() (uint32, bool, error) {
	if m == nil {
		return 0, false, fmt.Errorf("state: manager unavailable")
	}
	var stored uint64
	ok, err := m.KVGet(schemaVersionKey, &stored)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: schema version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// migration upgrades the stored layout from version to version+1. New entries
// are appended as the schema evolves; version 0 simply stamps the database.
type migration func(*Manager) error

var migrations = map[uint32]migration{
	0: func(*Manager) error { return nil },
}

// EnsureSchemaVersion verifies the on-disk version, running registered
// migrations when allowMigrate is set and failing otherwise.
func EnsureSchemaVersion(db storage.Database, allowMigrate bool) error {
	if db == nil {
		return fmt.Errorf("state: database must not be nil")
	}
	manager := NewManager(db)
	version, ok, err := manager.CurrentSchemaVersion()
	if err != nil {
		return err
	}
	if !ok {
		version = 0
	}
	if version == SchemaVersion {
		return nil
	}
	if version > SchemaVersion {
		return fmt.Errorf("%w: on-disk=%d expected=%d", ErrSchemaVersionMismatch, version, SchemaVersion)
	}
	if !allowMigrate && ok {
		return fmt.Errorf("%w: on-disk=%d expected=%d", ErrSchemaVersionMismatch, version, SchemaVersion)
	}
	for v := version; v < SchemaVersion; v++ {
		step, found := migrations[v]
		if !found {
			return fmt.Errorf("state: no migration registered for version %d", v)
		}
		if err := step(manager); err != nil {
			return fmt.Errorf("state: migration from version %d: %w", v, err)
		}
	}
	return manager.SetSchemaVersion(SchemaVersion)
}
