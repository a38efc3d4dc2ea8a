// Package savestore keeps persisted engine streams in named save slots
// backed by SQLite.
package savestore

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/wmscript/vm"
)

var log = commonlog.GetLogger("wmscript.savestore")

// ErrSlotNotFound indicates the requested save slot doesn't exist
var ErrSlotNotFound = errors.New("save slot not found")

// Slot describes a stored save without its payload.
type Slot struct {
	Name        string
	Description string
	Created     time.Time
	Size        int
}

// Store handles SQLite storage for save slots
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
	mu     sync.Mutex
}

// Open opens or creates the save database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &Store{db: db, dbPath: dbPath, now: time.Now}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS slots (
		name TEXT PRIMARY KEY,
		created INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		engine BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debugf("opened save database %s", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.dbPath }

// Put stores data under name, replacing an existing slot.
func (s *Store) Put(name, description string, data []byte) error {
	if name == "" {
		return errors.New("save slot name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO slots (name, created, description, engine) VALUES (?, ?, ?, ?)",
		name, s.now().UnixMilli(), description, data,
	)
	if err != nil {
		return fmt.Errorf("saving slot %s: %w", name, err)
	}
	log.Infof("saved slot '%s' (%d bytes)", name, len(data))
	return nil
}

// Get returns the payload stored under name.
func (s *Store) Get(name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT engine FROM slots WHERE name = ?", name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", name, ErrSlotNotFound)
		}
		return nil, fmt.Errorf("querying slot %s: %w", name, err)
	}
	return data, nil
}

// SaveEngine persists the state of e under name.
func (s *Store) SaveEngine(name, description string, e *vm.Engine) error {
	var buf bytes.Buffer
	if err := e.Save(&buf); err != nil {
		return fmt.Errorf("saving engine: %w", err)
	}
	return s.Put(name, description, buf.Bytes())
}

// LoadEngine restores e from the slot name.
func (s *Store) LoadEngine(name string, e *vm.Engine) error {
	data, err := s.Get(name)
	if err != nil {
		return err
	}
	if err := e.Load(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("loading slot %s: %w", name, err)
	}
	log.Infof("loaded slot '%s'", name)
	return nil
}

// List returns every slot, newest first.
func (s *Store) List() ([]Slot, error) {
	rows, err := s.db.Query(
		"SELECT name, created, description, length(engine) FROM slots ORDER BY created DESC, name",
	)
	if err != nil {
		return nil, fmt.Errorf("listing slots: %w", err)
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		var slot Slot
		var created int64
		if err := rows.Scan(&slot.Name, &created, &slot.Description, &slot.Size); err != nil {
			return nil, fmt.Errorf("scanning slot: %w", err)
		}
		slot.Created = time.UnixMilli(created)
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// Delete removes the slot name.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM slots WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting slot %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", name, ErrSlotNotFound)
	}
	return nil
}
