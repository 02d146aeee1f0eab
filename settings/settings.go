// Package settings persists community self-assignment configuration.
package settings

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"github.com/go-json-experiment/json"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zephyrtronium/roleassign/rules"
)

// Store loads and saves community configuration.
type Store interface {
	// Load returns a community's configuration. A community that has never
	// been saved has the configuration returned by [rules.New].
	Load(ctx context.Context, community string) (rules.Config, error)
	// Save replaces a community's configuration.
	Save(ctx context.Context, community string, cfg rules.Config) error
}

// SQLite is a Store in an SQLite database. Each community's configuration
// is a single JSON blob.
type SQLite struct {
	db *sqlitex.Pool
	// mu serializes Update so that concurrent administrative edits don't
	// fight over the write lock.
	mu sync.Mutex
}

var _ Store = (*SQLite)(nil)

//go:embed schema.sql
var schemaSQL string

// Init initializes the settings table in an SQLite database.
// For convenience, it accepts either a single connection or a pool.
func Init[DB *sqlite.Conn | *sqlitex.Pool](ctx context.Context, db DB) error {
	var conn *sqlite.Conn
	switch db := any(db).(type) {
	case *sqlite.Conn:
		conn = db
	case *sqlitex.Pool:
		var err error
		conn, err = db.Take(ctx)
		defer db.Put(conn)
		if err != nil {
			return fmt.Errorf("couldn't get connection from pool: %w", err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schemaSQL, nil); err != nil {
		return fmt.Errorf("couldn't initialize settings schema: %w", err)
	}
	return nil
}

// Open opens a settings store in an SQL database, initializing it if needed.
// The db must remain open for the lifetime of the store.
func Open(ctx context.Context, db *sqlitex.Pool) (*SQLite, error) {
	if err := Init(ctx, db); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// Load loads a community's configuration.
func (s *SQLite) Load(ctx context.Context, community string) (rules.Config, error) {
	conn, err := s.db.Take(ctx)
	defer s.db.Put(conn)
	if err != nil {
		return rules.Config{}, fmt.Errorf("couldn't get connection to load settings: %w", err)
	}
	return load(conn, community)
}

// Save saves a community's configuration.
func (s *SQLite) Save(ctx context.Context, community string, cfg rules.Config) error {
	conn, err := s.db.Take(ctx)
	defer s.db.Put(conn)
	if err != nil {
		return fmt.Errorf("couldn't get connection to save settings: %w", err)
	}
	return save(conn, community, cfg)
}

// Update applies f to a community's configuration and saves the result in
// one transaction. If f returns an error, nothing is saved and the error is
// returned. The result is the configuration as saved.
func (s *SQLite) Update(ctx context.Context, community string, f func(rules.Config) (rules.Config, error)) (cfg rules.Config, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.db.Take(ctx)
	defer s.db.Put(conn)
	if err != nil {
		return rules.Config{}, fmt.Errorf("couldn't get connection to update settings: %w", err)
	}
	defer sqlitex.Transaction(conn)(&err)
	cur, err := load(conn, community)
	if err != nil {
		return rules.Config{}, err
	}
	cfg, err = f(cur)
	if err != nil {
		return cur, err
	}
	if err := save(conn, community, cfg); err != nil {
		return cur, err
	}
	return cfg, nil
}

// Reset deletes a community's configuration, returning it to defaults.
func (s *SQLite) Reset(ctx context.Context, community string) error {
	conn, err := s.db.Take(ctx)
	defer s.db.Put(conn)
	if err != nil {
		return fmt.Errorf("couldn't get connection to reset settings: %w", err)
	}
	opts := sqlitex.ExecOptions{Args: []any{community}}
	if err := sqlitex.Execute(conn, `DELETE FROM settings WHERE community = ?`, &opts); err != nil {
		return fmt.Errorf("couldn't reset settings for %s: %w", community, err)
	}
	return nil
}

// Communities lists the communities with saved configuration.
func (s *SQLite) Communities(ctx context.Context) ([]string, error) {
	conn, err := s.db.Take(ctx)
	defer s.db.Put(conn)
	if err != nil {
		return nil, fmt.Errorf("couldn't get connection to list communities: %w", err)
	}
	var r []string
	opts := sqlitex.ExecOptions{
		ResultFunc: func(st *sqlite.Stmt) error {
			r = append(r, st.ColumnText(0))
			return nil
		},
	}
	if err := sqlitex.Execute(conn, `SELECT community FROM settings ORDER BY community`, &opts); err != nil {
		return nil, fmt.Errorf("couldn't list communities: %w", err)
	}
	return r, nil
}

func load(conn *sqlite.Conn, community string) (rules.Config, error) {
	var (
		b     []byte
		found bool
	)
	opts := sqlitex.ExecOptions{
		Args: []any{community},
		ResultFunc: func(st *sqlite.Stmt) error {
			b = []byte(st.ColumnText(0))
			found = true
			return nil
		},
	}
	if err := sqlitex.Execute(conn, `SELECT config FROM settings WHERE community = ?`, &opts); err != nil {
		return rules.Config{}, fmt.Errorf("couldn't load settings for %s: %w", community, err)
	}
	if !found {
		return rules.New(), nil
	}
	cfg, err := Decode(b)
	if err != nil {
		return rules.Config{}, fmt.Errorf("couldn't decode settings for %s: %w", community, err)
	}
	return cfg, nil
}

func save(conn *sqlite.Conn, community string, cfg rules.Config) error {
	b, err := Encode(cfg)
	if err != nil {
		return fmt.Errorf("couldn't encode settings for %s: %w", community, err)
	}
	const upsert = `INSERT INTO settings (community, config) VALUES (?, ?) ON CONFLICT (community) DO UPDATE SET config = excluded.config`
	opts := sqlitex.ExecOptions{Args: []any{community, string(b)}}
	if err := sqlitex.Execute(conn, upsert, &opts); err != nil {
		return fmt.Errorf("couldn't save settings for %s: %w", community, err)
	}
	return nil
}

// Encode encodes a configuration as a settings blob.
func Encode(cfg rules.Config) ([]byte, error) {
	return json.Marshal(&cfg, json.Deterministic(true))
}

// Decode decodes a settings blob. The result is normalized.
func Decode(b []byte) (rules.Config, error) {
	var cfg rules.Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return rules.Config{}, err
	}
	return cfg.Normalize(), nil
}
