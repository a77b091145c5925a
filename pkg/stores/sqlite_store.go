package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements ChunkStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// GetChunk retrieves a chunk by key
func (s *SQLiteStore) GetChunk(ctx context.Context, key ChunkKey) (*Chunk, error) {
	query := `
		SELECT data
		FROM chunks
		WHERE region = ? AND x = ? AND y = ? AND z = ?
	`

	var data []byte
	err := s.db.QueryRowContext(ctx, query, key.Region, key.X, key.Y, key.Z).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}

	chunk, err := DecodeChunk(key, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chunk %s: %w", key, err)
	}
	return chunk, nil
}

// PutChunk inserts or replaces a chunk
func (s *SQLiteStore) PutChunk(ctx context.Context, chunk *Chunk) error {
	return s.PutChunks(ctx, []*Chunk{chunk})
}

// PutChunks writes all chunks in one transaction
func (s *SQLiteStore) PutChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (region, x, y, z, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(region, x, y, z) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		if err := chunk.Key.Validate(); err != nil {
			return err
		}
		data, err := EncodeChunk(chunk)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			chunk.Key.Region,
			chunk.Key.X,
			chunk.Key.Y,
			chunk.Key.Z,
			int64(chunk.Version),
			data,
			unixNano(chunk.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to put chunk %s: %w", chunk.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

// DeleteChunk deletes a chunk
func (s *SQLiteStore) DeleteChunk(ctx context.Context, key ChunkKey) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE region = ? AND x = ? AND y = ? AND z = ?`,
		key.Region, key.X, key.Y, key.Z)
	if err != nil {
		return fmt.Errorf("failed to delete chunk: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("chunk %s: %w", key, ErrNotFound)
	}
	return nil
}

// ListChunks returns the keys of every stored chunk in a region
func (s *SQLiteStore) ListChunks(ctx context.Context, region string) ([]ChunkKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT x, y, z FROM chunks WHERE region = ? ORDER BY y, z, x`, region)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var keys []ChunkKey
	for rows.Next() {
		key := ChunkKey{Region: region}
		if err := rows.Scan(&key.X, &key.Y, &key.Z); err != nil {
			return nil, fmt.Errorf("failed to scan chunk key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CountChunks returns the number of stored chunks in a region
func (s *SQLiteStore) CountChunks(ctx context.Context, region string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE region = ?`, region).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// Regions returns every region with stored chunks or sections
func (s *SQLiteStore) Regions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT region FROM chunks
		UNION
		SELECT region FROM sections
		ORDER BY region
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}
	defer rows.Close()

	var regions []string
	for rows.Next() {
		var region string
		if err := rows.Scan(&region); err != nil {
			return nil, fmt.Errorf("failed to scan region: %w", err)
		}
		regions = append(regions, region)
	}
	return regions, rows.Err()
}

// MarkSectionGenerated records a generated section
func (s *SQLiteStore) MarkSectionGenerated(ctx context.Context, rec SectionRecord) error {
	if err := validateRegion(rec.Region); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sections (region, section, attempts, generated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(region, section) DO UPDATE SET
			attempts = excluded.attempts,
			generated_at = excluded.generated_at
	`, rec.Region, rec.Section, rec.Attempts, unixNano(rec.GeneratedAt))
	if err != nil {
		return fmt.Errorf("failed to mark section generated: %w", err)
	}
	return nil
}

// GeneratedSections lists the generated sections of a region
func (s *SQLiteStore) GeneratedSections(ctx context.Context, region string) ([]SectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT section, attempts, generated_at
		FROM sections
		WHERE region = ?
		ORDER BY section
	`, region)
	if err != nil {
		return nil, fmt.Errorf("failed to list sections: %w", err)
	}
	defer rows.Close()

	var records []SectionRecord
	for rows.Next() {
		rec := SectionRecord{Region: region}
		var generatedAt int64
		if err := rows.Scan(&rec.Section, &rec.Attempts, &generatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		rec.GeneratedAt = fromUnixNano(generatedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
