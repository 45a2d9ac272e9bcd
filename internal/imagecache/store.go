package imagecache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotCached is returned by Store.Get for unknown locators.
var ErrNotCached = errors.New("imagecache: not cached")

// Image is a cached resource.
type Image struct {
	Locator     string
	ContentType string
	Bytes       []byte
	FetchedAt   time.Time
}

// Store persists fetched images in SQLite.
// Thread-safety: all methods are safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// memorySeq names in-memory databases so each Store gets its own.
var memorySeq atomic.Uint64

// OpenStore opens (or creates) the cache database at dbPath.
// ":memory:" gives an in-memory cache private to the returned Store.
func OpenStore(dbPath string) (*Store, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// named and shared so every pooled connection of this Store sees
		// the same database, and no other Store does
		connStr = fmt.Sprintf("file:imagecache-%d?mode=memory&cache=shared", memorySeq.Add(1))
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache database: %w", err)
	}
	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS images (
		locator TEXT PRIMARY KEY,
		content_type TEXT,
		bytes BLOB NOT NULL,
		fetched_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_images_fetched ON images(fetched_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Has reports whether locator is cached.
func (s *Store) Has(locator string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM images WHERE locator = ?`, locator).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query cache: %w", err)
	}
	return n > 0, nil
}

// Get returns the cached image for locator, or ErrNotCached.
func (s *Store) Get(locator string) (Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	img := Image{Locator: locator}
	var contentType sql.NullString
	err := s.db.QueryRow(
		`SELECT content_type, bytes, fetched_at FROM images WHERE locator = ?`, locator,
	).Scan(&contentType, &img.Bytes, &img.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Image{}, ErrNotCached
	}
	if err != nil {
		return Image{}, fmt.Errorf("read cache: %w", err)
	}
	img.ContentType = contentType.String
	return img, nil
}

// Put stores img, replacing any previous copy.
func (s *Store) Put(img Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if img.FetchedAt.IsZero() {
		img.FetchedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO images (locator, content_type, bytes, fetched_at) VALUES (?, ?, ?, ?)`,
		img.Locator, img.ContentType, img.Bytes, img.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}

// Count returns the number of cached images.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM images`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache: %w", err)
	}
	return n, nil
}

// PruneBefore deletes images fetched before cutoff and returns how many.
func (s *Store) PruneBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM images WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
