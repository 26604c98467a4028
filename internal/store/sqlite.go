package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/castnet/trawler/internal/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore is the local run store used when no ETL endpoint is
// configured. Runs and items live in a single sqlite database; site
// configurations come from a YAML file since they are authored by hand
// in local setups.
type SQLiteStore struct {
	db *sql.DB

	mu    sync.RWMutex
	sites map[string]*types.SiteConfig
	order []string
}

// sitesFile is the YAML schema of the local site list.
type sitesFile struct {
	Sites []types.SiteConfig `yaml:"sites"`
}

// OpenSQLite opens (creating if needed) the runs database under dataDir
// and loads the site list from sitesPath. An empty sitesPath yields a
// store with no sites, which is still useful for run inspection.
func OpenSQLite(dataDir, sitesPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dsn := "file:" + filepath.Join(dataDir, "runs.db") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	return openSQLite(dsn, sitesPath)
}

// OpenSQLiteMemory opens a fresh in-memory store. Used by tests and the
// --no-save dry runs.
func OpenSQLiteMemory(sitesPath string) (*SQLiteStore, error) {
	return openSQLite("file:trawler?mode=memory&cache=shared&_pragma=foreign_keys(1)", sitesPath)
}

func openSQLite(dsn, sitesPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent batches.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:    db,
		sites: make(map[string]*types.SiteConfig),
	}
	if sitesPath != "" {
		if err := s.loadSites(sitesPath); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// loadSites reads the YAML site list.
func (s *SQLiteStore) loadSites(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read sites file: %w", err)
	}
	var file sitesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse sites file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range file.Sites {
		site := file.Sites[i]
		if site.Domain == "" {
			return fmt.Errorf("site at index %d has no domain", i)
		}
		site.Domain = strings.ToLower(site.Domain)
		if _, dup := s.sites[site.Domain]; dup {
			return fmt.Errorf("duplicate site domain %q", site.Domain)
		}
		s.sites[site.Domain] = &site
		s.order = append(s.order, site.Domain)
	}

	log.Info().
		Int("site_count", len(s.order)).
		Str("path", path).
		Msg("Loaded local site list")
	return nil
}

// CreateRun inserts a pending run with one item row per URL.
func (s *SQLiteStore) CreateRun(ctx context.Context, domain string, urls []string) (*types.ScrapeRun, error) {
	run := &types.ScrapeRun{
		ID:        uuid.NewString(),
		Domain:    domain,
		CreatedAt: time.Now().UTC(),
		Status:    types.RunStatusPending,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.NewStoreError("createRun", 0, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, domain, created_at, status) VALUES (?, ?, ?, ?)`,
		run.ID, run.Domain, run.CreatedAt, run.Status)
	if err != nil {
		return nil, types.NewStoreError("createRun", 0, err)
	}

	for i, u := range urls {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_items (run_id, position, url) VALUES (?, ?, ?)`,
			run.ID, i, u)
		if err != nil {
			return nil, types.NewStoreError("createRun", 0, err)
		}
		run.Items = append(run.Items, types.ScrapeTarget{URL: u})
	}

	if err := tx.Commit(); err != nil {
		return nil, types.NewStoreError("createRun", 0, err)
	}
	return run, nil
}

// FetchRun returns one run with its items in insertion order.
func (s *SQLiteStore) FetchRun(ctx context.Context, runID string) (*types.ScrapeRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, domain, created_at, status FROM runs WHERE id = ?`, runID)

	var run types.ScrapeRun
	if err := row.Scan(&run.ID, &run.Domain, &run.CreatedAt, &run.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrRunNotFound
		}
		return nil, types.NewStoreError("fetchRun", 0, err)
	}

	items, err := s.runItems(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	run.Items = items
	return &run, nil
}

func (s *SQLiteStore) runItems(ctx context.Context, runID string) ([]types.ScrapeTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, done, failed, invalid FROM run_items WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, types.NewStoreError("fetchRun", 0, err)
	}
	defer rows.Close()

	var items []types.ScrapeTarget
	for rows.Next() {
		var it types.ScrapeTarget
		if err := rows.Scan(&it.URL, &it.Done, &it.Failed, &it.Invalid); err != nil {
			return nil, types.NewStoreError("fetchRun", 0, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListRuns returns matching runs, newest first, items included.
func (s *SQLiteStore) ListRuns(ctx context.Context, q RunQuery) ([]types.ScrapeRun, error) {
	query := `SELECT id, domain, created_at, status FROM runs WHERE 1=1`
	var args []interface{}
	if q.Domain != "" {
		query += ` AND domain = ?`
		args = append(args, q.Domain)
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, q.Status)
	}
	if !q.Since.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, q.Since.UTC())
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.NewStoreError("listRuns", 0, err)
	}
	defer rows.Close()

	var runs []types.ScrapeRun
	for rows.Next() {
		var run types.ScrapeRun
		if err := rows.Scan(&run.ID, &run.Domain, &run.CreatedAt, &run.Status); err != nil {
			return nil, types.NewStoreError("listRuns", 0, err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStoreError("listRuns", 0, err)
	}

	for i := range runs {
		items, err := s.runItems(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Items = items
	}
	return runs, nil
}

// UpdateRunItem applies a patch to one item. A run that first sees item
// progress moves from pending to processing.
func (s *SQLiteStore) UpdateRunItem(ctx context.Context, runID, url string, patch types.TargetPatch) error {
	var sets []string
	var args []interface{}
	if patch.Done != nil {
		sets = append(sets, "done = ?")
		args = append(args, *patch.Done)
	}
	if patch.Failed != nil {
		sets = append(sets, "failed = ?")
		args = append(args, *patch.Failed)
	}
	if patch.Invalid != nil {
		sets = append(sets, "invalid = ?")
		args = append(args, *patch.Invalid)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, runID, url)

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_items SET `+strings.Join(sets, ", ")+` WHERE run_id = ? AND url = ?`,
		args...)
	if err != nil {
		return types.NewStoreError("updateRunItem", 0, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrRunNotFound
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ? AND status = ?`,
		types.RunStatusProcessing, runID, types.RunStatusPending)
	if err != nil {
		return types.NewStoreError("updateRunItem", 0, err)
	}
	return nil
}

// FinalizeRun marks a run completed.
func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ?`, types.RunStatusCompleted, runID)
	if err != nil {
		return types.NewStoreError("finalizeRun", 0, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrRunNotFound
	}
	return nil
}

// AddItems upserts product records keyed by source URL. Local inserts do
// not partially fail, so either every record lands or the call errors.
func (s *SQLiteStore) AddItems(ctx context.Context, items []types.ItemRecord) (*AddItemsResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.NewStoreError("addItems", 0, err)
	}
	defer tx.Rollback()

	result := &AddItemsResult{Failed: make(map[string]string)}
	for _, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			result.Failed[item.SourceURL] = err.Error()
			continue
		}
		scrapedAt := item.ScrapedAt
		if scrapedAt.IsZero() {
			scrapedAt = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO items (source_url, domain, title, payload, scraped_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (source_url) DO UPDATE SET
			   domain = excluded.domain,
			   title = excluded.title,
			   payload = excluded.payload,
			   scraped_at = excluded.scraped_at`,
			item.SourceURL, item.Domain, item.Title, string(payload), scrapedAt)
		if err != nil {
			return nil, types.NewStoreError("addItems", 0, err)
		}
		result.Successful = append(result.Successful, item.SourceURL)
	}

	if err := tx.Commit(); err != nil {
		return nil, types.NewStoreError("addItems", 0, err)
	}
	return result, nil
}

// GetSites returns the local site list in file order.
func (s *SQLiteStore) GetSites(ctx context.Context) ([]types.SiteConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sites := make([]types.SiteConfig, 0, len(s.order))
	for _, domain := range s.order {
		sites = append(sites, *s.sites[domain])
	}
	return sites, nil
}

// GetSite returns one site from the local list.
func (s *SQLiteStore) GetSite(ctx context.Context, domain string) (*types.SiteConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	site, ok := s.sites[strings.ToLower(domain)]
	if !ok {
		return nil, types.ErrSiteNotFound
	}
	cp := *site
	return &cp, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
