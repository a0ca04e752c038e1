package database

import (
	"database/sql"
	"fmt"
	"sync"
)

// PreparedStatements manages prepared SQL statements
type PreparedStatements struct {
	db         *sql.DB
	statements map[string]*sql.Stmt
	mu         sync.RWMutex
}

// NewPreparedStatements creates a new PreparedStatements manager
func NewPreparedStatements(db *sql.DB) *PreparedStatements {
	return &PreparedStatements{
		db:         db,
		statements: make(map[string]*sql.Stmt),
	}
}

// Prepare prepares a statement if it doesn't exist
func (ps *PreparedStatements) Prepare(name, query string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.statements[name]; exists {
		return nil // Already prepared
	}

	stmt, err := ps.db.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement %s: %w", name, err)
	}

	ps.statements[name] = stmt
	return nil
}

// Get retrieves a prepared statement
func (ps *PreparedStatements) Get(name string) (*sql.Stmt, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	stmt, exists := ps.statements[name]
	if !exists {
		return nil, fmt.Errorf("statement %s not found", name)
	}

	return stmt, nil
}

// Close closes all prepared statements
func (ps *PreparedStatements) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	var errs []error
	for name, stmt := range ps.statements {
		if err := stmt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close statement %s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing statements: %v", errs)
	}

	return nil
}

// Common prepared statement queries, mirroring the column lists storage.Store
// already builds ad hoc; these back the hottest lookups (one per popped
// article, one per pool:reload) so a long-lived process doesn't replan them
// on every call.
const (
	QueryGetArticle = `
		SELECT id, source_id, group_id, source_url, title, content
		FROM original_articles WHERE id = $1
	`

	QueryGetSetting = `
		SELECT setting_value, setting_type FROM system_settings WHERE setting_key = $1
	`

	QueryCountArticlesBySource = `
		SELECT COUNT(*) FROM original_articles WHERE source_id = $1
	`
)

// InitCommonStatements initializes commonly used prepared statements
func (ps *PreparedStatements) InitCommonStatements() error {
	statements := map[string]string{
		"get_article":              QueryGetArticle,
		"get_setting":              QueryGetSetting,
		"count_articles_by_source": QueryCountArticlesBySource,
	}

	for name, query := range statements {
		if err := ps.Prepare(name, query); err != nil {
			return err
		}
	}

	return nil
}
