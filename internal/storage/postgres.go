// Package storage persists the durable entities: spider projects and
// their files, failed requests, raw articles, and the generator
// pipeline's titles/contents/keywords/images, over database/sql + lib/pq.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"crawlpipe/internal/model"
	"crawlpipe/pkg/database"
	"crawlpipe/pkg/logger"
)

// Store handles PostgreSQL persistence for the crawl-and-process worker.
type Store struct {
	db *sql.DB

	// prepared caches statements for the hottest queries (one GetArticle
	// per popped article, one GetSetting per pool:reload). Left nil for
	// NewFromDB, since sqlmock-backed tests don't expect Prepare calls.
	prepared *database.PreparedStatements
}

// Config holds database connection parameters.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// New opens and pings a PostgreSQL connection.
func New(cfg Config) (*Store, error) {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db}

	ps := database.NewPreparedStatements(db)
	if err := ps.InitCommonStatements(); err != nil {
		logger.Get().WithError(err).Warn("storage: prepared statement cache disabled, falling back to ad hoc queries")
	} else {
		store.prepared = ps
	}

	return store, nil
}

// NewFromDB wraps an already-open *sql.DB, used by tests with sqlmock.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying *sql.DB, used by the ops health check.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s.prepared != nil {
		if err := s.prepared.Close(); err != nil {
			logger.Get().WithError(err).Warn("storage: closing prepared statements")
		}
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- spider_projects ---

// GetProject fetches a project by id.
func (s *Store) GetProject(id int64) (*model.SpiderProject, error) {
	var p model.SpiderProject
	var lastRunAt sql.NullTime
	var lastRunDurationMs sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, name, entry_file, config, concurrency, crawl_type, output_group_id,
		       enabled, status, schedule, last_run_at, last_run_duration_ms, last_run_items,
		       last_error, total_runs, total_items, created_at, updated_at
		FROM spider_projects WHERE id = $1`, id).Scan(
		&p.ID, &p.Name, &p.EntryFile, &p.Config, &p.Concurrency, &p.CrawlType, &p.OutputGroupID,
		&p.Enabled, &p.Status, &p.Schedule, &lastRunAt, &lastRunDurationMs, &p.LastRunItems,
		&p.LastError, &p.TotalRuns, &p.TotalItems, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get project %d: %w", id, err)
	}
	if lastRunAt.Valid {
		p.LastRunAt = &lastRunAt.Time
	}
	if lastRunDurationMs.Valid {
		p.LastRunDuration = time.Duration(lastRunDurationMs.Int64) * time.Millisecond
	}
	return &p, nil
}

// ListEnabledProjects returns every project with enabled = true and a
// non-empty schedule, used by
// the scheduler at startup to seed its cron entries.
func (s *Store) ListEnabledProjects() ([]*model.SpiderProject, error) {
	rows, err := s.db.Query(`SELECT id, name, schedule FROM spider_projects WHERE enabled = true AND schedule != ''`)
	if err != nil {
		return nil, fmt.Errorf("list enabled projects: %w", err)
	}
	defer rows.Close()

	var projects []*model.SpiderProject
	for rows.Next() {
		p := &model.SpiderProject{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Schedule); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// GetProjectFiles returns every source file belonging to a project.
func (s *Store) GetProjectFiles(projectID int64) ([]*model.SpiderProjectFile, error) {
	rows, err := s.db.Query(`SELECT project_id, path, content, type FROM spider_project_files WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, fmt.Errorf("get project files %d: %w", projectID, err)
	}
	defer rows.Close()

	var files []*model.SpiderProjectFile
	for rows.Next() {
		f := &model.SpiderProjectFile{}
		if err := rows.Scan(&f.ProjectID, &f.Path, &f.Content, &f.Type); err != nil {
			return nil, fmt.Errorf("scan project file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// RunSummary captures the terminal bookkeeping a project run writes back.
type RunSummary struct {
	Status     model.ProjectStatus
	ItemsDelta int64
	LastError  string
	Duration   time.Duration
}

// RecordRunResult updates a project row after a run finishes, per
// spec §4.6's "on any terminal path" rule.
func (s *Store) RecordRunResult(projectID int64, summary RunSummary) error {
	_, err := s.db.Exec(`
		UPDATE spider_projects
		SET status = $2, last_run_at = now(), last_run_duration_ms = $3, last_run_items = $4,
		    last_error = $5, total_runs = total_runs + 1, total_items = total_items + $4,
		    updated_at = now()
		WHERE id = $1`,
		projectID, summary.Status, summary.Duration.Milliseconds(), summary.ItemsDelta, summary.LastError,
	)
	if err != nil {
		return fmt.Errorf("record run result for project %d: %w", projectID, err)
	}
	return nil
}

// SetProjectStatus updates just the status column, used by the
// scheduler to mark a project running before dispatching its job.
func (s *Store) SetProjectStatus(projectID int64, status model.ProjectStatus) error {
	_, err := s.db.Exec(`UPDATE spider_projects SET status = $2, updated_at = now() WHERE id = $1`, projectID, status)
	if err != nil {
		return fmt.Errorf("set project %d status: %w", projectID, err)
	}
	return nil
}

// CountArticlesBySourceID returns the current row count in
// original_articles for a source, used to snapshot pre-run counts.
func (s *Store) CountArticlesBySourceID(sourceID string) (int64, error) {
	var count int64

	var err error
	if stmt, serr := s.preparedStmt("count_articles_by_source"); serr == nil {
		err = stmt.QueryRow(sourceID).Scan(&count)
	} else {
		err = s.db.QueryRow(database.QueryCountArticlesBySource, sourceID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count articles for source %s: %w", sourceID, err)
	}
	return count, nil
}

// --- spider_failed_requests (C6) ---

// SaveFailedRequest persists an exhausted request.
func (s *Store) SaveFailedRequest(projectID int64, req *model.Request, errMsg string) (int64, error) {
	metaJSON, err := json.Marshal(req.Meta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	url := truncate(req.URL, 2048)
	errMsg = truncate(errMsg, 1024)

	var id int64
	err = s.db.QueryRow(`
		INSERT INTO spider_failed_requests (project_id, url, method, callback, meta, error_message, retry_count, failed_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), 'pending')
		RETURNING id`,
		projectID, url, req.Method, req.Callback, metaJSON, errMsg, req.RetryCount,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save failed request: %w", err)
	}
	return id, nil
}

// ListFailedRequests returns a page of failed requests for a project,
// optionally filtered by status.
func (s *Store) ListFailedRequests(projectID int64, page, pageSize int, status string) (int64, []*model.FailedRequest, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	where := "project_id = $1"
	args := []interface{}{projectID}
	if status != "" {
		where += " AND status = $2"
		args = append(args, status)
	}

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM spider_failed_requests WHERE %s", where)
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("count failed requests: %w", err)
	}

	args = append(args, pageSize, offset)
	query := fmt.Sprintf(`
		SELECT id, project_id, url, method, callback, meta, error_message, retry_count, failed_at, status
		FROM spider_failed_requests WHERE %s ORDER BY failed_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("list failed requests: %w", err)
	}
	defer rows.Close()

	var items []*model.FailedRequest
	for rows.Next() {
		fr := &model.FailedRequest{}
		var metaJSON []byte
		if err := rows.Scan(&fr.ID, &fr.ProjectID, &fr.URL, &fr.Method, &fr.Callback, &metaJSON,
			&fr.ErrorMessage, &fr.RetryCount, &fr.FailedAt, &fr.Status); err != nil {
			return 0, nil, fmt.Errorf("scan failed request: %w", err)
		}
		json.Unmarshal(metaJSON, &fr.Meta)
		items = append(items, fr)
	}
	return total, items, rows.Err()
}

// GetFailedRequest fetches one failed request by id.
func (s *Store) GetFailedRequest(id int64) (*model.FailedRequest, error) {
	fr := &model.FailedRequest{}
	var metaJSON []byte
	err := s.db.QueryRow(`
		SELECT id, project_id, url, method, callback, meta, error_message, retry_count, failed_at, status
		FROM spider_failed_requests WHERE id = $1`, id).Scan(
		&fr.ID, &fr.ProjectID, &fr.URL, &fr.Method, &fr.Callback, &metaJSON,
		&fr.ErrorMessage, &fr.RetryCount, &fr.FailedAt, &fr.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("get failed request %d: %w", id, err)
	}
	json.Unmarshal(metaJSON, &fr.Meta)
	return fr, nil
}

// MarkFailedRequestStatus updates the status column of a failed request.
func (s *Store) MarkFailedRequestStatus(id int64, status model.FailedRequestStatus) error {
	_, err := s.db.Exec(`UPDATE spider_failed_requests SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("mark failed request %d as %s: %w", id, status, err)
	}
	return nil
}

// DeleteFailedRequest removes a failed request row.
func (s *Store) DeleteFailedRequest(id int64) error {
	_, err := s.db.Exec(`DELETE FROM spider_failed_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete failed request %d: %w", id, err)
	}
	return nil
}

// DeleteFailedRequestsByProject removes failed requests for a project,
// optionally restricted to a status.
func (s *Store) DeleteFailedRequestsByProject(projectID int64, status string) error {
	if status == "" {
		_, err := s.db.Exec(`DELETE FROM spider_failed_requests WHERE project_id = $1`, projectID)
		return err
	}
	_, err := s.db.Exec(`DELETE FROM spider_failed_requests WHERE project_id = $1 AND status = $2`, projectID, status)
	return err
}

// GetFailedRequestStats summarizes a project's failed requests by status.
func (s *Store) GetFailedRequestStats(projectID int64) (model.FailedRequestStats, error) {
	var stats model.FailedRequestStats
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM spider_failed_requests WHERE project_id = $1 GROUP BY status`, projectID)
	if err != nil {
		return stats, fmt.Errorf("get failed request stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.Total += count
		switch model.FailedRequestStatus(status) {
		case model.FailedRequestPending:
			stats.Pending = count
		case model.FailedRequestRetried:
			stats.Retried = count
		case model.FailedRequestIgnored:
			stats.Ignored = count
		}
	}
	return stats, rows.Err()
}

// --- article ingestion (C7 item router) ---

// InsertArticle inserts a raw article, returning its new id. A
// duplicate source_url for the same group is not an error, matching the
// spec's "duplicate-key errors are not fatal" rule; ok is false when the
// row already existed.
func (s *Store) InsertArticle(a *model.OriginalArticle) (id int64, ok bool, err error) {
	err = s.db.QueryRow(`
		INSERT INTO original_articles (source_id, group_id, source_url, title, content)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		a.SourceID, a.GroupID, a.SourceURL, a.Title, a.Content,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert article: %w", err)
	}
	return id, true, nil
}

// InsertKeywords bulk-inserts keywords for a group, ignoring duplicates.
func (s *Store) InsertKeywords(groupID int64, keywords []string) error {
	if len(keywords) == 0 {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO keywords (group_id, keyword)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING`,
		groupID, pq.Array(keywords),
	)
	if err != nil {
		return fmt.Errorf("insert keywords: %w", err)
	}
	return nil
}

// InsertImages bulk-inserts images for a group, ignoring duplicates.
func (s *Store) InsertImages(groupID int64, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO images (group_id, url)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING`,
		groupID, pq.Array(urls),
	)
	if err != nil {
		return fmt.Errorf("insert images: %w", err)
	}
	return nil
}

// --- generator pipeline outputs (C8) ---

// GetArticle fetches an article by primary key.
func (s *Store) GetArticle(id int64) (*model.OriginalArticle, error) {
	a := &model.OriginalArticle{}

	var err error
	if stmt, serr := s.preparedStmt("get_article"); serr == nil {
		err = stmt.QueryRow(id).Scan(&a.ID, &a.SourceID, &a.GroupID, &a.SourceURL, &a.Title, &a.Content)
	} else {
		err = s.db.QueryRow(database.QueryGetArticle, id).
			Scan(&a.ID, &a.SourceID, &a.GroupID, &a.SourceURL, &a.Title, &a.Content)
	}

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get article %d: %w", id, err)
	}
	return a, nil
}

// preparedStmt returns the cached statement for name, or an error if the
// prepared statement cache is disabled (NewFromDB, or InitCommonStatements
// failed) so callers can fall back to an ad hoc query.
func (s *Store) preparedStmt(name string) (*sql.Stmt, error) {
	if s.prepared == nil {
		return nil, fmt.Errorf("storage: prepared statement cache disabled")
	}
	return s.prepared.Get(name)
}

// InsertTitlesBatch bulk-inserts titles, each with its own batch id.
func (s *Store) InsertTitlesBatch(titles []*model.Title) error {
	if len(titles) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("insert titles: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pq.CopyIn("titles", "group_id", "batch_id", "title"))
	if err != nil {
		return fmt.Errorf("insert titles: prepare copy: %w", err)
	}
	for _, t := range titles {
		if _, err := stmt.Exec(t.GroupID, t.BatchID, t.Title); err != nil {
			return fmt.Errorf("insert titles: exec copy: %w", err)
		}
	}
	if _, err := stmt.Exec(); err != nil {
		return fmt.Errorf("insert titles: flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("insert titles: close copy: %w", err)
	}
	return tx.Commit()
}

// InsertContentsBatch inserts contents one row at a time (to capture
// generated ids, per spec §4.7), each with its own batch id.
func (s *Store) InsertContentsBatch(contents []*model.Content) error {
	if len(contents) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("insert contents: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO contents (group_id, batch_id, content) VALUES ($1, $2, $3) RETURNING id`)
	if err != nil {
		return fmt.Errorf("insert contents: prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range contents {
		if err := stmt.QueryRow(c.GroupID, c.BatchID, c.Content).Scan(&c.ID); err != nil {
			return fmt.Errorf("insert content row: %w", err)
		}
	}
	return tx.Commit()
}

// --- system_settings ---

// GetSetting returns a setting's raw string value and its declared
// type ("string", "int", "bool", "json"), used by the worker's
// pool:reload handler to pick up operator-tunable values (e.g. a global
// proxy override) without a restart.
func (s *Store) GetSetting(key string) (value, settingType string, err error) {
	if stmt, serr := s.preparedStmt("get_setting"); serr == nil {
		err = stmt.QueryRow(key).Scan(&value, &settingType)
	} else {
		err = s.db.QueryRow(database.QueryGetSetting, key).Scan(&value, &settingType)
	}
	if err != nil {
		return "", "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, settingType, nil
}

// SetSetting upserts a setting.
func (s *Store) SetSetting(key, value, settingType string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_settings (setting_key, setting_value, setting_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (setting_key) DO UPDATE SET setting_value = $2, setting_type = $3`,
		key, value, settingType,
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
