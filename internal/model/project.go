package model

import "time"

// ProjectStatus is the lifecycle status column of spider_projects.
type ProjectStatus string

const (
	ProjectStatusIdle    ProjectStatus = "idle"
	ProjectStatusRunning ProjectStatus = "running"
	ProjectStatusError   ProjectStatus = "error"
)

// SpiderProject mirrors the spider_projects table.
type SpiderProject struct {
	ID              int64
	Name            string
	EntryFile       string
	Config          string // JSON blob, project-specific custom settings
	Concurrency     int
	CrawlType       ItemType
	OutputGroupID   int64
	Enabled         bool
	Status          ProjectStatus
	Schedule        string // JSON schedule descriptor, see scheduler package
	LastRunAt       *time.Time
	LastRunDuration time.Duration
	LastRunItems    int64
	LastError       string
	TotalRuns       int64
	TotalItems      int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SpiderProjectFile mirrors the spider_project_files table: one row
// per user-authored source file belonging to a project.
type SpiderProjectFile struct {
	ProjectID int64
	Path      string
	Content   string
	Type      string // "lua" for scripted spiders, "go" for compiled-in ones
}

// FailedRequestStatus is the status column of spider_failed_requests.
type FailedRequestStatus string

const (
	FailedRequestPending FailedRequestStatus = "pending"
	FailedRequestRetried FailedRequestStatus = "retried"
	FailedRequestIgnored FailedRequestStatus = "ignored"
)

// FailedRequest is a durable row recording a request that exhausted
// its retries.
type FailedRequest struct {
	ID           int64
	ProjectID    int64
	URL          string
	Method       Method
	Callback     string
	Meta         map[string]interface{}
	ErrorMessage string
	RetryCount   int
	FailedAt     time.Time
	Status       FailedRequestStatus
}

// FailedRequestStats summarizes the failed-request table for a project.
type FailedRequestStats struct {
	Pending int64
	Retried int64
	Ignored int64
	Total   int64
}

// OriginalArticle mirrors the original_articles table, written by the
// item router when a crawl yields an article item.
type OriginalArticle struct {
	ID        int64
	SourceID  string
	GroupID   int64
	SourceURL string
	Title     string
	Content   string
}

// Title mirrors the titles table, written by the generator pipeline.
type Title struct {
	ID      int64
	GroupID int64
	BatchID int64
	Title   string
}

// Content mirrors the contents table, written by the generator pipeline.
type Content struct {
	ID      int64
	GroupID int64
	BatchID int64
	Content string
}

// Keyword mirrors the keywords table.
type Keyword struct {
	ID      int64
	GroupID int64
	Keyword string
}

// Image mirrors the images table.
type Image struct {
	ID      int64
	GroupID int64
	URL     string
}
