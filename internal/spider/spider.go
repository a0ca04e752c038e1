// Package spider defines the capability interface every crawl project
// implements (compiled-in or Lua-scripted) and the registry/loader that
// resolves a project to a runnable Spider (C5).
package spider

import (
	"crawlpipe/internal/model"
)

// Spider is the contract a project fulfills, compiled-in Go code or a
// gopher-lua script loaded by LoadScripted.
type Spider struct {
	Name        string
	CrawlType   model.ItemType
	Concurrency int

	StartRequests func() RequestIterator
	Callbacks     map[string]Callback

	DownloadMidware func(req *model.Request) *model.Request
	Validate        func(req *model.Request, resp *model.Response) bool
	ExceptionRequest func(req *model.Request, err error)
	FailedRequest    func(req *model.Request, lastErr string)
	Close            func()
}

// Callback handles a fetched response and yields items/requests.
type Callback func(req *model.Request, resp *model.Response) ([]model.YieldResult, error)

// RequestIterator lazily produces start requests, one call at a time,
// matching the spec's "pull one request whenever pending drops below
// 2*concurrency" seeding rule. Next returns ok=false once exhausted.
type RequestIterator interface {
	Next() (req *model.Request, ok bool)
}

// sliceIterator adapts a pre-built slice of requests to RequestIterator,
// used by compiled-in spiders with a small fixed seed list.
type sliceIterator struct {
	reqs []*model.Request
	pos  int
}

// NewSliceIterator returns a RequestIterator over a fixed slice.
func NewSliceIterator(reqs []*model.Request) RequestIterator {
	return &sliceIterator{reqs: reqs}
}

func (it *sliceIterator) Next() (*model.Request, bool) {
	if it.pos >= len(it.reqs) {
		return nil, false
	}
	req := it.reqs[it.pos]
	it.pos++
	return req, true
}

// FuncIterator adapts a generator function to RequestIterator, for
// spiders whose start requests depend on pagination state the caller
// tracks itself.
type FuncIterator struct {
	Fn func() (*model.Request, bool)
}

func (it FuncIterator) Next() (*model.Request, bool) {
	return it.Fn()
}

// CustomSettings is a project's __custom_setting__ dict.
// ApplyCustomSettings applies only CONCURRENT_REQUESTS (→ Concurrency);
// DOWNLOAD_TIMEOUT_SECONDS and DOWNLOAD_DELAY_MS are decoded but are not
// applied to the spider or the fetcher.
type CustomSettings struct {
	ConcurrentRequests     int `json:"CONCURRENT_REQUESTS"`
	DownloadTimeoutSeconds int `json:"DOWNLOAD_TIMEOUT_SECONDS"`
	DownloadDelayMs        int `json:"DOWNLOAD_DELAY_MS"`
}

func (s *Spider) ApplyCustomSettings(cs CustomSettings) {
	if cs.ConcurrentRequests > 0 {
		s.Concurrency = cs.ConcurrentRequests
	}
}
