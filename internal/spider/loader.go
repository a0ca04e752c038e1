package spider

import (
	"encoding/json"
	"fmt"

	"crawlpipe/internal/model"
)

// Load resolves a project to a runnable Spider: a compiled-in factory
// when project.EntryFile names one registered in registry, or the
// Lua-scripted file matching EntryFile among files otherwise. Either
// way the project's crawl_type and custom_setting config are applied
// before the Spider is handed to the consumer.
func Load(registry *Registry, project *model.SpiderProject, files []*model.SpiderProjectFile) (*Spider, error) {
	var sp *Spider
	var err error

	if registry.Has(project.EntryFile) {
		sp, err = registry.Build(project.EntryFile, project.Config)
		if err != nil {
			return nil, fmt.Errorf("spider: build compiled-in %q: %w", project.EntryFile, err)
		}
	} else {
		file, ok := findEntryFile(files, project.EntryFile)
		if !ok {
			return nil, fmt.Errorf("spider: project %d: no source for entry file %q", project.ID, project.EntryFile)
		}
		sp, err = LoadScripted(project.Name, file.Content)
		if err != nil {
			return nil, fmt.Errorf("spider: load scripted %q: %w", project.EntryFile, err)
		}
	}

	sp.CrawlType = project.CrawlType
	if project.Concurrency > 0 {
		sp.Concurrency = project.Concurrency
	}

	if project.Config != "" {
		var cs CustomSettings
		if err := json.Unmarshal([]byte(project.Config), &cs); err == nil {
			sp.ApplyCustomSettings(cs)
		}
	}

	return sp, nil
}

func findEntryFile(files []*model.SpiderProjectFile, path string) (*model.SpiderProjectFile, bool) {
	for _, f := range files {
		if f.Path == path {
			return f, true
		}
	}
	return nil, false
}
