package tools

import "github.com/xiaot623/gogo/research/internal/config"

// NewResearchRegistry returns a registry with the search and retrieve tools.
func NewResearchRegistry(cfg config.SearchConfig) *Registry {
	r := NewRegistry()
	search := NewSearcher(cfg.URL, cfg.APIKey, cfg.MaxResults)
	retrieve := NewRetriever(0)
	r.MustRegister(search.Definition(), search.Execute)
	r.MustRegister(retrieve.Definition(), retrieve.Execute)
	return r
}
