package llm

import (
	"github.com/xiaot623/gogo/research/internal/config"
	"github.com/xiaot623/gogo/research/internal/logger"
)

// NewLLMClient returns a MockClient when cfg.Mock is set (LLM_MOCK=true),
// otherwise a real Client.
func NewLLMClient(cfg config.LLMConfig, log *logger.Logger) LLMClient {
	if cfg.Mock {
		log.Info("LLM mock mode enabled, using mock LLM client")
		return NewMockClient()
	}
	return NewClient(cfg.URL, cfg.APIKey, cfg.Timeout)
}
