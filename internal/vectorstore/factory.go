package vectorstore

import (
	"fmt"

	"github.com/fyrsmithlabs/newsrag/internal/config"
	"github.com/fyrsmithlabs/newsrag/internal/logging"
)

// New creates the Index selected by cfg.Provider.
func New(cfg config.VectorStoreConfig, logger *logging.Logger) (Index, error) {
	switch cfg.Provider {
	case "qdrant", "":
		idx, err := NewQdrantIndex(QdrantConfig{
			Host:    cfg.Host,
			Port:    cfg.Port,
			APIKey:  cfg.APIKey.Value(),
			UseTLS:  cfg.UseTLS,
			Timeout: cfg.Timeout.Duration(),
		}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "chromem":
		idx, err := NewChromemIndex(ChromemConfig{Path: cfg.ChromemPath}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
