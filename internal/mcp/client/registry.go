package client

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-incident/internal/config"
)

// Provider pairs a client with its allowed-tools filter.
type Provider struct {
	Client       Client
	AllowedTools []string
}

// FromConfig builds clients for every enabled provider.
func FromConfig(providers []config.ProviderConfig, logger *zap.Logger) ([]Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var out []Provider
	for _, pc := range providers {
		if !pc.Enabled {
			logger.Info("diagnostic provider disabled", zap.String("provider", pc.Name))
			continue
		}
		transport := TransportStreamableHTTP
		switch pc.Transport {
		case "", "http", TransportStreamableHTTP:
		case TransportSSE:
			transport = TransportSSE
		default:
			return nil, fmt.Errorf("provider %q: unsupported transport %q", pc.Name, pc.Transport)
		}
		c := New(pc.Name, pc.URL, WithTimeout(pc.Timeout), WithTransport(transport), WithLogger(logger))
		out = append(out, Provider{Client: c, AllowedTools: pc.AllowedTools})
		logger.Info("diagnostic provider configured",
			zap.String("provider", pc.Name),
			zap.String("url", pc.URL),
			zap.String("transport", transport),
			zap.Strings("allowed_tools", pc.AllowedTools),
		)
	}
	return out, nil
}
