package voxrelay

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/harunnryd/voxrelay/pkg/adapters/backend"
)

// ConnectorFactory builds the connector for one vendor from its settings.
type ConnectorFactory func(vendor VendorConfig, logger *slog.Logger) (backend.Connector, error)

type ProviderRegistry struct {
	factories map[backend.Kind]map[string]ConnectorFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		factories: make(map[backend.Kind]map[string]ConnectorFactory),
	}
}

func (r *ProviderRegistry) Register(kind backend.Kind, name string, factory ConnectorFactory) {
	byName := r.factories[kind]
	if byName == nil {
		byName = make(map[string]ConnectorFactory)
		r.factories[kind] = byName
	}
	byName[strings.ToLower(strings.TrimSpace(name))] = factory
}

// Providers lists the names registered for kind, sorted.
func (r *ProviderRegistry) Providers(kind backend.Kind) []string {
	out := make([]string, 0, len(r.factories[kind]))
	for name := range r.factories[kind] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *ProviderRegistry) Build(kind backend.Kind, vendor VendorConfig, logger *slog.Logger) (backend.Connector, error) {
	fn := r.factories[kind][strings.ToLower(strings.TrimSpace(vendor.Provider))]
	if fn == nil {
		return nil, fmt.Errorf("%s provider not registered: %s", kind, vendor.Provider)
	}
	return fn(vendor, logger)
}

// BuildAll builds one connector per configured kind.
func (r *ProviderRegistry) BuildAll(cfg Config, logger *slog.Logger) (map[backend.Kind]backend.Connector, error) {
	out := make(map[backend.Kind]backend.Connector, 2)
	for _, kind := range []backend.Kind{backend.KindTranscription, backend.KindLiveAudio} {
		vendor, _ := cfg.Vendors.For(kind)
		conn, err := r.Build(kind, vendor, logger)
		if err != nil {
			return nil, fmt.Errorf("vendors.%s: %w", kind, err)
		}
		out[kind] = conn
	}
	return out, nil
}
