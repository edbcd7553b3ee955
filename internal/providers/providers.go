// Package providers builds the provider registry from configuration.
// Each configured provider is served by the generic HTTP collect client;
// the core never interprets provider responses beyond the record count.
package providers

import (
	"encoding/json"
	"fmt"
	"os"

	"harvestplane/internal/provider"
	"harvestplane/internal/store"
)

// Spec is one provider entry in the PROVIDERS configuration.
type Spec struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	// Tiers maps a supported tier to its per-call price in credits.
	Tiers map[string]int64 `json:"tiers"`
}

// Parse turns a PROVIDERS JSON document into registry descriptors.
func Parse(raw []byte) ([]*provider.Descriptor, error) {
	var specs []Spec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("invalid providers config: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("providers config is empty")
	}

	descriptors := make([]*provider.Descriptor, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("provider entry without a name")
		}
		if spec.BaseURL == "" {
			return nil, fmt.Errorf("provider %q has no base_url", spec.Name)
		}
		if len(spec.Tiers) == 0 {
			return nil, fmt.Errorf("provider %q supports no tiers", spec.Name)
		}

		tiers := make([]store.Tier, 0, len(spec.Tiers))
		pricing := make(map[store.Tier]int64, len(spec.Tiers))
		for name, price := range spec.Tiers {
			tier := store.Tier(name)
			switch tier {
			case store.TierFree, store.TierMedium, store.TierPremium:
			default:
				return nil, fmt.Errorf("provider %q: unknown tier %q", spec.Name, name)
			}
			if price < 0 {
				return nil, fmt.Errorf("provider %q: negative price for tier %q", spec.Name, name)
			}
			tiers = append(tiers, tier)
			pricing[tier] = price
		}

		baseURL := spec.BaseURL
		descriptors = append(descriptors, &provider.Descriptor{
			Name:           spec.Name,
			SupportedTiers: tiers,
			Pricing:        pricing,
			New: func() (provider.Client, error) {
				return NewHTTPClient(baseURL), nil
			},
		})
	}
	return descriptors, nil
}

// Load reads the provider catalog from the PROVIDERS environment
// variable (inline JSON) or the file named by PROVIDERS_FILE.
func Load() ([]*provider.Descriptor, error) {
	if raw := os.Getenv("PROVIDERS"); raw != "" {
		return Parse([]byte(raw))
	}
	if path := os.Getenv("PROVIDERS_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read providers file: %w", err)
		}
		return Parse(raw)
	}
	return nil, fmt.Errorf("no provider catalog: set PROVIDERS or PROVIDERS_FILE")
}
