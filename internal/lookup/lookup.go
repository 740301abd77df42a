// Package lookup holds the reference data the cleanse stage applies to cities.
package lookup

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/fmcg/dimpipe/internal/aws"
	"github.com/fmcg/dimpipe/internal/config"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Tables is the city reference data.
type Tables struct {
	// CityTypos maps a known misspelling to its canonical city.
	CityTypos map[string]string `yaml:"city_typos"`
	// AllowedCities is the canonical city set.
	AllowedCities []string `yaml:"allowed_cities"`
	// CityOverrides maps a customer id to the city confirmed for it.
	CityOverrides map[string]string `yaml:"city_overrides"`
}

// Default returns the built-in reference data.
func Default() *Tables {
	t, err := Parse(defaultsYAML)
	if err != nil {
		panic(fmt.Sprintf("invalid embedded lookup defaults: %v", err))
	}
	return t
}

// Parse decodes reference data from YAML.
func Parse(data []byte) (*Tables, error) {
	t := &Tables{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parsing lookups: %w", err)
	}
	if t.CityTypos == nil {
		t.CityTypos = map[string]string{}
	}
	if t.CityOverrides == nil {
		t.CityOverrides = map[string]string{}
	}
	return t, nil
}

// Load reads reference data from the configured location: empty for the
// built-in defaults, an s3:// URI, or a local file.
func Load(ctx context.Context, cfg config.LookupConfig, s3 aws.Client) (*Tables, error) {
	switch {
	case cfg.Path == "":
		return Default(), nil
	case aws.IsURI(cfg.Path):
		if s3 == nil {
			return nil, fmt.Errorf("loading lookups from %s: no S3 client", cfg.Path)
		}
		data, err := aws.ReadURI(ctx, s3, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("loading lookups: %w", err)
		}
		return Parse(data)
	default:
		data, err := os.ReadFile(config.ExpandHome(cfg.Path))
		if err != nil {
			return nil, fmt.Errorf("loading lookups: %w", err)
		}
		return Parse(data)
	}
}

// Allowed reports whether city is in the canonical set.
func (t *Tables) Allowed(city string) bool {
	for _, c := range t.AllowedCities {
		if c == city {
			return true
		}
	}
	return false
}

// Validate returns warnings for entries that point outside the allowed set.
// They are not errors: unknown cities pass through the cleanse stage unchanged.
func (t *Tables) Validate() []string {
	var warnings []string
	if len(t.AllowedCities) == 0 {
		warnings = append(warnings, "allowed_cities is empty")
	}
	for _, typo := range sortedKeys(t.CityTypos) {
		if to := t.CityTypos[typo]; !t.Allowed(to) {
			warnings = append(warnings, fmt.Sprintf("city_typos: %q maps to %q which is not an allowed city", typo, to))
		}
		if t.Allowed(typo) {
			warnings = append(warnings, fmt.Sprintf("city_typos: %q is itself an allowed city", typo))
		}
	}
	for _, id := range sortedKeys(t.CityOverrides) {
		if city := t.CityOverrides[id]; !t.Allowed(city) {
			warnings = append(warnings, fmt.Sprintf("city_overrides: customer %s maps to %q which is not an allowed city", id, city))
		}
	}
	return warnings
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
