// Package registry loads extraction templates and canonical field mappings
// from a YAML seed file into the store.
package registry

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/store"
)

// Seed is the content of a seed file.
type Seed struct {
	Templates []TemplateSeed  `yaml:"templates"`
	Canonical []CanonicalSeed `yaml:"canonical"`
}

// TemplateSeed declares one template.
type TemplateSeed struct {
	Name                string       `yaml:"name"`
	Description         string       `yaml:"description"`
	ConfidenceThreshold *float64     `yaml:"confidence_threshold"`
	Fields              model.Schema `yaml:"fields"`
}

// CanonicalSeed declares one canonical field mapping. Fields maps template
// names to field names.
type CanonicalSeed struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Aggregation model.AggregationOp `yaml:"aggregation"`
	Fields      map[string]string   `yaml:"fields"`
	Aliases     []string            `yaml:"aliases"`
	Inactive    bool                `yaml:"inactive"`
}

// LoadSeedFile reads and validates a seed file.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read seed file")
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates seed YAML.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal seed")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks names, schemas and aggregation operators. Canonical fields
// must point at templates declared in the same seed.
func (s *Seed) Validate() error {
	var errs []string
	templates := make(map[string]model.Schema, len(s.Templates))
	for i, t := range s.Templates {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs = append(errs, fmt.Sprintf("templates[%d]: name is required", i))
			continue
		}
		if _, dup := templates[name]; dup {
			errs = append(errs, fmt.Sprintf("template %q declared twice", name))
		}
		if err := t.Fields.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("template %q: %v", name, err))
		}
		if th := t.ConfidenceThreshold; th != nil && (*th < 0 || *th > 1) {
			errs = append(errs, fmt.Sprintf("template %q: confidence_threshold must be within [0,1]", name))
		}
		templates[name] = t.Fields
	}

	seen := map[string]bool{}
	for i, c := range s.Canonical {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			errs = append(errs, fmt.Sprintf("canonical[%d]: name is required", i))
			continue
		}
		if seen[strings.ToLower(name)] {
			errs = append(errs, fmt.Sprintf("canonical %q declared twice", name))
		}
		seen[strings.ToLower(name)] = true
		if c.Aggregation != "" && !c.Aggregation.Valid() {
			errs = append(errs, fmt.Sprintf("canonical %q: unknown aggregation %q", name, c.Aggregation))
		}
		if len(c.Fields) == 0 {
			errs = append(errs, fmt.Sprintf("canonical %q: fields are required", name))
		}
		for tmpl, field := range c.Fields {
			schema, ok := templates[tmpl]
			if !ok {
				errs = append(errs, fmt.Sprintf("canonical %q: unknown template %q", name, tmpl))
				continue
			}
			if _, ok := schema.Field(field); !ok {
				errs = append(errs, fmt.Sprintf("canonical %q: template %q has no field %q", name, tmpl, field))
			}
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("registry: invalid seed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Store is the persistence Apply writes to.
type Store interface {
	store.TemplateStore
	store.CanonicalStore
}

// Summary counts what Apply wrote.
type Summary struct {
	Templates int `json:"templates"`
	Mappings  int `json:"mappings"`
	Aliases   int `json:"aliases"`
}

// Apply upserts every template and mapping of s. Running it twice is a
// no-op. Aliases are only added; retiring one is an explicit deactivation.
func Apply(ctx context.Context, st Store, s *Seed) (Summary, error) {
	var sum Summary
	for _, t := range s.Templates {
		if _, err := st.UpsertTemplate(ctx, &model.Template{
			Name:                strings.TrimSpace(t.Name),
			Description:         t.Description,
			Fields:              t.Fields,
			ConfidenceThreshold: t.ConfidenceThreshold,
		}); err != nil {
			return sum, eris.Wrapf(err, "registry: seed template %s", t.Name)
		}
		sum.Templates++
	}

	for _, c := range s.Canonical {
		m, err := st.UpsertCanonicalMapping(ctx, &model.CanonicalFieldMapping{
			CanonicalName: strings.TrimSpace(c.Name),
			Description:   c.Description,
			FieldMappings: c.Fields,
			Aggregation:   c.Aggregation,
			IsActive:      !c.Inactive,
		})
		if err != nil {
			return sum, eris.Wrapf(err, "registry: seed canonical %s", c.Name)
		}
		sum.Mappings++
		for _, a := range c.Aliases {
			if strings.TrimSpace(a) == "" {
				continue
			}
			if _, err := st.AddCanonicalAlias(ctx, m.ID, a); err != nil {
				return sum, eris.Wrapf(err, "registry: seed alias %s", a)
			}
			sum.Aliases++
		}
	}

	zap.L().Info("registry: seed applied",
		zap.Int("templates", sum.Templates),
		zap.Int("mappings", sum.Mappings),
		zap.Int("aliases", sum.Aliases),
	)
	return sum, nil
}
