package automation

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Catalog is the YAML form operators use to seed packs, triggers and
// chains. Packs are referenced by slug everywhere else in the file.
type Catalog struct {
	Packs    []CatalogPack    `yaml:"packs"`
	Triggers []CatalogTrigger `yaml:"triggers"`
	Chains   []CatalogChain   `yaml:"chains"`
}

// CatalogPack describes a pack and its steps.
type CatalogPack struct {
	Slug        string        `yaml:"slug"`
	Title       string        `yaml:"title"`
	Category    string        `yaml:"category"`
	Description string        `yaml:"description"`
	Active      *bool         `yaml:"active"`
	Version     int           `yaml:"version"`
	Steps       []CatalogStep `yaml:"steps"`
}

// CatalogStep describes one pack step. Order defaults to the position in
// the list, starting at 1.
type CatalogStep struct {
	Order       int      `yaml:"order"`
	Purpose     string   `yaml:"purpose"`
	Prompt      string   `yaml:"prompt"`
	Model       string   `yaml:"model"`
	Reasoning   bool     `yaml:"reasoning"`
	Format      string   `yaml:"format"`
	ApplyTo     []string `yaml:"apply_to"`
	MaxTokens   *int     `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
}

// CatalogTrigger binds an event to a pack slug.
type CatalogTrigger struct {
	Name       string         `yaml:"name"`
	Event      string         `yaml:"event"`
	Pack       string         `yaml:"pack"`
	Mode       string         `yaml:"mode"`
	Conditions map[string]any `yaml:"conditions"`
	AutoApply  bool           `yaml:"auto_apply"`
	Targets    []string       `yaml:"targets"`
	Active     *bool          `yaml:"active"`
}

// CatalogChain describes a chain.
type CatalogChain struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Active      *bool       `yaml:"active"`
	Steps       []ChainStep `yaml:"steps"`
}

// ImportReport counts the records an import wrote.
type ImportReport struct {
	Packs    int
	Triggers int
	Chains   int
}

// catalogNamespace seeds the name-based IDs of catalog records so a
// re-import updates rows instead of duplicating them.
var catalogNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://packflow.dev/catalog"))

// LoadCatalog decodes a catalog document. Unknown fields are rejected.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return &c, nil
		}
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	return &c, nil
}

// Import validates and upserts every record of the catalog. Packs are
// written through the registry so its cache stays current.
func (c *Catalog) Import(ctx context.Context, packs *Registry, repo Repository) (ImportReport, error) {
	var report ImportReport
	slugIDs := make(map[string]string, len(c.Packs))

	for i, cp := range c.Packs {
		pack := cp.toPack()
		if existing, err := repo.GetPackBySlug(ctx, pack.Slug); err == nil {
			pack.ID = existing.ID
			pack.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, ErrPackNotFound) {
			return report, err
		}
		if err := packs.SavePack(ctx, pack); err != nil {
			return report, fmt.Errorf("packs[%d] %q: %w", i, cp.Slug, err)
		}
		slugIDs[pack.Slug] = pack.ID
		report.Packs++
	}

	for i, ct := range c.Triggers {
		if ct.Name == "" {
			return report, fmt.Errorf("triggers[%d]: %w: name is required", i, ErrInvalidTrigger)
		}
		packID, err := resolveSlug(ctx, repo, slugIDs, ct.Pack)
		if err != nil {
			return report, fmt.Errorf("triggers[%d] %q: %w", i, ct.Name, err)
		}
		t := ct.toTrigger(packID)
		if err := ValidateTrigger(t); err != nil {
			return report, fmt.Errorf("triggers[%d] %q: %w", i, ct.Name, err)
		}
		if err := repo.SaveTrigger(ctx, t); err != nil {
			return report, fmt.Errorf("triggers[%d] %q: %w", i, ct.Name, err)
		}
		report.Triggers++
	}

	for i, cc := range c.Chains {
		ch := cc.toChain()
		if err := ValidateChain(ch); err != nil {
			return report, fmt.Errorf("chains[%d] %q: %w", i, cc.Name, err)
		}
		for j, s := range ch.Steps {
			if s.PackID != "" {
				continue
			}
			if _, err := resolveSlug(ctx, repo, slugIDs, s.PackSlug); err != nil {
				return report, fmt.Errorf("chains[%d] %q step %d: %w", i, cc.Name, j, err)
			}
		}
		if err := repo.SaveChain(ctx, ch); err != nil {
			return report, fmt.Errorf("chains[%d] %q: %w", i, cc.Name, err)
		}
		report.Chains++
	}

	return report, nil
}

func resolveSlug(ctx context.Context, repo Repository, known map[string]string, slug string) (string, error) {
	if id, ok := known[slug]; ok {
		return id, nil
	}
	p, err := repo.GetPackBySlug(ctx, slug)
	if err != nil {
		return "", fmt.Errorf("pack %q: %w", slug, err)
	}
	known[slug] = p.ID
	return p.ID, nil
}

func (cp CatalogPack) toPack() *Pack {
	p := &Pack{
		ID:          catalogID("pack", cp.Slug),
		Slug:        cp.Slug,
		Title:       cp.Title,
		Category:    cp.Category,
		Description: cp.Description,
		IsActive:    boolOr(cp.Active, true),
		Version:     cp.Version,
		Steps:       make([]PackStep, 0, len(cp.Steps)),
	}
	for i, cs := range cp.Steps {
		order := cs.Order
		if order == 0 {
			order = i + 1
		}
		p.Steps = append(p.Steps, PackStep{
			ID:                catalogID("step", fmt.Sprintf("%s/%d", cp.Slug, order)),
			StepOrder:         order,
			Purpose:           cs.Purpose,
			PromptTemplate:    cs.Prompt,
			AIModel:           cs.Model,
			RequiresReasoning: cs.Reasoning,
			OutputFormat:      OutputFormat(cs.Format),
			ApplyTo:           cs.ApplyTo,
			MaxTokens:         cs.MaxTokens,
			Temperature:       cs.Temperature,
		})
	}
	return p
}

func (ct CatalogTrigger) toTrigger(packID string) *Trigger {
	mode := ExecutionMode(ct.Mode)
	if mode == "" {
		mode = ModeAsync
	}
	return &Trigger{
		ID:               catalogID("trigger", ct.Name),
		Name:             ct.Name,
		EventName:        ct.Event,
		IsActive:         boolOr(ct.Active, true),
		ConditionRules:   ct.Conditions,
		PackID:           packID,
		ExecutionMode:    mode,
		AutoApplyOutputs: ct.AutoApply,
		OutputTargets:    ct.Targets,
	}
}

func (cc CatalogChain) toChain() *Chain {
	return &Chain{
		ID:          catalogID("chain", cc.Name),
		Name:        cc.Name,
		Description: cc.Description,
		IsActive:    boolOr(cc.Active, true),
		Steps:       cc.Steps,
	}
}

func catalogID(kind, name string) string {
	return uuid.NewSHA1(catalogNamespace, []byte(kind+":"+name)).String()
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
