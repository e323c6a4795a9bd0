// Package selector resolves device, compute-type, and model for a run: the
// hardware-aware half of the system described in the original Python
// implementation's NLLB_SPECS / PARAMS_ALIAS / BYTES_PER_PARAM tables,
// loaded here from an embedded YAML catalog instead of a Go literal table
// (this catalog is the repo's only user of gopkg.in/yaml.v3; configuration
// comes from environment variables).
package selector

import (
	"embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog embed.FS

// ModelSpec is one entry in the static model catalog.
type ModelSpec struct {
	ModelID      string `yaml:"model_id"`
	Label        string `yaml:"label"`
	ParamsM      int    `yaml:"params_m"`
	CPUPractical bool   `yaml:"cpu_practical"`
	SizeAlias    string `yaml:"size_alias"`
}

// PreConvertedRepo names a known public CTranslate2-converted artifact for
// a (model, compute-type) combo.
type PreConvertedRepo struct {
	ModelID     string `yaml:"model_id"`
	ComputeType string `yaml:"compute_type"`
	RepoID      string `yaml:"repo_id"`
}

// StepdownLink is one edge of the fixed stepdown chain.
type StepdownLink struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Catalog is the parsed, static model/compute-type reference data.
type Catalog struct {
	SchemaVersion      int                 `yaml:"schema_version"`
	Models             []ModelSpec         `yaml:"models"`
	BytesPerParam      map[string]int      `yaml:"bytes_per_param"`
	OverheadMB         float64             `yaml:"overhead_mb"`
	PreConvertedRepos  []PreConvertedRepo  `yaml:"pre_converted_repos"`
	StepdownChain      []StepdownLink      `yaml:"stepdown_chain"`
}

// LoadCatalog reads the catalog from path if non-empty, otherwise from the
// embedded default (NLLB_MODEL_CATALOG lets operators point at a different
// file for air-gapped deployments with different artifact mirrors).
func LoadCatalog(path string) (*Catalog, error) {
	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("selector: read catalog %q: %w", path, err)
		}
	} else {
		data, err = embeddedCatalog.ReadFile("catalog.yaml")
		if err != nil {
			return nil, fmt.Errorf("selector: read embedded catalog: %w", err)
		}
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("selector: parse catalog: %w", err)
	}
	if c.SchemaVersion != 1 {
		return nil, fmt.Errorf("selector: unsupported catalog schema_version %d", c.SchemaVersion)
	}
	return &c, nil
}

// BySizeAlias resolves a friendly size alias (600m/1.3b/3.3b, case
// insensitive handled by the caller) to its ModelSpec.
func (c *Catalog) BySizeAlias(alias string) (ModelSpec, bool) {
	for _, m := range c.Models {
		if m.SizeAlias == alias {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// ByModelID resolves a model id to its ModelSpec.
func (c *Catalog) ByModelID(modelID string) (ModelSpec, bool) {
	for _, m := range c.Models {
		if m.ModelID == modelID {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// PreConvertedRepoFor returns the known public artifact repo for a
// (model, compute-type) combo, if the catalog has one.
func (c *Catalog) PreConvertedRepoFor(modelID, computeType string) (string, bool) {
	for _, r := range c.PreConvertedRepos {
		if r.ModelID == modelID && r.ComputeType == computeType {
			return r.RepoID, true
		}
	}
	return "", false
}

// NextInChain returns the next-smaller model for the fixed stepdown chain,
// and false if the chain has no entry for modelID. An entry with an empty
// "to" means the chain is exhausted from modelID (second return true, model
// empty).
func (c *Catalog) NextInChain(modelID string) (string, bool) {
	for _, link := range c.StepdownChain {
		if link.From == modelID {
			return link.To, true
		}
	}
	return "", false
}

// EstimateMemoryMB implements spec §4.5's memory estimate formula:
// params_m * bytes_per_param * 10^6 / 2^20 + overhead_mb.
func (c *Catalog) EstimateMemoryMB(spec ModelSpec, computeType string) float64 {
	bpp, ok := c.BytesPerParam[computeType]
	if !ok {
		bpp = 4 // float32 fallback, matching the original implementation's BYTES_PER_PARAM.get(precision, 4)
	}
	return float64(spec.ParamsM)*float64(bpp)*1_000_000/(1024*1024) + c.OverheadMB
}

// ModelsLargestFirst returns the catalog's models in the order auto-select
// iterates them (the catalog file is already sorted largest-first).
func (c *Catalog) ModelsLargestFirst() []ModelSpec {
	return c.Models
}
