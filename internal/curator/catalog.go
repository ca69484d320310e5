// Package curator is the Workflow Curator (spec.md §4.12, C12): an
// opt-in side pipeline that, on a curator reaction, collects a creator's
// workflow file and surrounding media, classifies it against a canonical
// model catalog, and uploads both to the object store as a durable asset.
package curator

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// CatalogEntry is one selectable model/variant pair in catalog.toml,
// hand-edited rather than learned — the LLM classifier picks among these
// rather than inventing names (SPEC_FULL.md §3: "declarative, hand-edited
// catalog the LLM classifier picks from").
type CatalogEntry struct {
	Name     string   `toml:"name"`
	Variants []string `toml:"variants"`
}

// Catalog is the full set of models curated assets may be tagged with.
type Catalog struct {
	Models []CatalogEntry `toml:"models"`
}

// LoadCatalog reads the TOML catalog file at path. A missing file is not
// an error — classification then falls back to empty model/variant rather than
// blocking the upload (spec.md §4.12 does not make classification a hard
// requirement for the asset row to exist).
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Catalog{}, nil
		}
		return nil, fmt.Errorf("curator: read catalog %s: %w", path, err)
	}
	var c Catalog
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("curator: parse catalog %s: %w", path, err)
	}
	return &c, nil
}

// Names returns every catalog model name, in declaration order, for
// building the classification prompt's option list.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.Models))
	for i, m := range c.Models {
		out[i] = m.Name
	}
	return out
}

// Variants returns the known variants for modelName, or nil if the model
// isn't in the catalog or carries no variants.
func (c *Catalog) Variants(modelName string) []string {
	for _, m := range c.Models {
		if m.Name == modelName {
			return m.Variants
		}
	}
	return nil
}

// Contains reports whether modelName is a catalog entry, used to reject
// an LLM classification that hallucinated a name outside the catalog.
func (c *Catalog) Contains(modelName string) bool {
	for _, m := range c.Models {
		if m.Name == modelName {
			return true
		}
	}
	return false
}
