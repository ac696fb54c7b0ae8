// Package catalog defines the monitored assets and the per-asset
// validation of candidate vulnerability records.
package catalog

import (
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

// Asset is a monitored vendor/product entry. The first keyword is the
// primary broad search term for the vulnerability database; the CPE
// vendor/product pair, when present, drives an additional platform
// search. The remaining keywords refine client-side matching against
// the exploited-vulnerability catalog.
type Asset struct {
	ID         string   `yaml:"id" json:"id"`
	Name       string   `yaml:"name" json:"name"`
	Vendor     string   `yaml:"vendor" json:"vendor"`
	CPEVendor  string   `yaml:"cpe_vendor,omitempty" json:"cpeVendor,omitempty"`
	CPEProduct string   `yaml:"cpe_product,omitempty" json:"cpeProduct,omitempty"`
	Keywords   []string `yaml:"keywords" json:"keywords"`
}

// PrimaryKeyword returns the broad search term used against the primary
// source.
func (a Asset) PrimaryKeyword() string {
	if len(a.Keywords) == 0 {
		return ""
	}
	return a.Keywords[0]
}

// HasCPE reports whether the asset carries a CPE vendor/product pair.
func (a Asset) HasCPE() bool {
	return a.CPEVendor != "" && a.CPEProduct != ""
}

// Catalog is the ordered set of monitored assets. The order is the order
// of the catalog file and determines batch membership.
type Catalog struct {
	assets []Asset
}

// Load reads and validates the asset catalog. An unreadable, empty or
// malformed catalog is a startup error.
func Load(fs afero.Fs, path string) (*Catalog, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, xerrors.Errorf("failed to read asset catalog %s: %w", path, err)
	}

	var doc struct {
		Assets []Asset `yaml:"assets"`
	}
	if err := yaml.UnmarshalStrict(b, &doc); err != nil {
		return nil, xerrors.Errorf("failed to parse asset catalog %s: %w", path, err)
	}
	if len(doc.Assets) == 0 {
		return nil, xerrors.Errorf("asset catalog %s contains no assets", path)
	}

	seen := make(map[string]struct{}, len(doc.Assets))
	for _, a := range doc.Assets {
		if a.ID == "" {
			return nil, xerrors.Errorf("asset catalog %s: asset with empty id", path)
		}
		if _, ok := seen[a.ID]; ok {
			return nil, xerrors.Errorf("asset catalog %s: duplicate asset id %q", path, a.ID)
		}
		seen[a.ID] = struct{}{}
		if len(a.Keywords) == 0 && !a.HasCPE() {
			return nil, xerrors.Errorf("asset catalog %s: asset %q has neither keywords nor a CPE pair", path, a.ID)
		}
	}

	return &Catalog{assets: doc.Assets}, nil
}

// Assets returns a copy of the catalog in file order.
func (c *Catalog) Assets() []Asset {
	out := make([]Asset, len(c.assets))
	copy(out, c.assets)
	return out
}

// Asset looks up a catalog entry by id.
func (c *Catalog) Asset(id string) (Asset, bool) {
	for _, a := range c.assets {
		if a.ID == id {
			return a, true
		}
	}
	return Asset{}, false
}

// Len returns the number of monitored assets.
func (c *Catalog) Len() int {
	return len(c.assets)
}
