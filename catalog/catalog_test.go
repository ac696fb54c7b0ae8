package catalog_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnwatch/vulnwatch/catalog"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantAssets int
		wantErr    string
	}{
		{
			name: "happy path",
			content: `assets:
  - id: cisco-ios
    name: IOS
    vendor: Cisco
    cpe_vendor: cisco
    cpe_product: ios
    keywords: ["Cisco IOS", "IOS XE"]
  - id: apache-httpd
    name: HTTP Server
    vendor: Apache
    keywords: ["Apache HTTP Server"]
`,
			wantAssets: 2,
		},
		{
			name: "cpe only",
			content: `assets:
  - id: f5-bigip
    name: BIG-IP
    vendor: F5
    cpe_vendor: f5
    cpe_product: big-ip_access_policy_manager
`,
			wantAssets: 1,
		},
		{
			name:    "empty catalog",
			content: "assets: []\n",
			wantErr: "contains no assets",
		},
		{
			name: "duplicate id",
			content: `assets:
  - id: cisco-ios
    keywords: ["Cisco IOS"]
  - id: cisco-ios
    keywords: ["IOS XE"]
`,
			wantErr: `duplicate asset id "cisco-ios"`,
		},
		{
			name: "missing id",
			content: `assets:
  - vendor: Cisco
    keywords: ["Cisco IOS"]
`,
			wantErr: "asset with empty id",
		},
		{
			name: "no search terms",
			content: `assets:
  - id: cisco-ios
    name: IOS
    vendor: Cisco
`,
			wantErr: "neither keywords nor a CPE pair",
		},
		{
			name: "cpe vendor without product",
			content: `assets:
  - id: cisco-ios
    name: IOS
    vendor: Cisco
    cpe_vendor: cisco
`,
			wantErr: "neither keywords nor a CPE pair",
		},
		{
			name: "unknown field",
			content: `assets:
  - id: cisco-ios
    keywords: ["Cisco IOS"]
    severity: high
`,
			wantErr: "failed to parse asset catalog",
		},
		{
			name:    "malformed yaml",
			content: "assets: [",
			wantErr: "failed to parse asset catalog",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "assets.yaml", []byte(tt.content), 0o644))

			c, err := catalog.Load(fs, "assets.yaml")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAssets, c.Len())
			assert.Len(t, c.Assets(), tt.wantAssets)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := catalog.Load(afero.NewMemMapFs(), "nope.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read asset catalog")
	})
}

func TestAssetHelpers(t *testing.T) {
	a := catalog.Asset{
		ID:         "cisco-ios",
		Keywords:   []string{"Cisco IOS", "IOS XE"},
		CPEVendor:  "cisco",
		CPEProduct: "ios",
	}
	assert.Equal(t, "Cisco IOS", a.PrimaryKeyword())
	assert.True(t, a.HasCPE())

	b := catalog.Asset{ID: "bare"}
	assert.Empty(t, b.PrimaryKeyword())
	assert.False(t, b.HasCPE())
}

func TestAssetsReturnsCopy(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := `assets:
  - id: cisco-ios
    name: IOS
    vendor: Cisco
    keywords: ["Cisco IOS"]
`
	require.NoError(t, afero.WriteFile(fs, "assets.yaml", []byte(content), 0o644))

	c, err := catalog.Load(fs, "assets.yaml")
	require.NoError(t, err)

	got := c.Assets()
	got[0].ID = "mutated"
	assert.Equal(t, "cisco-ios", c.Assets()[0].ID)
}
