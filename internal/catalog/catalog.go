// Package catalog holds the generation styles and credit packages offered to users.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
)

type Style struct {
	ID       string `toml:"id"`
	Name     string `toml:"name"`
	Prompt   string `toml:"prompt"`
	Negative string `toml:"negative"`
	Cost     int    `toml:"cost"`
}

type Package struct {
	ID       string
	Title    string
	Credits  int
	PriceUSD decimal.Decimal
}

type Catalog struct {
	styles   []Style
	packages []Package
}

type file struct {
	Styles   []Style       `toml:"styles"`
	Packages []packageFile `toml:"packages"`
}

type packageFile struct {
	ID       string `toml:"id"`
	Title    string `toml:"title"`
	Credits  int    `toml:"credits"`
	PriceUSD string `toml:"price_usd"`
}

// New validates and wraps the given entries.
func New(styles []Style, packages []Package) (*Catalog, error) {
	seen := make(map[string]bool)
	for _, s := range styles {
		if s.ID == "" || strings.ContainsAny(s.ID, " :") {
			return nil, fmt.Errorf("invalid style id %q", s.ID)
		}
		if seen["style:"+s.ID] {
			return nil, fmt.Errorf("duplicate style %q", s.ID)
		}
		seen["style:"+s.ID] = true
		if s.Cost <= 0 {
			return nil, fmt.Errorf("style %q: cost must be positive", s.ID)
		}
	}
	for _, p := range packages {
		if p.ID == "" || strings.ContainsAny(p.ID, " :") {
			return nil, fmt.Errorf("invalid package id %q", p.ID)
		}
		if seen["pkg:"+p.ID] {
			return nil, fmt.Errorf("duplicate package %q", p.ID)
		}
		seen["pkg:"+p.ID] = true
		if p.Credits <= 0 || !p.PriceUSD.IsPositive() {
			return nil, fmt.Errorf("package %q: credits and price must be positive", p.ID)
		}
	}
	if len(styles) == 0 {
		return nil, fmt.Errorf("catalog has no styles")
	}
	return &Catalog{styles: styles, packages: packages}, nil
}

// Load reads a TOML catalog. An empty path yields the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var f file
	if err := toml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	packages := make([]Package, 0, len(f.Packages))
	for _, p := range f.Packages {
		price, err := decimal.NewFromString(p.PriceUSD)
		if err != nil {
			return nil, fmt.Errorf("package %q: price_usd: %w", p.ID, err)
		}
		packages = append(packages, Package{ID: p.ID, Title: p.Title, Credits: p.Credits, PriceUSD: price})
	}
	if len(packages) == 0 {
		packages = defaultPackages()
	}
	return New(f.Styles, packages)
}

func (c *Catalog) Styles() []Style {
	return append([]Style(nil), c.styles...)
}

func (c *Catalog) Style(id string) (Style, bool) {
	for _, s := range c.styles {
		if s.ID == id {
			return s, true
		}
	}
	return Style{}, false
}

func (c *Catalog) Packages() []Package {
	return append([]Package(nil), c.packages...)
}

func (c *Catalog) Package(id string) (Package, bool) {
	for _, p := range c.packages {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}

// Default is the built-in catalog.
func Default() *Catalog {
	return &Catalog{styles: defaultStyles(), packages: defaultPackages()}
}

func defaultStyles() []Style {
	return []Style{
		{
			ID:       "cyberpunk",
			Name:     "🤖 Киберпанк",
			Prompt:   "cyberpunk style, neon lights, futuristic, tech wear, holographic effects",
			Negative: "boring, plain, old-fashioned",
			Cost:     1,
		},
		{
			ID:       "anime",
			Name:     "🎌 Аниме",
			Prompt:   "anime style, manga art, cel shading, vibrant colors, large expressive eyes",
			Negative: "realistic, photographic, western cartoon",
			Cost:     1,
		},
		{
			ID:       "fantasy",
			Name:     "🧙 Фэнтези",
			Prompt:   "fantasy art, magical, ethereal, mystical lighting, epic character",
			Negative: "modern, mundane, ordinary",
			Cost:     1,
		},
		{
			ID:       "superhero",
			Name:     "🦸 Супергерой",
			Prompt:   "superhero style, dynamic pose, dramatic lighting, powerful, comic book art",
			Negative: "weak, ordinary, civilian clothes",
			Cost:     1,
		},
		{
			ID:       "portrait",
			Name:     "🎨 Арт-портрет",
			Prompt:   "artistic portrait, professional lighting, high quality, masterpiece",
			Negative: "amateur, low quality, blurry",
			Cost:     2,
		},
	}
}

func defaultPackages() []Package {
	return []Package{
		{ID: "s", Title: "10 кредитов", Credits: 10, PriceUSD: decimal.RequireFromString("5")},
		{ID: "m", Title: "30 кредитов", Credits: 30, PriceUSD: decimal.RequireFromString("12")},
		{ID: "l", Title: "100 кредитов", Credits: 100, PriceUSD: decimal.RequireFromString("35")},
	}
}
