// Package tier maps lifetime-earned points onto loyalty tiers.
//
// A Table is validated once when it is built; Resolve never fails on a
// valid table.
package tier

import (
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Tier is one band [MinPoints, MaxPoints). A nil MaxPoints is open-ended.
type Tier struct {
	Name       string          `json:"name"`
	MinPoints  int64           `json:"min_points"`
	MaxPoints  *int64          `json:"max_points,omitempty"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Benefits   []string        `json:"benefits"`
}

// Contains reports whether points falls inside the band.
func (t Tier) Contains(points int64) bool {
	if points < t.MinPoints {
		return false
	}
	return t.MaxPoints == nil || points < *t.MaxPoints
}

// Table is an ordered partition of the non-negative integers.
type Table struct {
	tiers []Tier
}

// NewTable sorts and validates tiers. The bands must start at zero, be
// contiguous, and only the last may be open-ended.
func NewTable(tiers []Tier) (*Table, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier table is empty")
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinPoints < sorted[j].MinPoints })

	names := make(map[string]bool, len(sorted))
	for i, t := range sorted {
		if t.Name == "" {
			return nil, fmt.Errorf("tier %d has no name", i)
		}
		if names[t.Name] {
			return nil, fmt.Errorf("duplicate tier name %q", t.Name)
		}
		names[t.Name] = true

		if !t.Multiplier.IsPositive() {
			return nil, fmt.Errorf("tier %q: multiplier must be positive", t.Name)
		}
		if i == 0 && t.MinPoints != 0 {
			return nil, fmt.Errorf("tier %q: lowest tier must start at 0, starts at %d", t.Name, t.MinPoints)
		}
		last := i == len(sorted)-1
		if t.MaxPoints == nil {
			if !last {
				return nil, fmt.Errorf("tier %q: only the highest tier may be open-ended", t.Name)
			}
			continue
		}
		if *t.MaxPoints <= t.MinPoints {
			return nil, fmt.Errorf("tier %q: max_points %d must exceed min_points %d", t.Name, *t.MaxPoints, t.MinPoints)
		}
		if last {
			return nil, fmt.Errorf("tier %q: highest tier must be open-ended", t.Name)
		}
		if next := sorted[i+1].MinPoints; next != *t.MaxPoints {
			if next < *t.MaxPoints {
				return nil, fmt.Errorf("tiers %q and %q overlap", t.Name, sorted[i+1].Name)
			}
			return nil, fmt.Errorf("gap between tiers %q and %q", t.Name, sorted[i+1].Name)
		}
	}
	return &Table{tiers: sorted}, nil
}

// Resolve returns the tier containing lifetimeEarned. Negative input is
// treated as zero.
func (t *Table) Resolve(lifetimeEarned int64) Tier {
	if lifetimeEarned < 0 {
		lifetimeEarned = 0
	}
	// First tier whose lower bound is above the input; the answer is the one before it.
	i := sort.Search(len(t.tiers), func(i int) bool { return t.tiers[i].MinPoints > lifetimeEarned })
	return t.tiers[i-1]
}

// Tiers returns a copy of the bands in ascending order.
func (t *Table) Tiers() []Tier {
	out := make([]Tier, len(t.tiers))
	copy(out, t.tiers)
	return out
}

func bound(v int64) *int64 { return &v }

// Default is the table used when no tier file is configured.
func Default() *Table {
	t, err := NewTable([]Tier{
		{Name: "Bronze", MinPoints: 0, MaxPoints: bound(1000), Multiplier: decimal.NewFromInt(1),
			Benefits: []string{"Earn 1x points"}},
		{Name: "Silver", MinPoints: 1000, MaxPoints: bound(5000), Multiplier: decimal.RequireFromString("1.25"),
			Benefits: []string{"Earn 1.25x points", "Birthday reward"}},
		{Name: "Gold", MinPoints: 5000, MaxPoints: bound(20000), Multiplier: decimal.RequireFromString("1.5"),
			Benefits: []string{"Earn 1.5x points", "Birthday reward", "Free delivery weekends"}},
		{Name: "Platinum", MinPoints: 20000, Multiplier: decimal.NewFromInt(2),
			Benefits: []string{"Earn 2x points", "Birthday reward", "Free delivery", "Priority support"}},
	})
	if err != nil {
		panic(err)
	}
	return t
}

type fileTier struct {
	Name       string   `yaml:"name"`
	MinPoints  int64    `yaml:"min_points"`
	MaxPoints  *int64   `yaml:"max_points"`
	Multiplier string   `yaml:"multiplier"`
	Benefits   []string `yaml:"benefits"`
}

type file struct {
	Tiers []fileTier `yaml:"tiers"`
}

// Parse builds a table from YAML of the form
//
//	tiers:
//	  - name: Bronze
//	    min_points: 0
//	    max_points: 1000
//	    multiplier: "1"
//	    benefits: ["Earn 1x points"]
func Parse(data []byte) (*Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tiers: %w", err)
	}
	tiers := make([]Tier, 0, len(f.Tiers))
	for _, ft := range f.Tiers {
		m := ft.Multiplier
		if m == "" {
			m = "1"
		}
		mult, err := decimal.NewFromString(m)
		if err != nil {
			return nil, fmt.Errorf("tier %q: multiplier: %w", ft.Name, err)
		}
		tiers = append(tiers, Tier{
			Name:       ft.Name,
			MinPoints:  ft.MinPoints,
			MaxPoints:  ft.MaxPoints,
			Multiplier: mult,
			Benefits:   ft.Benefits,
		})
	}
	return NewTable(tiers)
}

// LoadFile reads and validates a YAML tier file.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers: %w", err)
	}
	return Parse(data)
}
