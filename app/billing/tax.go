package billing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

type TaxComponent struct {
	Name    string
	Percent decimal.Decimal
}

type Amounts struct {
	BasePaise    int64
	TaxPaise     int64
	TotalPaise   int64
	TaxBreakdown map[string]int64
}

var hundred = decimal.NewFromInt(100)

// ParseTaxComponents reads a list like "CGST:9,SGST:9". An empty list means no tax.
func ParseTaxComponents(raw string) ([]TaxComponent, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	seen := map[string]bool{}
	components := make([]TaxComponent, 0, 2)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, rate, ok := strings.Cut(part, ":")
		name = strings.ToUpper(strings.TrimSpace(name))
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid tax component %q", part)
		}
		percent, err := decimal.NewFromString(strings.TrimSpace(rate))
		if err != nil {
			return nil, fmt.Errorf("invalid tax rate for %s: %w", name, err)
		}
		if percent.IsNegative() {
			return nil, fmt.Errorf("negative tax rate for %s", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate tax component %s", name)
		}
		seen[name] = true
		components = append(components, TaxComponent{Name: name, Percent: percent})
	}
	sort.SliceStable(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	return components, nil
}

// Compute applies each component to the base amount and rounds per component to whole paise.
func Compute(basePaise int64, components []TaxComponent) Amounts {
	base := decimal.NewFromInt(basePaise)
	breakdown := make(map[string]int64, len(components))
	var taxTotal int64
	for _, c := range components {
		share := base.Mul(c.Percent).Div(hundred).Round(0).IntPart()
		breakdown[c.Name] = share
		taxTotal += share
	}
	return Amounts{
		BasePaise:    basePaise,
		TaxPaise:     taxTotal,
		TotalPaise:   basePaise + taxTotal,
		TaxBreakdown: breakdown,
	}
}

// FormatPaise renders a paise amount as a decimal string, e.g. 58882 -> "588.82".
func FormatPaise(paise int64) string {
	return decimal.New(paise, -2).StringFixed(2)
}
