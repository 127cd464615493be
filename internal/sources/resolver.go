package sources

import "strings"

// Tier names the precedence level that produced a resolved source.
type Tier string

const (
	// TierOverride is a per-title source the viewer picked explicitly.
	TierOverride Tier = "override"
	// TierRow is the source recorded on the watch-history row.
	TierRow Tier = "row"
	// TierPreference is the viewer's global last used source.
	TierPreference Tier = "preference"
	// TierDefault is the application-wide default.
	TierDefault Tier = "default"
)

// ResolveInput carries every candidate for one watch-history row.
type ResolveInput struct {
	Override        string
	RowSource       string
	PreferredSource string
}

// Resolution is the source a row resumes with and where it came from.
type Resolution struct {
	Source string
	Tier   Tier
}

// Resolve applies the resume precedence: override, row, preference, default.
// There is no grace window between tiers; the most specific non-empty value wins.
func (c *Catalog) Resolve(input ResolveInput) Resolution {
	if source := c.Canonicalize(input.Override); source != "" {
		return Resolution{Source: source, Tier: TierOverride}
	}
	if source := c.Canonicalize(input.RowSource); source != "" {
		return Resolution{Source: source, Tier: TierRow}
	}
	if source := c.Canonicalize(input.PreferredSource); source != "" {
		return Resolution{Source: source, Tier: TierPreference}
	}
	return Resolution{Source: c.defaultSource, Tier: TierDefault}
}

func sameSource(left, right string) bool {
	return strings.EqualFold(strings.TrimSpace(left), strings.TrimSpace(right))
}
