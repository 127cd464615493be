package sources

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultSourceName is the application-wide fallback playback source.
const DefaultSourceName = "vidsrc"

var (
	// ErrUnknownDefaultSource indicates the configured default is not part of the catalog.
	ErrUnknownDefaultSource = errors.New("sources: default source not in catalog")
	// ErrDuplicateSource indicates two catalog entries share a name or numeric id.
	ErrDuplicateSource = errors.New("sources: duplicate catalog entry")
)

// Entry binds a canonical source name to the numeric id older clients used.
type Entry struct {
	Name      string
	NumericID int
}

// DefaultEntries lists the embed providers known to the front end.
func DefaultEntries() []Entry {
	return []Entry{
		{Name: "vidsrc", NumericID: 1},
		{Name: "vidlink", NumericID: 2},
		{Name: "embedsu", NumericID: 3},
		{Name: "autoembed", NumericID: 4},
		{Name: "2embed", NumericID: 5},
		{Name: "multiembed", NumericID: 6},
	}
}

// Catalog is the single normalization boundary between legacy numeric ids and canonical names.
type Catalog struct {
	byID          map[int]string
	byName        map[string]int
	defaultSource string
}

// NewCatalog validates the entries and the default source.
func NewCatalog(entries []Entry, defaultSource string) (*Catalog, error) {
	catalog := &Catalog{
		byID:   make(map[int]string, len(entries)),
		byName: make(map[string]int, len(entries)),
	}
	for _, entry := range entries {
		name := strings.ToLower(strings.TrimSpace(entry.Name))
		if name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrDuplicateSource)
		}
		if _, exists := catalog.byName[name]; exists {
			return nil, fmt.Errorf("%w: name %s", ErrDuplicateSource, name)
		}
		if _, exists := catalog.byID[entry.NumericID]; exists {
			return nil, fmt.Errorf("%w: id %d", ErrDuplicateSource, entry.NumericID)
		}
		catalog.byName[name] = entry.NumericID
		catalog.byID[entry.NumericID] = name
	}

	defaultName := strings.ToLower(strings.TrimSpace(defaultSource))
	if defaultName == "" {
		defaultName = DefaultSourceName
	}
	if _, ok := catalog.byName[defaultName]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefaultSource, defaultName)
	}
	catalog.defaultSource = defaultName
	return catalog, nil
}

// DefaultCatalog returns the built-in catalog with the built-in default source.
func DefaultCatalog() *Catalog {
	catalog, err := NewCatalog(DefaultEntries(), DefaultSourceName)
	if err != nil {
		panic(err)
	}
	return catalog
}

// Canonicalize maps numeric ids to canonical names and lowercases known names.
// Unknown values are returned trimmed but otherwise untouched.
func (c *Catalog) Canonicalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if numericID, err := strconv.Atoi(trimmed); err == nil {
		if name, ok := c.byID[numericID]; ok {
			return name
		}
		return trimmed
	}
	lowered := strings.ToLower(trimmed)
	if _, ok := c.byName[lowered]; ok {
		return lowered
	}
	return trimmed
}

// Known reports whether the canonical name is part of the catalog.
func (c *Catalog) Known(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// NumericID returns the legacy id for a canonical name.
func (c *Catalog) NumericID(name string) (int, bool) {
	numericID, ok := c.byName[name]
	return numericID, ok
}

// Default returns the application-wide default source.
func (c *Catalog) Default() string {
	return c.defaultSource
}

// Entries returns the catalog ordered by numeric id.
func (c *Catalog) Entries() []Entry {
	entries := make([]Entry, 0, len(c.byID))
	for numericID, name := range c.byID {
		entries = append(entries, Entry{Name: name, NumericID: numericID})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].NumericID < entries[j].NumericID
	})
	return entries
}
