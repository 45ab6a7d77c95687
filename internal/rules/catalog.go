package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/beefsync/costengine/internal/domain"
)

type protocolKey struct {
	sex     domain.Sex
	bracket domain.AgeBracket
}

// Catalog is the read-only rule table: protocols per (sex, bracket) and
// priced entries per item name. It is immutable after NewCatalog and safe
// for concurrent use without locking.
type Catalog struct {
	protocols map[protocolKey]domain.ProtocolDefinition
	entries   map[string]domain.CatalogEntry
	dangling  []string
	digest    string
}

// NewCatalog validates and indexes the given tables.
//
// Protocol items that reference unknown entries are accepted; they are
// skipped at calculation time and reported by DanglingItems.
func NewCatalog(protocols []domain.ProtocolDefinition, entries []domain.CatalogEntry) (c *Catalog, err error) {
	c = &Catalog{
		protocols: make(map[protocolKey]domain.ProtocolDefinition, len(protocols)),
		entries:   make(map[string]domain.CatalogEntry, len(entries)),
	}

	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: catalog entry name is required", domain.ErrInvalidInput)
		}
		if _, dup := c.entries[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate catalog entry %q", domain.ErrInvalidInput, e.Name)
		}
		if e.UnitPrice.IsNegative() || e.PerAnimalCost.IsNegative() {
			return nil, fmt.Errorf("%w: catalog entry %q has a negative price", domain.ErrInvalidInput, e.Name)
		}
		c.entries[e.Name] = e
	}

	seen := make(map[string]bool)
	for _, p := range protocols {
		if !p.Sex.Valid() {
			return nil, fmt.Errorf("%w: protocol %q has unrecognized sex %q", domain.ErrInvalidInput, p.Name, p.Sex)
		}
		if !validBracket(p.Sex, p.Bracket) {
			return nil, fmt.Errorf("%w: protocol %q: bracket %q is not a %s bracket", domain.ErrInvalidInput, p.Name, p.Bracket, p.Sex)
		}
		key := protocolKey{p.Sex, p.Bracket}
		if _, dup := c.protocols[key]; dup {
			return nil, fmt.Errorf("%w: duplicate protocol for %s %s", domain.ErrInvalidInput, p.Sex, p.Bracket)
		}
		for i, item := range p.Items {
			if err := validateItem(item); err != nil {
				return nil, fmt.Errorf("protocol %q item %d: %w", p.Name, i, err)
			}
			if _, ok := c.entries[item.Item]; !ok && !seen[item.Item] {
				seen[item.Item] = true
				c.dangling = append(c.dangling, item.Item)
			}
		}
		c.protocols[key] = cloneProtocol(p)
	}
	sort.Strings(c.dangling)

	c.digest, err = c.fingerprint()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func validateItem(item domain.ProtocolItem) error {
	if item.Item == "" {
		return fmt.Errorf("%w: item name is required", domain.ErrInvalidInput)
	}
	if _, err := domain.ParseCondition(string(item.Condition)); err != nil {
		return err
	}
	if item.Conditional() {
		if !item.Quantity.IsZero() {
			return fmt.Errorf("%w: conditional item %q must not carry a quantity", domain.ErrInvalidInput, item.Item)
		}
		return nil
	}
	if !item.Quantity.IsPositive() {
		return fmt.Errorf("%w: item %q needs a positive quantity", domain.ErrInvalidInput, item.Item)
	}
	return nil
}

// Protocol returns the protocol for a sex and bracket.
func (c *Catalog) Protocol(sex domain.Sex, bracket domain.AgeBracket) (domain.ProtocolDefinition, bool) {
	p, ok := c.protocols[protocolKey{sex, bracket}]
	if !ok {
		return domain.ProtocolDefinition{}, false
	}
	return cloneProtocol(p), true
}

// Entry returns the catalog entry for an item name.
func (c *Catalog) Entry(name string) (domain.CatalogEntry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Protocols lists every protocol, female first, each ladder in age order.
func (c *Catalog) Protocols() []domain.ProtocolDefinition {
	var out []domain.ProtocolDefinition
	for _, sex := range []domain.Sex{domain.SexFemale, domain.SexMale} {
		for _, rung := range ladders[sex] {
			if p, ok := c.protocols[protocolKey{sex, rung.bracket}]; ok {
				out = append(out, cloneProtocol(p))
			}
		}
	}
	return out
}

// Entries lists every catalog entry sorted by name.
func (c *Catalog) Entries() []domain.CatalogEntry {
	out := make([]domain.CatalogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DanglingItems lists item names referenced by protocols but missing
// from the catalog, sorted.
func (c *Catalog) DanglingItems() []string {
	return append([]string(nil), c.dangling...)
}

func cloneProtocol(p domain.ProtocolDefinition) domain.ProtocolDefinition {
	p.Items = append([]domain.ProtocolItem(nil), p.Items...)
	return p
}

// Fingerprint identifies the catalog contents. Two catalogs with the same
// tables share a fingerprint.
func (c *Catalog) Fingerprint() string {
	return c.digest
}

func (c *Catalog) fingerprint() (string, error) {
	data, err := json.Marshal(struct {
		Protocols []domain.ProtocolDefinition
		Entries   []domain.CatalogEntry
	}{c.Protocols(), c.Entries()})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint catalog: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:6]), nil
}
