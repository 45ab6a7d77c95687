package rules

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/beefsync/costengine/internal/domain"
)

// catalogFile matches the YAML layout of an external cost sheet:
//
//	entries:
//	  - name: Vacina Raiva
//	    unit_price: "45.00"
//	    unit: frasco 25 doses
//	    per_animal_cost: "1.80"
//	protocols:
//	  - sex: male
//	    bracket: 15/18
//	    name: Protocolo Garrote
//	    items:
//	      - item: Vacina Raiva
//	        quantity: "1"
//	        unit: dose
//	      - item: Taxa Registro FIV
//	        condition: IVF_ONLY
type catalogFile struct {
	Entries   []yamlEntry    `yaml:"entries"`
	Protocols []yamlProtocol `yaml:"protocols"`
}

type yamlEntry struct {
	Name          string `yaml:"name"`
	UnitPrice     string `yaml:"unit_price"`
	Unit          string `yaml:"unit"`
	PerAnimalCost string `yaml:"per_animal_cost"`
}

type yamlProtocol struct {
	Sex     string     `yaml:"sex"`
	Bracket string     `yaml:"bracket"`
	Name    string     `yaml:"name"`
	Items   []yamlItem `yaml:"items"`
}

type yamlItem struct {
	Item      string `yaml:"item"`
	Quantity  string `yaml:"quantity,omitempty"`
	Unit      string `yaml:"unit,omitempty"`
	Condition string `yaml:"condition,omitempty"`
}

// LoadCatalogFile reads a YAML cost sheet and builds a Catalog from it.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog file %s: %w", path, err)
	}
	return cat, nil
}

// ParseCatalog builds a Catalog from YAML bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	var raw catalogFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", domain.ErrInvalidInput, err)
	}

	entries := make([]domain.CatalogEntry, 0, len(raw.Entries))
	for _, e := range raw.Entries {
		unitPrice, err := parseAmount(e.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("entry %q unit_price: %w", e.Name, err)
		}
		perAnimal, err := parseAmount(e.PerAnimalCost)
		if err != nil {
			return nil, fmt.Errorf("entry %q per_animal_cost: %w", e.Name, err)
		}
		entries = append(entries, domain.CatalogEntry{
			Name:          e.Name,
			UnitPrice:     unitPrice,
			Unit:          e.Unit,
			PerAnimalCost: perAnimal,
		})
	}

	protocols := make([]domain.ProtocolDefinition, 0, len(raw.Protocols))
	for _, p := range raw.Protocols {
		sex, err := domain.ParseSex(p.Sex)
		if err != nil {
			return nil, fmt.Errorf("protocol %q: %w", p.Name, err)
		}
		def := domain.ProtocolDefinition{
			Sex:     sex,
			Bracket: domain.AgeBracket(p.Bracket),
			Name:    p.Name,
		}
		for _, it := range p.Items {
			cond, err := domain.ParseCondition(it.Condition)
			if err != nil {
				return nil, fmt.Errorf("protocol %q item %q: %w", p.Name, it.Item, err)
			}
			qty := decimal.Zero
			if it.Quantity != "" {
				if qty, err = parseAmount(it.Quantity); err != nil {
					return nil, fmt.Errorf("protocol %q item %q quantity: %w", p.Name, it.Item, err)
				}
			}
			def.Items = append(def.Items, domain.ProtocolItem{
				Item:      it.Item,
				Quantity:  qty,
				Unit:      it.Unit,
				Condition: cond,
			})
		}
		protocols = append(protocols, def)
	}

	return NewCatalog(protocols, entries)
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a decimal amount", domain.ErrInvalidInput, s)
	}
	return d, nil
}
