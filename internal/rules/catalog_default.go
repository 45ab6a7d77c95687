package rules

import (
	"github.com/shopspring/decimal"

	"github.com/beefsync/costengine/internal/domain"
)

// Item names with dedicated rules outside the protocol tables.
const (
	ItemDNAPaternity = "DNA Virgem (Paternidade)"
	ItemDNAGenomic   = "DNA Genômico"
)

const (
	itemIvermectin   = "Vermífugo Ivermectina 1%"
	itemClostridial  = "Vacina Clostridiose"
	itemBrucellosis  = "Vacina Brucelose (B19)"
	itemRabies       = "Vacina Raiva"
	itemLepto        = "Vacina Leptospirose"
	itemIBRBVD       = "Vacina IBR/BVD"
	itemTickControl  = "Carrapaticida Pour-on"
	itemMineral      = "Suplemento Mineral"
	itemCreepFeed    = "Ração Inicial (Creep Feeding)"
	itemVitaminADE   = "Vitamina ADE"
	itemIVFFee       = "Taxa Registro FIV"
	itemRecipientVet = "Acompanhamento Receptora"
	itemTagging      = "Identificação Brinco/Chip"
	itemAndrological = "Exame Andrológico"
	itemGynecologic  = "Exame Ginecológico"
	itemFTAISync     = "Sincronização IATF"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fixed(item, qty, unit string) domain.ProtocolItem {
	return domain.ProtocolItem{Item: item, Quantity: dec(qty), Unit: unit}
}

func when(item string, cond domain.Condition, unit string) domain.ProtocolItem {
	return domain.ProtocolItem{Item: item, Unit: unit, Condition: cond}
}

// DefaultCatalogEntries is the built-in price sheet.
func DefaultCatalogEntries() []domain.CatalogEntry {
	return []domain.CatalogEntry{
		{Name: itemIvermectin, UnitPrice: dec("89.90"), Unit: "frasco 500 ml", PerAnimalCost: dec("4.50")},
		{Name: itemClostridial, UnitPrice: dec("62.00"), Unit: "frasco 50 doses", PerAnimalCost: dec("1.24")},
		{Name: itemBrucellosis, UnitPrice: dec("38.00"), Unit: "frasco 10 doses", PerAnimalCost: dec("3.80")},
		{Name: itemRabies, UnitPrice: dec("45.00"), Unit: "frasco 25 doses", PerAnimalCost: dec("1.80")},
		{Name: itemLepto, UnitPrice: dec("95.00"), Unit: "frasco 50 doses", PerAnimalCost: dec("1.90")},
		{Name: itemIBRBVD, UnitPrice: dec("180.00"), Unit: "frasco 50 doses", PerAnimalCost: dec("3.60")},
		{Name: itemTickControl, UnitPrice: dec("210.00"), Unit: "litro", PerAnimalCost: dec("6.30")},
		{Name: itemMineral, UnitPrice: dec("145.00"), Unit: "saco 25 kg", PerAnimalCost: dec("5.80")},
		{Name: itemCreepFeed, UnitPrice: dec("98.00"), Unit: "saco 40 kg", PerAnimalCost: dec("2.45")},
		{Name: itemVitaminADE, UnitPrice: dec("120.00"), Unit: "frasco 250 ml", PerAnimalCost: dec("2.40")},
		{Name: itemIVFFee, UnitPrice: dec("120.00"), Unit: "taxa", PerAnimalCost: dec("120.00")},
		{Name: itemRecipientVet, UnitPrice: dec("85.00"), Unit: "visita", PerAnimalCost: dec("85.00")},
		{Name: itemTagging, UnitPrice: dec("14.50"), Unit: "unidade", PerAnimalCost: dec("14.50")},
		{Name: itemAndrological, UnitPrice: dec("250.00"), Unit: "exame", PerAnimalCost: dec("250.00")},
		{Name: itemGynecologic, UnitPrice: dec("150.00"), Unit: "exame", PerAnimalCost: dec("150.00")},
		{Name: itemFTAISync, UnitPrice: dec("65.00"), Unit: "protocolo", PerAnimalCost: dec("65.00")},
		{Name: ItemDNAPaternity, UnitPrice: dec("60.00"), Unit: "exame", PerAnimalCost: dec("60.00")},
		{Name: ItemDNAGenomic, UnitPrice: dec("95.00"), Unit: "exame", PerAnimalCost: dec("95.00")},
	}
}

// calfItems is shared by both sexes in the 0/7 bracket.
func calfItems() []domain.ProtocolItem {
	return []domain.ProtocolItem{
		fixed(itemIvermectin, "1", "dose"),
		fixed(itemClostridial, "2", "dose"),
		fixed(itemVitaminADE, "1", "dose"),
		fixed(itemCreepFeed, "20", "kg"),
		when(itemIVFFee, domain.ConditionIVFOnly, "taxa"),
		when(itemRecipientVet, domain.ConditionIVFOrSurrogate, "visita"),
		when(itemTagging, domain.ConditionAgeZeroToSeven, "unidade"),
	}
}

// DefaultProtocols is the built-in protocol table. Males over 22 months
// have no protocol.
func DefaultProtocols() []domain.ProtocolDefinition {
	return []domain.ProtocolDefinition{
		{
			Sex:     domain.SexFemale,
			Bracket: domain.Bracket0To7,
			Name:    "Protocolo Bezerra 0-7 meses",
			Items:   calfItems(),
		},
		{
			Sex:     domain.SexFemale,
			Bracket: domain.Bracket7To12,
			Name:    "Protocolo Novilha 7-12 meses",
			Items: []domain.ProtocolItem{
				fixed(itemBrucellosis, "1", "dose"),
				fixed(itemIvermectin, "1", "dose"),
				fixed(itemClostridial, "1", "dose"),
				fixed(itemTickControl, "1", "aplicação"),
				fixed(itemMineral, "12", "kg"),
			},
		},
		{
			Sex:     domain.SexFemale,
			Bracket: domain.Bracket12To18,
			Name:    "Protocolo Novilha 12-18 meses",
			Items: []domain.ProtocolItem{
				fixed(itemIvermectin, "1", "dose"),
				fixed(itemLepto, "1", "dose"),
				fixed(itemRabies, "1", "dose"),
				fixed(itemMineral, "15", "kg"),
			},
		},
		{
			Sex:     domain.SexFemale,
			Bracket: domain.Bracket18To24,
			Name:    "Protocolo Novilha 18-24 meses",
			Items: []domain.ProtocolItem{
				fixed(itemGynecologic, "1", "exame"),
				fixed(itemFTAISync, "1", "protocolo"),
				fixed(itemIBRBVD, "1", "dose"),
				fixed(itemIvermectin, "1", "dose"),
			},
		},
		{
			Sex:     domain.SexFemale,
			Bracket: domain.Bracket24Plus,
			Name:    "Protocolo Matriz 24+ meses",
			Items: []domain.ProtocolItem{
				fixed(itemIBRBVD, "1", "dose"),
				fixed(itemLepto, "1", "dose"),
				fixed(itemIvermectin, "1", "dose"),
			},
		},
		{
			Sex:     domain.SexMale,
			Bracket: domain.Bracket0To7,
			Name:    "Protocolo Bezerro 0-7 meses",
			Items:   calfItems(),
		},
		{
			Sex:     domain.SexMale,
			Bracket: domain.Bracket7To15,
			Name:    "Protocolo Garrote 7-15 meses",
			Items: []domain.ProtocolItem{
				fixed(itemIvermectin, "1", "dose"),
				fixed(itemClostridial, "1", "dose"),
				fixed(itemTickControl, "1", "aplicação"),
				fixed(itemMineral, "12", "kg"),
			},
		},
		{
			Sex:     domain.SexMale,
			Bracket: domain.Bracket15To18,
			Name:    "Protocolo Garrote 15-18 meses",
			Items: []domain.ProtocolItem{
				fixed(itemIvermectin, "1", "dose"),
				fixed(itemRabies, "1", "dose"),
				fixed(itemMineral, "15", "kg"),
			},
		},
		{
			Sex:     domain.SexMale,
			Bracket: domain.Bracket18To22,
			Name:    "Protocolo Touro Jovem 18-22 meses",
			Items: []domain.ProtocolItem{
				fixed(itemAndrological, "1", "exame"),
				fixed(itemLepto, "1", "dose"),
				fixed(itemIBRBVD, "1", "dose"),
				fixed(itemIvermectin, "1", "dose"),
			},
		},
	}
}

// DefaultCatalog builds the catalog from the built-in tables.
func DefaultCatalog() (*Catalog, error) {
	return NewCatalog(DefaultProtocols(), DefaultCatalogEntries())
}
