package domain

import (
	"fmt"
	"strings"
)

// Sex is the closed set of animal sexes the engine understands.
type Sex string

const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
)

// sexAliases maps accepted spellings (lowercased, whole string) to a Sex.
// Portuguese forms are accepted because registry exports use them.
var sexAliases = map[string]Sex{
	"male":   SexMale,
	"m":      SexMale,
	"macho":  SexMale,
	"female": SexFemale,
	"f":      SexFemale,
	"femea":  SexFemale,
	"fêmea":  SexFemale,
}

// ParseSex validates a sex value at the boundary.
// Unrecognized values fail instead of falling back to a default.
func ParseSex(s string) (Sex, error) {
	if sex, ok := sexAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return sex, nil
	}
	return "", fmt.Errorf("%w: unrecognized sex %q", ErrInvalidInput, s)
}

// Valid reports whether s is one of the two known sexes.
func (s Sex) Valid() bool {
	return s == SexMale || s == SexFemale
}

// AgeBracket identifies a contiguous age range in months.
// Bracket sets differ per sex.
type AgeBracket string

const (
	Bracket0To7 AgeBracket = "0/7"

	// Female ladder
	Bracket7To12  AgeBracket = "7/12"
	Bracket12To18 AgeBracket = "12/18"
	Bracket18To24 AgeBracket = "18/24"
	Bracket24Plus AgeBracket = "24+"

	// Male ladder
	Bracket7To15  AgeBracket = "7/15"
	Bracket15To18 AgeBracket = "15/18"
	Bracket18To22 AgeBracket = "18/22"
	Bracket22Plus AgeBracket = "22+"
)

// AnimalSnapshot is the calculator input. It is owned by the animal
// registry; ID is only carried through as a ledger foreign key.
type AnimalSnapshot struct {
	ID              string `json:"id"`
	AgeMonths       int    `json:"ageMonths"`
	Sex             Sex    `json:"sex"`
	IsIVFOrigin     bool   `json:"isIvfOrigin"`
	HasSurrogateDam bool   `json:"hasSurrogateDam"`
}
