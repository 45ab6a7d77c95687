// Package rules holds the protocol rule engine: age bracket resolution,
// the rule catalog, inclusion conditions and the cost calculator.
package rules

import (
	"fmt"

	"github.com/beefsync/costengine/internal/domain"
)

// bracketBound is one rung of a bracket ladder. A bracket covers ages up
// to and including upper; the last rung has no upper bound.
type bracketBound struct {
	upper   int
	bracket domain.AgeBracket
}

const unbounded = -1

var ladders = map[domain.Sex][]bracketBound{
	domain.SexFemale: {
		{7, domain.Bracket0To7},
		{12, domain.Bracket7To12},
		{18, domain.Bracket12To18},
		{24, domain.Bracket18To24},
		{unbounded, domain.Bracket24Plus},
	},
	domain.SexMale: {
		{7, domain.Bracket0To7},
		{15, domain.Bracket7To15},
		{18, domain.Bracket15To18},
		{22, domain.Bracket18To22},
		{unbounded, domain.Bracket22Plus},
	},
}

// ResolveBracket maps an age in months and a sex to exactly one bracket.
func ResolveBracket(ageMonths int, sex domain.Sex) (domain.AgeBracket, error) {
	if ageMonths < 0 {
		return "", fmt.Errorf("%w: age must be non-negative, got %d", domain.ErrInvalidInput, ageMonths)
	}
	ladder, ok := ladders[sex]
	if !ok {
		return "", fmt.Errorf("%w: unrecognized sex %q", domain.ErrInvalidInput, sex)
	}
	for _, rung := range ladder {
		if rung.upper == unbounded || ageMonths <= rung.upper {
			return rung.bracket, nil
		}
	}
	// Every ladder ends with an unbounded rung.
	panic("rules: bracket ladder for " + string(sex) + " is not exhaustive")
}

// Brackets lists the brackets of a sex in ascending age order.
func Brackets(sex domain.Sex) ([]domain.AgeBracket, error) {
	ladder, ok := ladders[sex]
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized sex %q", domain.ErrInvalidInput, sex)
	}
	out := make([]domain.AgeBracket, len(ladder))
	for i, rung := range ladder {
		out[i] = rung.bracket
	}
	return out, nil
}

// validBracket reports whether bracket belongs to the ladder of sex.
func validBracket(sex domain.Sex, bracket domain.AgeBracket) bool {
	for _, rung := range ladders[sex] {
		if rung.bracket == bracket {
			return true
		}
	}
	return false
}
