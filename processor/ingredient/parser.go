package ingredient

import (
	"context"
	"fmt"
	"strings"

	"github.com/awehrman/peas-sub008/model"
)

// LineParser is the narrow grammar contract: one ingredient line in,
// ordered segments out. The default implementation is a rule-based
// segmenter; a grammar-backed parser can replace it.
type LineParser interface {
	ParseLine(ctx context.Context, line string) ([]model.Segment, error)
}

// RuleParser is the built-in segmenter. It recognizes a leading amount
// (digits, fractions, ranges), a unit from a closed set, a trailing
// comma comment, and treats the remainder as the ingredient.
type RuleParser struct{}

// NewRuleParser returns the default parser.
func NewRuleParser() *RuleParser { return &RuleParser{} }

var knownUnits = map[string]bool{
	"cup": true, "cups": true,
	"tablespoon": true, "tablespoons": true, "tbsp": true,
	"teaspoon": true, "teaspoons": true, "tsp": true,
	"ounce": true, "ounces": true, "oz": true,
	"pound": true, "pounds": true, "lb": true, "lbs": true,
	"gram": true, "grams": true, "g": true,
	"kilogram": true, "kilograms": true, "kg": true,
	"milliliter": true, "milliliters": true, "ml": true,
	"liter": true, "liters": true, "l": true,
	"pinch": true, "dash": true, "clove": true, "cloves": true,
	"slice": true, "slices": true, "can": true, "cans": true,
	"bunch": true, "bunches": true, "stick": true, "sticks": true,
}

func isAmountToken(tok string) bool {
	if tok == "" {
		return false
	}
	for _, r := range tok {
		switch {
		case r >= '0' && r <= '9':
		case r == '/' || r == '.' || r == '-':
		case r == '½' || r == '⅓' || r == '¼' || r == '¾' || r == '⅔':
		default:
			return false
		}
	}
	return true
}

// ParseLine segments a line into amount/unit/ingredient/comment spans.
// Lines with no recognizable structure come back as a single ingredient
// segment; blank lines are an error.
func (p *RuleParser) ParseLine(_ context.Context, line string) ([]model.Segment, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("parse line: empty input")
	}

	rest := line
	comment := ""
	if idx := strings.Index(rest, ","); idx >= 0 {
		comment = strings.TrimSpace(rest[idx+1:])
		rest = strings.TrimSpace(rest[:idx])
	}

	tokens := strings.Fields(rest)
	var segments []model.Segment
	i := 0

	var amountTokens []string
	for i < len(tokens) && isAmountToken(tokens[i]) {
		amountTokens = append(amountTokens, tokens[i])
		i++
	}
	if len(amountTokens) > 0 {
		segments = append(segments, model.Segment{
			Rule: "#1_amount", Type: "amount", Value: strings.Join(amountTokens, " "),
		})
	}

	if i < len(tokens) && knownUnits[strings.ToLower(tokens[i])] {
		segments = append(segments, model.Segment{
			Rule: "#2_unit", Type: "unit", Value: tokens[i],
		})
		i++
	}

	if i < len(tokens) {
		segments = append(segments, model.Segment{
			Rule: "#3_ingredient", Type: "ingredient", Value: strings.Join(tokens[i:], " "),
		})
	}

	if comment != "" {
		segments = append(segments, model.Segment{
			Rule: "#4_comment", Type: "comment", Value: comment,
		})
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("parse line: no segments in %q", line)
	}
	return segments, nil
}

// RuleIDs projects the ordered rule identifiers out of a segment list.
// This sequence is the pattern identity tracked by the pattern store.
func RuleIDs(segments []model.Segment) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = s.Rule
	}
	return out
}
