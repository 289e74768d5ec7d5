package domain

import (
	"errors"
	"fmt"
	"math"
)

// ValidatorType tags the active variant of a ValidatorConfig.
type ValidatorType string

const (
	ValidatorNumericExact     ValidatorType = "numericExact"
	ValidatorNumericTolerance ValidatorType = "numericTolerance"
	ValidatorKeywords         ValidatorType = "keywords"
	ValidatorCoordinatePair   ValidatorType = "coordinatePair"
	ValidatorEquationPattern  ValidatorType = "equationPattern"
	ValidatorCompositeFields  ValidatorType = "compositeFields"
	// ValidatorContains is the fallback used when a free-text task has no configured
	// validator: the normalized correct answer must appear inside the submission.
	// It accepts answers that merely mention the expected text.
	ValidatorContains ValidatorType = "contains"
)

// ValidatorTypes lists every variant tag.
var ValidatorTypes = []ValidatorType{
	ValidatorNumericExact,
	ValidatorNumericTolerance,
	ValidatorKeywords,
	ValidatorCoordinatePair,
	ValidatorEquationPattern,
	ValidatorCompositeFields,
	ValidatorContains,
}

// Point is a 2D coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FieldValidator is the embedded config for one named sub-field of a composite answer.
type FieldValidator struct {
	Field  string          `json:"field"`
	Config ValidatorConfig `json:"config"`
}

// ValidatorConfig is a tagged union; Type selects which of the remaining fields are meaningful.
type ValidatorConfig struct {
	Type ValidatorType `json:"type"`

	// numericExact (optional) / numericTolerance
	Target    *float64 `json:"target,omitempty"`
	Tolerance float64  `json:"tolerance,omitempty"`

	// keywords
	Any             []string `json:"any,omitempty"`
	All             []string `json:"all,omitempty"`
	RequireNegation bool     `json:"requireNegation,omitempty"`

	// coordinatePair
	Point *Point `json:"point,omitempty"`

	// equationPattern
	Patterns []string `json:"patterns,omitempty"`

	// compositeFields
	Fields []FieldValidator `json:"fields,omitempty"`

	// contains
	Needle string `json:"needle,omitempty"`
}

var errBadValidator = errors.New("invalid validator config")

// variantFields names the JSON fields each variant may set besides type.
var variantFields = map[ValidatorType]map[string]bool{
	ValidatorNumericExact:     {"target": true},
	ValidatorNumericTolerance: {"target": true, "tolerance": true},
	ValidatorKeywords:         {"any": true, "all": true, "requireNegation": true},
	ValidatorCoordinatePair:   {"point": true, "tolerance": true},
	ValidatorEquationPattern:  {"patterns": true},
	ValidatorCompositeFields:  {"fields": true},
	ValidatorContains:         {"needle": true},
}

func (c ValidatorConfig) setFields() []string {
	var set []string
	add := func(name string, ok bool) {
		if ok {
			set = append(set, name)
		}
	}
	add("target", c.Target != nil)
	add("tolerance", c.Tolerance != 0)
	add("any", len(c.Any) > 0)
	add("all", len(c.All) > 0)
	add("requireNegation", c.RequireNegation)
	add("point", c.Point != nil)
	add("patterns", len(c.Patterns) > 0)
	add("fields", len(c.Fields) > 0)
	add("needle", c.Needle != "")
	return set
}

// Check verifies the variant carries what it needs and nothing that belongs to another variant.
func (c ValidatorConfig) Check() error {
	if c.Tolerance < 0 || math.IsNaN(c.Tolerance) {
		return fmt.Errorf("%w: negative tolerance", errBadValidator)
	}
	if allowed, known := variantFields[c.Type]; known {
		for _, name := range c.setFields() {
			if !allowed[name] {
				return fmt.Errorf("%w: %s does not take %s", errBadValidator, c.Type, name)
			}
		}
	}
	switch c.Type {
	case ValidatorNumericExact, ValidatorContains:
		return nil
	case ValidatorNumericTolerance:
		if c.Target == nil {
			return fmt.Errorf("%w: numericTolerance needs target", errBadValidator)
		}
		return nil
	case ValidatorKeywords:
		if len(c.Any) == 0 && len(c.All) == 0 {
			return fmt.Errorf("%w: keywords needs any or all", errBadValidator)
		}
		return nil
	case ValidatorCoordinatePair:
		if c.Point == nil {
			return fmt.Errorf("%w: coordinatePair needs point", errBadValidator)
		}
		return nil
	case ValidatorEquationPattern:
		if len(c.Patterns) == 0 {
			return fmt.Errorf("%w: equationPattern needs patterns", errBadValidator)
		}
		return nil
	case ValidatorCompositeFields:
		if len(c.Fields) == 0 {
			return fmt.Errorf("%w: compositeFields needs fields", errBadValidator)
		}
		for _, f := range c.Fields {
			if f.Field == "" {
				return fmt.Errorf("%w: composite field without name", errBadValidator)
			}
			if err := f.Config.Check(); err != nil {
				return fmt.Errorf("field %s: %w", f.Field, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unknown type %q", errBadValidator, c.Type)
}
