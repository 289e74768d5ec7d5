// Package validate judges a submitted answer against a task's correct answer.
//
// Every function here is pure and treats submissions as untrusted: malformed input
// yields false, never an error or a panic.
package validate

import (
	"strings"

	"geoquest-engine/internal/domain"
)

// Task judges a submission for a task using its configured validator or the kind default.
func Task(task domain.Task, submitted domain.Answer) bool {
	return Validate(task.Kind, submitted, task.CorrectAnswer, task.Validator)
}

// Validate judges submitted against correct. A nil cfg selects the default comparison for kind.
func Validate(kind domain.TaskKind, submitted, correct domain.Answer, cfg *domain.ValidatorConfig) bool {
	if cfg != nil {
		if cfg.Check() != nil {
			return false
		}
		return withConfig(kind, submitted, correct, *cfg)
	}
	return byKind(kind, submitted, correct)
}

func withConfig(kind domain.TaskKind, submitted, correct domain.Answer, cfg domain.ValidatorConfig) bool {
	switch cfg.Type {
	case domain.ValidatorNumericExact:
		if cfg.Target != nil {
			return numericExactValue(submitted.Text, *cfg.Target)
		}
		return numericExact(submitted.Text, correct.Text)
	case domain.ValidatorNumericTolerance:
		return numericTolerance(submitted.Text, *cfg.Target, cfg.Tolerance)
	case domain.ValidatorKeywords:
		return keywords(submitted.Text, cfg.Any, cfg.All, cfg.RequireNegation)
	case domain.ValidatorCoordinatePair:
		return coordinatePair(submitted.Text, *cfg.Point, cfg.Tolerance)
	case domain.ValidatorEquationPattern:
		return equationPattern(submitted.Text, cfg.Patterns)
	case domain.ValidatorCompositeFields:
		return compositeFields(kind, submitted, correct, cfg.Fields)
	case domain.ValidatorContains:
		needle := cfg.Needle
		if needle == "" {
			needle = correct.Text
		}
		return contains(submitted.Text, needle)
	default:
		return false
	}
}

func byKind(kind domain.TaskKind, submitted, correct domain.Answer) bool {
	switch kind {
	case domain.KindChoice:
		return exactText(submitted.Text, correct.Text)
	case domain.KindBoolean:
		return booleanEqual(submitted.Text, correct.Text)
	case domain.KindFreeText:
		return contains(submitted.Text, correct.Text)
	case domain.KindCoordinate:
		target, ok := parseCoordinate(correct.Text)
		if !ok {
			return false
		}
		return coordinatePair(submitted.Text, target, 0)
	case domain.KindAngleMeasure, domain.KindSliderTransform:
		return numericExact(submitted.Text, correct.Text)
	case domain.KindDragClassification, domain.KindAreaDecomposition:
		return mappingEqual(submitted.Mapping, correct.Mapping)
	case domain.KindMultiField:
		return fieldsEqual(submitted.Fields, correct.Fields)
	default:
		return false
	}
}

func compositeFields(kind domain.TaskKind, submitted, correct domain.Answer, fields []domain.FieldValidator) bool {
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		value, ok := submitted.Fields[f.Field]
		if !ok || collapseSpace(value) == "" {
			return false
		}
		sub := domain.Answer{Text: value}
		want := domain.Answer{Text: correct.Fields[f.Field]}
		cfg := f.Config
		if !Validate(kind, sub, want, &cfg) {
			return false
		}
	}
	return true
}

func mappingEqual(submitted, correct map[string]string) bool {
	if len(correct) == 0 {
		return false
	}
	for key, want := range correct {
		got, ok := submitted[key]
		if !ok || !exactText(got, want) {
			return false
		}
	}
	return true
}

func fieldsEqual(submitted, correct map[string]string) bool {
	if len(correct) == 0 {
		return false
	}
	for key, want := range correct {
		got, ok := submitted[key]
		if !ok || collapseSpace(got) == "" {
			return false
		}
		if exactText(got, want) {
			continue
		}
		if numericExact(got, want) {
			continue
		}
		return false
	}
	return true
}

func exactText(submitted, correct string) bool {
	want := fold(correct)
	return want != "" && fold(submitted) == want
}

func contains(submitted, needle string) bool {
	n := fold(needle)
	if n == "" {
		return false
	}
	return strings.Contains(fold(submitted), n)
}

var (
	truthy = map[string]bool{"true": true, "wahr": true, "ja": true, "yes": true, "richtig": true, "1": true}
	falsy  = map[string]bool{"false": true, "falsch": true, "nein": true, "no": true, "0": true}
)

func booleanEqual(submitted, correct string) bool {
	got, ok := parseBool(submitted)
	if !ok {
		return false
	}
	want, ok := parseBool(correct)
	if !ok {
		return false
	}
	return got == want
}

func parseBool(raw string) (bool, bool) {
	v := fold(raw)
	switch {
	case truthy[v]:
		return true, true
	case falsy[v]:
		return false, true
	}
	return false, false
}
