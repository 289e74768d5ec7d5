package validate

import (
	"math"
	"strconv"
	"strings"

	"geoquest-engine/internal/domain"
)

var numberStripper = strings.NewReplacer(
	" ", "",
	"\u00a0", "",
	"\u202f", "",
	"\t", "",
	"€", "",
	"$", "",
	"£", "",
	"°", "",
	"%", "",
)

// normalizeNumber applies locale normalization: decimal comma becomes a dot and
// currency, degree, percent and whitespace symbols are dropped.
func normalizeNumber(raw string) string {
	s := numberStripper.Replace(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, ",", ".")
	s = strings.ReplaceAll(s, "−", "-")
	return s
}

func parseNumber(raw string) (float64, bool) {
	s := normalizeNumber(raw)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func numericExact(submitted, target string) bool {
	got := normalizeNumber(submitted)
	want := normalizeNumber(target)
	if got == "" || want == "" {
		return false
	}
	gv, ok := parseNumber(submitted)
	if !ok {
		return false
	}
	if got == want {
		return true
	}
	wv, ok := parseNumber(target)
	if !ok {
		return false
	}
	return gv == wv
}

func numericExactValue(submitted string, target float64) bool {
	v, ok := parseNumber(submitted)
	if !ok {
		return false
	}
	return v == target
}

func numericTolerance(submitted string, target, tolerance float64) bool {
	if tolerance < 0 {
		return false
	}
	v, ok := parseNumber(submitted)
	if !ok {
		return false
	}
	return math.Abs(v-target) <= tolerance
}

// parseCoordinate accepts "(x|y)", "x|y", "x;y", "x,y" and "(x, y)".
// When "|" or ";" separates the axes, commas inside the numbers are decimal commas.
func parseCoordinate(raw string) (domain.Point, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")

	var parts []string
	switch {
	case strings.Contains(s, "|"):
		parts = strings.Split(s, "|")
	case strings.Contains(s, ";"):
		parts = strings.Split(s, ";")
	case strings.Contains(s, ", "):
		parts = strings.Split(s, ", ")
	case strings.Count(s, ",") == 1:
		parts = strings.Split(s, ",")
	default:
		return domain.Point{}, false
	}
	if len(parts) != 2 {
		return domain.Point{}, false
	}
	x, ok := parseNumber(parts[0])
	if !ok {
		return domain.Point{}, false
	}
	y, ok := parseNumber(parts[1])
	if !ok {
		return domain.Point{}, false
	}
	return domain.Point{X: x, Y: y}, true
}

func coordinatePair(submitted string, target domain.Point, tolerance float64) bool {
	if tolerance < 0 {
		return false
	}
	p, ok := parseCoordinate(submitted)
	if !ok {
		return false
	}
	return math.Abs(p.X-target.X) <= tolerance && math.Abs(p.Y-target.Y) <= tolerance
}
