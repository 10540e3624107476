package coord

import (
	"fmt"
	"strconv"
	"strings"
)

// Unit is an angular or pixel unit attached to a parsed quantity.
type Unit int

const (
	UnitNone Unit = iota
	UnitPixel
	UnitDegree
	UnitRadian
	UnitArcmin
	UnitArcsec
)

func (u Unit) String() string {
	switch u {
	case UnitPixel:
		return "pixel"
	case UnitDegree:
		return "deg"
	case UnitRadian:
		return "rad"
	case UnitArcmin:
		return "arcmin"
	case UnitArcsec:
		return "arcsec"
	default:
		return ""
	}
}

// Quantity is a numeric value with a unit. Region import/export parses DS9
// parameters into Quantities instead of rewriting unit suffixes in place.
type Quantity struct {
	Value float64
	Unit  Unit
}

// Degrees converts an angular quantity to degrees. Pixel and unitless
// quantities have no angular meaning.
func (q Quantity) Degrees() (float64, error) {
	switch q.Unit {
	case UnitDegree:
		return q.Value, nil
	case UnitRadian:
		return q.Value * 180 / 3.141592653589793, nil
	case UnitArcmin:
		return q.Value / 60, nil
	case UnitArcsec:
		return q.Value / 3600, nil
	default:
		return 0, fmt.Errorf("quantity %g%s has no angular unit", q.Value, q.Unit)
	}
}

// Arcsec converts an angular quantity to arcseconds.
func (q Quantity) Arcsec() (float64, error) {
	deg, err := q.Degrees()
	if err != nil {
		return 0, err
	}
	return deg * 3600, nil
}

// ds9UnitSuffixes maps DS9 single-character unit suffixes to units.
var ds9UnitSuffixes = map[byte]Unit{
	'd':  UnitDegree,
	'r':  UnitRadian,
	'p':  UnitPixel,
	'i':  UnitPixel,
	'"':  UnitArcsec,
	'\'': UnitArcmin,
}

// unitNames maps spelled-out unit names to units.
var unitNames = map[string]Unit{
	"deg":    UnitDegree,
	"rad":    UnitRadian,
	"pixel":  UnitPixel,
	"pix":    UnitPixel,
	"arcmin": UnitArcmin,
	"arcsec": UnitArcsec,
}

// ParseQuantity parses a numeric parameter with an optional unit: a bare
// number ("5.0"), a DS9 single-character suffix ("5.0d", "3p", `2.5"`), a
// spelled-out unit ("1.5arcsec"), or a sexagesimal angle ("12:30:45.6",
// "12h30m45.6s", "12d30m45.6s").
func ParseQuantity(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Quantity{}, fmt.Errorf("empty quantity")
	}

	if deg, ok := parseSexagesimal(s); ok {
		return Quantity{Value: deg, Unit: UnitDegree}, nil
	}

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return Quantity{Value: v, Unit: UnitNone}, nil
	}

	// Split the longest numeric prefix from a trailing unit.
	idx := 0
	v := 0.0
	for i := len(s); i > 0; i-- {
		if parsed, err := strconv.ParseFloat(s[:i], 64); err == nil {
			idx, v = i, parsed
			break
		}
	}
	if idx == 0 {
		return Quantity{}, fmt.Errorf("invalid quantity %q: not a numeric value", s)
	}
	unitPart := s[idx:]

	if len(unitPart) == 1 {
		if u, ok := ds9UnitSuffixes[unitPart[0]]; ok {
			return Quantity{Value: v, Unit: u}, nil
		}
	}
	if u, ok := unitNames[strings.ToLower(unitPart)]; ok {
		return Quantity{Value: v, Unit: u}, nil
	}
	return Quantity{}, fmt.Errorf("invalid quantity %q: unknown unit %q", s, unitPart)
}

// parseSexagesimal parses h:m:s, HhMmSs and DdMmSs forms into degrees.
// The hour forms are scaled by 15.
func parseSexagesimal(s string) (float64, bool) {
	var parts []string
	scale := 1.0
	switch {
	case strings.Count(s, ":") == 2:
		parts = strings.Split(s, ":")
	case strings.ContainsRune(s, 'h') && strings.ContainsRune(s, 'm'):
		scale = 15.0
		parts = splitSexagesimal(s, 'h', 'm', 's')
	case strings.ContainsRune(s, 'd') && strings.ContainsRune(s, 'm'):
		parts = splitSexagesimal(s, 'd', 'm', 's')
	default:
		return 0, false
	}
	if len(parts) != 3 {
		return 0, false
	}

	vals := make([]float64, 3)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, false
		}
		vals[i] = v
	}

	sign := 1.0
	if vals[0] < 0 || strings.HasPrefix(strings.TrimSpace(parts[0]), "-") {
		sign = -1.0
		vals[0] = -vals[0]
	}
	return sign * scale * (vals[0] + vals[1]/60 + vals[2]/3600), true
}

func splitSexagesimal(s string, a, b, c rune) []string {
	s = strings.TrimSuffix(s, string(c))
	s = strings.ReplaceAll(s, string(a), ":")
	s = strings.ReplaceAll(s, string(b), ":")
	return strings.Split(s, ":")
}
