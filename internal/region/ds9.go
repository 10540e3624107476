package region

import (
	"fmt"
	"strings"

	"github.com/astroview/server/internal/coord"
)

const ds9ExportVersion = "astroview 1.0"

// ds9CoordMap converts DS9 coordinate system keywords to direction frames.
// An empty frame means pixel coordinates; "UNSUPPORTED" lines are rejected.
var ds9CoordMap = map[string]string{
	"physical": "",
	"image":    "",
	"b1950":    "B1950",
	"fk4":      "B1950",
	"j2000":    "J2000",
	"fk5":      "J2000",
	"galactic": "GALACTIC",
	"ecliptic": "ECLIPTIC",
	"icrs":     "ICRS",
	"wcs":      "UNSUPPORTED",
	"wcsa":     "UNSUPPORTED",
	"linear":   "UNSUPPORTED",
}

// Ds9Exporter accumulates DS9-format region lines for one image.
type Ds9Exporter struct {
	cs         *coord.System
	pixelCoord bool
	refFrame   string
	lines      []string
}

// NewDs9Exporter creates an exporter in pixel ("physical") or world
// coordinates and writes the file header.
func NewDs9Exporter(cs *coord.System, pixelCoord bool) *Ds9Exporter {
	e := &Ds9Exporter{cs: cs, pixelCoord: pixelCoord, refFrame: "physical"}
	if !pixelCoord {
		frame := ""
		if cs != nil {
			frame = cs.Frame
		}
		for ds9, casa := range ds9CoordMap {
			if casa == frame && casa != "" {
				e.refFrame = ds9
			}
		}
		// Multiple DS9 names map to these frames, force fk*.
		switch frame {
		case "B1950":
			e.refFrame = "fk4"
		case "J2000":
			e.refFrame = "fk5"
		}
	}
	e.addHeader()
	return e
}

func (e *Ds9Exporter) addHeader() {
	e.lines = append(e.lines,
		"# Region file format: DS9 "+ds9ExportVersion,
		`global color=green delete=1 edit=1 fixed=0 font="helvetica 10 normal roman" highlite=1 include=1 move=1 select=1`,
		e.refFrame,
	)
}

// AddRegion appends one region line. The DS9 ellipse angle convention is
// offset by 90 degrees from the internal rotation; the offset is applied
// here at the boundary only. Returns false for geometry that has no DS9
// representation.
func (e *Ds9Exporter) AddRegion(s State) bool {
	angle := s.Rotation
	if s.Type == TypeEllipse {
		angle += 90
		if angle > 360 {
			angle -= 360
		}
	}

	var line string
	if e.pixelCoord {
		line = e.formatPixel(s, angle)
	} else {
		line = e.formatWorld(s, angle)
	}
	if line == "" {
		return false
	}
	if s.Name != "" {
		line += " # text={" + s.Name + "}"
	}
	e.lines = append(e.lines, line)
	return true
}

func (e *Ds9Exporter) formatPixel(s State, angle float64) string {
	p := s.Points
	switch s.Type {
	case TypePoint:
		return fmt.Sprintf("point(%.2f, %.2f)", p[0].X, p[0].Y)
	case TypeRectangle:
		return fmt.Sprintf("box(%.2f, %.2f, %.2f, %.2f, %g)", p[0].X, p[0].Y, p[1].X, p[1].Y, angle)
	case TypeEllipse:
		if p[1].X == p[1].Y {
			return fmt.Sprintf("circle(%.2f, %.2f, %.2f)", p[0].X, p[0].Y, p[1].X)
		}
		if angle > 0 {
			return fmt.Sprintf("ellipse(%.2f, %.2f, %.2f, %.2f, %g)", p[0].X, p[0].Y, p[1].X, p[1].Y, angle)
		}
		return fmt.Sprintf("ellipse(%.2f, %.2f, %.2f, %.2f)", p[0].X, p[0].Y, p[1].X, p[1].Y)
	case TypeAnnulus:
		return fmt.Sprintf("annulus(%.2f, %.2f, %.2f, %.2f)", p[0].X, p[0].Y, p[1].X, p[1].Y)
	case TypePolygon:
		var b strings.Builder
		b.WriteString("polygon(")
		for i, pt := range p {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%.2f, %.2f", pt.X, pt.Y)
		}
		b.WriteString(")")
		return b.String()
	default:
		return ""
	}
}

func (e *Ds9Exporter) formatWorld(s State, angle float64) string {
	if e.cs == nil || !e.cs.Linear() {
		return ""
	}
	center, err := e.cs.PixelToWorld(s.Points[0])
	if err != nil {
		return ""
	}

	sizeArcsec := func(length float64, axis int) (float64, bool) {
		q, err := e.cs.PixelLengthToWorld(length, axis)
		if err != nil {
			return 0, false
		}
		return q.Value, true
	}

	switch s.Type {
	case TypePoint:
		return fmt.Sprintf("point(%.6f, %.6f)", center.X, center.Y)
	case TypeRectangle:
		w, ok1 := sizeArcsec(s.Points[1].X, 0)
		h, ok2 := sizeArcsec(s.Points[1].Y, 1)
		if !ok1 || !ok2 {
			return ""
		}
		return fmt.Sprintf(`box(%.6f, %.6f, %.4f", %.4f", %g)`, center.X, center.Y, w, h, angle)
	case TypeEllipse:
		rx, ok1 := sizeArcsec(s.Points[1].X, 0)
		ry, ok2 := sizeArcsec(s.Points[1].Y, 1)
		if !ok1 || !ok2 {
			return ""
		}
		if s.Points[1].X == s.Points[1].Y {
			return fmt.Sprintf(`circle(%.6f, %.6f, %.4f")`, center.X, center.Y, rx)
		}
		return fmt.Sprintf(`ellipse(%.6f, %.6f, %.4f", %.4f", %g)`, center.X, center.Y, rx, ry, angle)
	case TypeAnnulus:
		ri, ok1 := sizeArcsec(s.Points[1].X, 0)
		ro, ok2 := sizeArcsec(s.Points[1].Y, 0)
		if !ok1 || !ok2 {
			return ""
		}
		return fmt.Sprintf(`annulus(%.6f, %.6f, %.4f", %.4f")`, center.X, center.Y, ri, ro)
	case TypePolygon:
		var b strings.Builder
		b.WriteString("polygon(")
		for i, pt := range s.Points {
			w, err := e.cs.PixelToWorld(pt)
			if err != nil {
				return ""
			}
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%.6f, %.6f", w.X, w.Y)
		}
		b.WriteString(")")
		return b.String()
	default:
		return ""
	}
}

// Contents returns the accumulated lines, or an error when no region line
// was added after the header.
func (e *Ds9Exporter) Contents() ([]string, error) {
	if len(e.lines) <= 3 {
		return nil, fmt.Errorf("export region failed: no regions to export")
	}
	return e.lines, nil
}

// ImportDs9 parses DS9 region file contents into region states defined on
// the given file. Broken lines are reported individually; parsing continues
// with the remaining lines.
func ImportDs9(cs *coord.System, fileID int, contents string) ([]State, []string) {
	im := &ds9Importer{cs: cs, fileID: fileID, pixelCoord: true}
	im.process(contents)
	return im.regions, im.errors
}

type ds9Importer struct {
	cs         *coord.System
	fileID     int
	pixelCoord bool
	frameOK    bool
	regions    []State
	errors     []string
}

func (im *ds9Importer) errorf(format string, args ...interface{}) {
	im.errors = append(im.errors, fmt.Sprintf(format, args...))
}

func (im *ds9Importer) process(contents string) {
	im.frameOK = true
	lines := strings.FieldsFunc(contents, func(r rune) bool {
		return r == '\n' || r == ';'
	})
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' || line[0] == '-' {
			continue
		}
		if strings.Contains(line, "global") {
			continue
		}
		if _, ok := ds9CoordMap[strings.ToLower(line)]; ok {
			im.frameOK = im.setFileFrame(strings.ToLower(line))
			if !im.frameOK {
				im.errorf("coord sys %s not supported", line)
			}
			continue
		}
		if im.frameOK {
			im.setRegion(line)
		}
	}
}

func (im *ds9Importer) setFileFrame(keyword string) bool {
	frame := ds9CoordMap[keyword]
	if frame == "UNSUPPORTED" {
		im.pixelCoord = false
		return false
	}
	if keyword != "physical" && keyword != "image" {
		im.pixelCoord = false
	}
	return true
}

// setRegion parses one region definition line into a State.
func (im *ds9Importer) setRegion(line string) {
	params, props := parseRegionParameters(line)
	if len(params) == 0 {
		return
	}

	kind := params[0]
	if strings.HasPrefix(kind, "+") || strings.HasPrefix(kind, "-") {
		kind = kind[1:]
	}
	name := props["text"]

	// Order matters: "circle point" is a shaped point, not a circle.
	switch {
	case strings.Contains(kind, "point") || (len(params) > 1 && params[1] == "point"):
		im.importPoint(params, name)
	case strings.Contains(kind, "circle"):
		im.importCircle(params, name)
	case strings.Contains(kind, "ellipse"):
		im.importEllipse(params, name)
	case strings.Contains(kind, "box"):
		im.importBox(params, name)
	case strings.Contains(kind, "polygon"):
		im.importPolygon(params, name)
	case strings.Contains(kind, "annulus"):
		im.importAnnulus(params, name)
	case strings.Contains(kind, "line"):
		im.errorf("DS9 line region not supported")
	case strings.Contains(kind, "vector"):
		im.errorf("DS9 vector region not supported")
	case strings.Contains(kind, "text"):
		im.errorf("DS9 text not supported")
	}
}

// parseRegionParameters splits a region line into parameters and the
// properties after '#'. Only the text property is used.
func parseRegionParameters(line string) ([]string, map[string]string) {
	def := line
	props := make(map[string]string)
	if i := strings.Index(line, "#"); i >= 0 {
		def = line[:i]
		propPart := line[i+1:]
		if j := strings.Index(propPart, "text={"); j >= 0 {
			rest := propPart[j+len("text={"):]
			if k := strings.Index(rest, "}"); k >= 0 {
				props["text"] = rest[:k]
			}
		}
	}
	params := strings.FieldsFunc(def, func(r rune) bool {
		return r == ' ' || r == ',' || r == '(' || r == ')' || r == '\t'
	})
	return params, props
}

// parseParam parses one parameter, applying the default unit when the value
// carries none. The x coordinate in a celestial frame may be colon-form
// sexagesimal hours.
func (im *ds9Importer) parseParam(raw string, def coord.Unit, ra bool) (coord.Quantity, error) {
	q, err := coord.ParseQuantity(raw)
	if err != nil {
		return coord.Quantity{}, err
	}
	if ra && !im.pixelCoord && strings.Count(raw, ":") == 2 {
		q.Value *= 15
	}
	if q.Unit == coord.UnitNone {
		q.Unit = def
	}
	return q, nil
}

func (im *ds9Importer) positionUnit() coord.Unit {
	if im.pixelCoord {
		return coord.UnitPixel
	}
	return coord.UnitDegree
}

func (im *ds9Importer) sizeUnit() coord.Unit {
	if im.pixelCoord {
		return coord.UnitPixel
	}
	return coord.UnitArcsec
}

// toPixelPosition converts a world (x, y) quantity pair to pixel coordinates
// via the image coordinate system.
func (im *ds9Importer) toPixelPosition(x, y coord.Quantity) (coord.Point, error) {
	if im.pixelCoord {
		return coord.Point{X: x.Value, Y: y.Value}, nil
	}
	xd, err := x.Degrees()
	if err != nil {
		return coord.Point{}, err
	}
	yd, err := y.Degrees()
	if err != nil {
		return coord.Point{}, err
	}
	if im.cs == nil {
		return coord.Point{}, coord.ErrConversion
	}
	return im.cs.WorldToPixel(coord.Point{X: xd, Y: yd})
}

func (im *ds9Importer) toPixelLength(q coord.Quantity, axis int) (float64, error) {
	if im.pixelCoord || q.Unit == coord.UnitPixel {
		return q.Value, nil
	}
	if im.cs == nil {
		return 0, coord.ErrConversion
	}
	return im.cs.WorldLengthToPixelLength(q, axis)
}

func (im *ds9Importer) importPoint(params []string, name string) {
	// point x y | circle point x y (various shapes)
	first := 1
	if len(params) > 1 && params[1] == "point" {
		first = 2
	}
	if len(params) < first+2 {
		im.errorf("point syntax error")
		return
	}
	x, err := im.parseParam(params[first], im.positionUnit(), true)
	if err != nil {
		im.errorf("invalid point parameter: %s", params[first])
		return
	}
	y, err := im.parseParam(params[first+1], im.positionUnit(), false)
	if err != nil {
		im.errorf("invalid point parameter: %s", params[first+1])
		return
	}
	center, err := im.toPixelPosition(x, y)
	if err != nil {
		im.errorf("failed to apply point to image")
		return
	}
	im.regions = append(im.regions, State{
		FileID: im.fileID,
		Name:   name,
		Type:   TypePoint,
		Points: []coord.Point{center},
	})
}

func (im *ds9Importer) importCircle(params []string, name string) {
	// circle x y radius -> ellipse with equal radii and no angle
	if len(params) < 4 {
		im.errorf("circle syntax error")
		return
	}
	im.importEllipse([]string{"ellipse", params[1], params[2], params[3], params[3]}, name)
}

func (im *ds9Importer) importEllipse(params []string, name string) {
	// ellipse x y radius radius [angle]
	n := len(params)
	if n > 6 {
		// ellipse annulus: ellipse x y r11 r12 r21 r22 [angle]
		im.errorf("unsupported ellipse definition")
		return
	}
	if n < 5 {
		im.errorf("ellipse syntax error")
		return
	}
	isCircle := params[3] == params[4]

	x, err1 := im.parseParam(params[1], im.positionUnit(), true)
	y, err2 := im.parseParam(params[2], im.positionUnit(), false)
	rx, err3 := im.parseParam(params[3], im.sizeUnit(), false)
	ry, err4 := im.parseParam(params[4], im.sizeUnit(), false)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		im.errorf("invalid ellipse parameter")
		return
	}

	center, err := im.toPixelPosition(x, y)
	if err != nil {
		im.errorf("failed to apply ellipse to image")
		return
	}
	prx, err1 := im.toPixelLength(rx, 0)
	pry, err2 := im.toPixelLength(ry, 1)
	if err1 != nil || err2 != nil {
		im.errorf("failed to apply ellipse to image")
		return
	}

	rotation := 0.0
	if n == 6 {
		angle, err := im.parseParam(params[5], coord.UnitDegree, false)
		if err != nil {
			im.errorf("invalid ellipse parameter %s", params[5])
			return
		}
		rotation = angle.Value
	}
	if !isCircle {
		rotation -= 90
		if rotation < 0 {
			rotation += 360
		}
	}

	im.regions = append(im.regions, State{
		FileID:   im.fileID,
		Name:     name,
		Type:     TypeEllipse,
		Points:   []coord.Point{center, {X: prx, Y: pry}},
		Rotation: rotation,
	})
}

func (im *ds9Importer) importBox(params []string, name string) {
	// box x y width height [angle]
	n := len(params)
	if n > 6 {
		// box annulus: box x y w1 h1 w2 h2 [angle]
		im.errorf("unsupported box definition")
		return
	}
	if n < 5 {
		im.errorf("box syntax error")
		return
	}

	x, err1 := im.parseParam(params[1], im.positionUnit(), true)
	y, err2 := im.parseParam(params[2], im.positionUnit(), false)
	w, err3 := im.parseParam(params[3], im.sizeUnit(), false)
	h, err4 := im.parseParam(params[4], im.sizeUnit(), false)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		im.errorf("invalid box parameter")
		return
	}

	center, err := im.toPixelPosition(x, y)
	if err != nil {
		im.errorf("failed to apply box to image")
		return
	}
	pw, err1 := im.toPixelLength(w, 0)
	ph, err2 := im.toPixelLength(h, 1)
	if err1 != nil || err2 != nil {
		im.errorf("failed to apply box to image")
		return
	}

	rotation := 0.0
	if n == 6 {
		angle, err := im.parseParam(params[5], coord.UnitDegree, false)
		if err != nil {
			im.errorf("invalid box parameter %s", params[5])
			return
		}
		rotation = angle.Value
	}

	im.regions = append(im.regions, State{
		FileID:   im.fileID,
		Name:     name,
		Type:     TypeRectangle,
		Points:   []coord.Point{center, {X: pw, Y: ph}},
		Rotation: rotation,
	})
}

func (im *ds9Importer) importPolygon(params []string, name string) {
	// polygon x1 y1 x2 y2 x3 y3 ...
	if len(params)%2 != 1 {
		im.errorf("polygon syntax error, odd number of arguments")
		return
	}
	var points []coord.Point
	for i := 1; i+1 < len(params); i += 2 {
		x, err1 := im.parseParam(params[i], im.positionUnit(), true)
		y, err2 := im.parseParam(params[i+1], im.positionUnit(), false)
		if err1 != nil || err2 != nil {
			im.errorf("invalid polygon parameter")
			return
		}
		p, err := im.toPixelPosition(x, y)
		if err != nil {
			im.errorf("failed to apply polygon to image")
			return
		}
		points = append(points, p)
	}
	if len(points) < 3 {
		im.errorf("polygon syntax error")
		return
	}
	im.regions = append(im.regions, State{
		FileID: im.fileID,
		Name:   name,
		Type:   TypePolygon,
		Points: points,
	})
}

func (im *ds9Importer) importAnnulus(params []string, name string) {
	// annulus x y rin rout; multi-radius annuli are rejected
	n := len(params)
	if n > 5 {
		im.errorf("unsupported annulus definition")
		return
	}
	if n < 5 {
		im.errorf("annulus syntax error")
		return
	}

	x, err1 := im.parseParam(params[1], im.positionUnit(), true)
	y, err2 := im.parseParam(params[2], im.positionUnit(), false)
	ri, err3 := im.parseParam(params[3], im.sizeUnit(), false)
	ro, err4 := im.parseParam(params[4], im.sizeUnit(), false)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		im.errorf("invalid annulus parameter")
		return
	}

	center, err := im.toPixelPosition(x, y)
	if err != nil {
		im.errorf("failed to apply annulus to image")
		return
	}
	pri, err1 := im.toPixelLength(ri, 0)
	pro, err2 := im.toPixelLength(ro, 0)
	if err1 != nil || err2 != nil {
		im.errorf("failed to apply annulus to image")
		return
	}

	s := State{
		FileID: im.fileID,
		Name:   name,
		Type:   TypeAnnulus,
		Points: []coord.Point{center, {X: pri, Y: pro}},
	}
	if err := s.Validate(); err != nil {
		im.errorf("invalid annulus radii")
		return
	}
	im.regions = append(im.regions, s)
}
