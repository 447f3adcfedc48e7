package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// WritePLY encodes m as binary little-endian PLY. Colours and normals are
// written when present for every vertex; a mesh without faces is a point
// cloud.
func WritePLY(out io.Writer, m *TriangleMesh) error {
	w := bufio.NewWriter(out)
	withColor := len(m.Colors) == len(m.Vertices) && len(m.Vertices) > 0
	withNormal := len(m.Normals) == len(m.Vertices) && len(m.Vertices) > 0

	fmt.Fprintf(w, "ply\nformat binary_little_endian 1.0\ncomment depthmesh\n")
	fmt.Fprintf(w, "element vertex %d\nproperty float x\nproperty float y\nproperty float z\n", len(m.Vertices))
	if withNormal {
		fmt.Fprintf(w, "property float nx\nproperty float ny\nproperty float nz\n")
	}
	if withColor {
		fmt.Fprintf(w, "property uchar red\nproperty uchar green\nproperty uchar blue\n")
	}
	fmt.Fprintf(w, "element face %d\nproperty list uchar int vertex_indices\nend_header\n", len(m.Faces))

	var buf [28]byte
	put := func(off int, v float64) { binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v))) }
	for i, v := range m.Vertices {
		put(0, v.X)
		put(4, v.Y)
		put(8, v.Z)
		n := 12
		if withNormal {
			put(12, m.Normals[i].X)
			put(16, m.Normals[i].Y)
			put(20, m.Normals[i].Z)
			n = 24
		}
		if withColor {
			c := m.Colors[i]
			buf[n], buf[n+1], buf[n+2] = c.R, c.G, c.B
			n += 3
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return errors.Wrapf(ErrIO, "writing ply: %v", err)
		}
	}
	for _, f := range m.Faces {
		buf[0] = 3
		for k := 0; k < 3; k++ {
			binary.LittleEndian.PutUint32(buf[1+4*k:], uint32(int32(f[k])))
		}
		if _, err := w.Write(buf[:13]); err != nil {
			return errors.Wrapf(ErrIO, "writing ply: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(ErrIO, "writing ply: %v", err)
	}
	return nil
}

type plyProperty struct {
	name      string
	typ       string
	list      bool
	countType string
}

type plyElement struct {
	name  string
	count int
	props []plyProperty
}

func plySize(typ string) int {
	switch typ {
	case "char", "uchar", "int8", "uint8":
		return 1
	case "short", "ushort", "int16", "uint16":
		return 2
	case "int", "uint", "float", "int32", "uint32", "float32":
		return 4
	case "double", "float64":
		return 8
	}
	return 0
}

func plyDecode(typ string, b []byte) float64 {
	switch typ {
	case "char", "int8":
		return float64(int8(b[0]))
	case "uchar", "uint8":
		return float64(b[0])
	case "short", "int16":
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case "ushort", "uint16":
		return float64(binary.LittleEndian.Uint16(b))
	case "int", "int32":
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case "uint", "uint32":
		return float64(binary.LittleEndian.Uint32(b))
	case "float", "float32":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
}

// ReadPLY decodes ascii or binary little-endian PLY files such as those
// produced by external surface reconstruction tools. Polygon faces are
// fanned into triangles.
func ReadPLY(r io.Reader) (*TriangleMesh, error) {
	in := bufio.NewReader(r)
	magic, err := in.ReadString('\n')
	if err != nil || strings.TrimSpace(magic) != "ply" {
		return nil, errors.New("not a ply file")
	}

	var elements []*plyElement
	var format string
header:
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrapf(ErrIO, "reading ply header: %v", err)
		}
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		switch tokens[0] {
		case "format":
			if len(tokens) < 2 {
				return nil, errors.New("ply: malformed format line")
			}
			format = tokens[1]
		case "element":
			if len(tokens) != 3 {
				return nil, errors.Errorf("ply: malformed element line %q", strings.TrimSpace(line))
			}
			n, err := strconv.Atoi(tokens[2])
			if err != nil || n < 0 {
				return nil, errors.Errorf("ply: invalid element count %q", tokens[2])
			}
			elements = append(elements, &plyElement{name: tokens[1], count: n})
		case "property":
			if len(elements) == 0 {
				return nil, errors.New("ply: property before element")
			}
			el := elements[len(elements)-1]
			if len(tokens) == 5 && tokens[1] == "list" {
				el.props = append(el.props, plyProperty{name: tokens[4], typ: tokens[3], list: true, countType: tokens[2]})
			} else if len(tokens) == 3 {
				el.props = append(el.props, plyProperty{name: tokens[2], typ: tokens[1]})
			} else {
				return nil, errors.Errorf("ply: malformed property %q", strings.TrimSpace(line))
			}
		case "end_header":
			break header
		}
	}

	if format != "ascii" && format != "binary_little_endian" {
		return nil, errors.Errorf("ply: unsupported format %q", format)
	}
	var next func(typ string) (float64, error)
	if format == "ascii" {
		var fields []string
		next = func(string) (float64, error) {
			for len(fields) == 0 {
				line, err := in.ReadString('\n')
				if err != nil && line == "" {
					return 0, errors.Wrapf(ErrIO, "reading ply body: %v", err)
				}
				fields = strings.Fields(line)
			}
			v, err := strconv.ParseFloat(fields[0], 64)
			fields = fields[1:]
			return v, err
		}
	} else {
		var buf [8]byte
		next = func(typ string) (float64, error) {
			n := plySize(typ)
			if n == 0 {
				return 0, errors.Errorf("ply: unsupported type %q", typ)
			}
			if _, err := io.ReadFull(in, buf[:n]); err != nil {
				return 0, errors.Wrapf(ErrIO, "reading ply body: %v", err)
			}
			return plyDecode(typ, buf[:n]), nil
		}
	}

	m := &TriangleMesh{}
	for _, el := range elements {
		for i := 0; i < el.count; i++ {
			vals := make(map[string]float64, len(el.props))
			var list []int
			for _, p := range el.props {
				if !p.list {
					v, err := next(p.typ)
					if err != nil {
						return nil, err
					}
					vals[p.name] = v
					continue
				}
				cnt, err := next(p.countType)
				if err != nil {
					return nil, err
				}
				items := make([]int, int(cnt))
				for k := range items {
					v, err := next(p.typ)
					if err != nil {
						return nil, err
					}
					items[k] = int(v)
				}
				if p.name == "vertex_indices" || p.name == "vertex_index" {
					list = items
				}
			}
			switch el.name {
			case "vertex":
				m.Vertices = append(m.Vertices, r3.Vector{X: vals["x"], Y: vals["y"], Z: vals["z"]})
				if _, ok := vals["nx"]; ok {
					m.Normals = append(m.Normals, r3.Vector{X: vals["nx"], Y: vals["ny"], Z: vals["nz"]})
				}
				if _, ok := vals["red"]; ok {
					m.Colors = append(m.Colors, color.NRGBA{
						R: uint8(vals["red"]), G: uint8(vals["green"]), B: uint8(vals["blue"]), A: 255,
					})
				}
			case "face":
				for k := 1; k+1 < len(list); k++ {
					m.Faces = append(m.Faces, [3]int{list[0], list[k], list[k+1]})
				}
			}
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
