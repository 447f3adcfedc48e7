package mesh

import (
	"bufio"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// PCDType is the DATA encoding of a PCD file.
type PCDType int

const (
	// PCDAscii writes one point per text line.
	PCDAscii PCDType = iota
	// PCDBinary writes little-endian float32 fields.
	PCDBinary
)

// packRGB packs a colour into the PCD v0.7 rgb integer.
func packRGB(c color.NRGBA) uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

func unpackRGB(v uint32) color.NRGBA {
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}

// WritePCD encodes pc as an unorganised PCD v0.7 file with an rgb field
// when the cloud has colours.
func WritePCD(pc *PointCloud, out io.Writer, dataType PCDType) error {
	w := bufio.NewWriter(out)
	withColor := pc.HasColors()
	fmt.Fprintf(w, "# .PCD v0.7 - Point Cloud Data file format\nVERSION .7\n")
	if withColor {
		fmt.Fprintf(w, "FIELDS x y z rgb\nSIZE 4 4 4 4\nTYPE F F F U\nCOUNT 1 1 1 1\n")
	} else {
		fmt.Fprintf(w, "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\n")
	}
	fmt.Fprintf(w, "WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\n", pc.Len(), pc.Len())

	switch dataType {
	case PCDAscii:
		fmt.Fprintf(w, "DATA ascii\n")
		for i, p := range pc.Points {
			if withColor {
				fmt.Fprintf(w, "%g %g %g %d\n", float32(p.X), float32(p.Y), float32(p.Z), packRGB(pc.Colors[i]))
			} else {
				fmt.Fprintf(w, "%g %g %g\n", float32(p.X), float32(p.Y), float32(p.Z))
			}
		}
	case PCDBinary:
		fmt.Fprintf(w, "DATA binary\n")
		buf := make([]byte, 16)
		for i, p := range pc.Points {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(p.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Z)))
			n := 12
			if withColor {
				binary.LittleEndian.PutUint32(buf[12:], packRGB(pc.Colors[i]))
				n = 16
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return errors.Wrapf(ErrIO, "writing pcd: %v", err)
			}
		}
	default:
		return errors.Errorf("unsupported pcd data type %d", dataType)
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(ErrIO, "writing pcd: %v", err)
	}
	return nil
}

type pcdHeader struct {
	fields []string
	sizes  []int
	types  []string
	points int
	data   PCDType
}

func (h pcdHeader) field(name string) int {
	for i, f := range h.fields {
		if f == name {
			return i
		}
	}
	return -1
}

// ReadPCD decodes ascii and binary PCD files with x y z and an optional
// rgb field. Other fields are skipped.
func ReadPCD(r io.Reader) (*PointCloud, error) {
	in := bufio.NewReader(r)
	var h pcdHeader
	for done := false; !done; {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrapf(ErrIO, "reading pcd header: %v", err)
		}
		line, _, _ = strings.Cut(line, "#")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		tokens := strings.Fields(value)
		switch key {
		case "VERSION", "WIDTH", "HEIGHT", "VIEWPOINT", "COUNT":
		case "FIELDS":
			h.fields = tokens
		case "SIZE":
			for _, tok := range tokens {
				n, err := strconv.Atoi(tok)
				if err != nil {
					return nil, errors.Errorf("invalid SIZE field %q", tok)
				}
				h.sizes = append(h.sizes, n)
			}
		case "TYPE":
			h.types = tokens
		case "POINTS":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, errors.Errorf("invalid POINTS field %q", value)
			}
			h.points = n
		case "DATA":
			switch value {
			case "ascii":
				h.data = PCDAscii
			case "binary":
				h.data = PCDBinary
			default:
				return nil, errors.Errorf("unsupported pcd data %q", value)
			}
			done = true
		default:
			return nil, errors.Errorf("unexpected pcd header line %q", line)
		}
	}
	if h.field("x") != 0 || h.field("y") != 1 || h.field("z") != 2 {
		return nil, errors.Errorf("pcd fields must start with x y z, got %v", h.fields)
	}
	if len(h.sizes) != len(h.fields) || len(h.types) != len(h.fields) {
		return nil, errors.New("pcd SIZE/TYPE do not match FIELDS")
	}

	rgb := h.field("rgb")
	pc := NewPointCloud(h.points)
	if rgb >= 0 {
		pc.Colors = make([]color.NRGBA, 0, h.points)
	}
	values := make([]float64, len(h.fields))
	for i := 0; i < h.points; i++ {
		var err error
		if h.data == PCDAscii {
			err = readPCDAsciiPoint(in, values, rgb)
		} else {
			err = readPCDBinaryPoint(in, h, values, rgb)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "pcd point %d", i)
		}
		pc.Points = append(pc.Points, r3.Vector{X: values[0], Y: values[1], Z: values[2]})
		if rgb >= 0 {
			pc.Colors = append(pc.Colors, unpackRGB(uint32(values[rgb])))
		}
	}
	return pc, nil
}

func readPCDAsciiPoint(in *bufio.Reader, values []float64, rgb int) error {
	line, err := in.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return errors.Wrapf(ErrIO, "%v", err)
	}
	tokens := strings.Fields(line)
	if len(tokens) != len(values) {
		return errors.Errorf("expected %d fields, got %d", len(values), len(tokens))
	}
	for j, tok := range tokens {
		if j == rgb {
			// rgb may be written as a packed integer or as its float32 bit pattern.
			if u, err := strconv.ParseUint(tok, 10, 32); err == nil {
				values[j] = float64(u)
				continue
			}
			f, err := strconv.ParseFloat(tok, 32)
			if err != nil {
				return errors.Errorf("invalid rgb %q", tok)
			}
			values[j] = float64(math.Float32bits(float32(f)))
			continue
		}
		values[j], err = strconv.ParseFloat(tok, 64)
		if err != nil {
			return errors.Errorf("invalid field %q", tok)
		}
	}
	return nil
}

func readPCDBinaryPoint(in *bufio.Reader, h pcdHeader, values []float64, rgb int) error {
	var buf [8]byte
	for j, size := range h.sizes {
		if size != 4 && size != 8 {
			return errors.Errorf("unsupported field size %d", size)
		}
		if _, err := io.ReadFull(in, buf[:size]); err != nil {
			return errors.Wrapf(ErrIO, "%v", err)
		}
		switch {
		case j == rgb || h.types[j] == "U":
			if size == 4 {
				values[j] = float64(binary.LittleEndian.Uint32(buf[:4]))
			} else {
				values[j] = float64(binary.LittleEndian.Uint64(buf[:8]))
			}
		case h.types[j] == "I":
			if size == 4 {
				values[j] = float64(int32(binary.LittleEndian.Uint32(buf[:4])))
			} else {
				values[j] = float64(int64(binary.LittleEndian.Uint64(buf[:8])))
			}
		case size == 4:
			values[j] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[:4])))
		default:
			values[j] = math.Float64frombits(binary.LittleEndian.Uint64(buf[:8]))
		}
	}
	return nil
}

// WriteLAS writes the cloud as a LAS file, point format 2 when it has colours.
func WriteLAS(pc *PointCloud, path string) (err error) {
	lf, err := lidario.NewLasFile(path, "w")
	if err != nil {
		return errors.Wrapf(ErrIO, "creating %s: %v", path, err)
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	formatID := byte(0)
	if pc.HasColors() {
		formatID = 2
	}
	if err = lf.AddHeader(lidario.LasHeader{PointFormatID: formatID}); err != nil {
		return errors.Wrap(err, "las header")
	}
	for i, p := range pc.Points {
		pr0 := &lidario.PointRecord0{
			X:             p.X,
			Y:             p.Y,
			Z:             p.Z,
			BitField:      lidario.PointBitField{Value: (1) | (1 << 3)},
			PointSourceID: 1,
		}
		var lp lidario.LasPointer = pr0
		if formatID == 2 {
			c := pc.Colors[i]
			lp = &lidario.PointRecord2{
				PointRecord0: pr0,
				RGB: &lidario.RgbData{
					Red:   uint16(c.R) * 256,
					Green: uint16(c.G) * 256,
					Blue:  uint16(c.B) * 256,
				},
			}
		}
		if err = lf.AddLasPoint(lp); err != nil {
			return errors.Wrapf(err, "las point %d", i)
		}
	}
	return nil
}

// ReadLAS reads a LAS file written by WriteLAS or any format 0-3 file.
func ReadLAS(path string) (*PointCloud, error) {
	lf, err := lidario.NewLasFile(path, "r")
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "opening %s: %v", path, err)
	}
	defer lf.Close()

	pc := NewPointCloud(lf.Header.NumberPoints)
	withColor := lf.Header.PointFormatID == 2 || lf.Header.PointFormatID == 3
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, errors.Wrapf(err, "las point %d", i)
		}
		d := p.PointData()
		pc.Points = append(pc.Points, r3.Vector{X: d.X, Y: d.Y, Z: d.Z})
		if withColor && p.RgbData() != nil {
			rgb := p.RgbData()
			pc.Colors = append(pc.Colors, color.NRGBA{
				R: uint8(rgb.Red / 256), G: uint8(rgb.Green / 256), B: uint8(rgb.Blue / 256), A: 255,
			})
		}
	}
	if len(pc.Colors) != len(pc.Points) {
		pc.Colors = nil
	}
	return pc, nil
}

// WriteCSV writes x,y,z[,r,g,b] rows with a header line.
func WriteCSV(pc *PointCloud, out io.Writer) error {
	w := csv.NewWriter(out)
	header := []string{"x", "y", "z"}
	if pc.HasColors() {
		header = append(header, "r", "g", "b")
	}
	if err := w.Write(header); err != nil {
		return errors.Wrapf(ErrIO, "writing csv: %v", err)
	}
	row := make([]string, len(header))
	for i, p := range pc.Points {
		row[0] = strconv.FormatFloat(p.X, 'g', -1, 64)
		row[1] = strconv.FormatFloat(p.Y, 'g', -1, 64)
		row[2] = strconv.FormatFloat(p.Z, 'g', -1, 64)
		if len(row) > 3 {
			c := pc.Colors[i]
			row[3], row[4], row[5] = strconv.Itoa(int(c.R)), strconv.Itoa(int(c.G)), strconv.Itoa(int(c.B))
		}
		if err := w.Write(row); err != nil {
			return errors.Wrapf(ErrIO, "writing csv: %v", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrapf(ErrIO, "writing csv: %v", err)
	}
	return nil
}

// SaveCloud writes pc to path, choosing the format from the extension:
// .pcd (binary), .las, .csv or .ply.
func SaveCloud(path string, pc *PointCloud) (err error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".las" {
		return WriteLAS(pc, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(ErrIO, "creating output directory: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(ErrIO, "creating %s: %v", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = multierr.Append(err, errors.Wrapf(ErrIO, "closing %s: %v", path, cerr))
		}
	}()

	switch ext {
	case ".pcd":
		return WritePCD(pc, f, PCDBinary)
	case ".csv":
		return WriteCSV(pc, f)
	case ".ply":
		return WritePLY(f, &TriangleMesh{Vertices: pc.Points, Colors: pc.Colors, Normals: pc.Normals})
	default:
		return errors.Errorf("unknown point cloud format %q", ext)
	}
}

// LoadCloud reads a .pcd, .las or .ply file.
func LoadCloud(path string) (*PointCloud, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".las":
		return ReadLAS(path)
	case ".pcd", ".ply":
	default:
		return nil, errors.Errorf("unknown point cloud format %q", filepath.Ext(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "opening %s: %v", path, err)
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".ply") {
		m, err := ReadPLY(f)
		if err != nil {
			return nil, err
		}
		return m.Cloud(), nil
	}
	return ReadPCD(f)
}
