// Package fingerprint reduces frames to a coarse grid of mean intensities.
//
// A Grid is a correlation key, not an identity: two frames whose grids differ
// in only a small fraction of cells are treated as the same scene, which
// tolerates the re-compression and lighting drift between the moment a frame
// is buffered and the moment a detector reports on it.
package fingerprint

import (
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"math"
	"strconv"

	"gocv.io/x/gocv"
)

// ErrShape is returned when grid data does not describe an N×N grid.
var ErrShape = errors.New("fingerprint grid is not square")

// Grid holds the mean intensity of each cell, row-major.
type Grid struct {
	N     int
	Cells []float64
}

// FromRows builds a Grid from a square matrix, the shape detectors send on
// the wire.
func FromRows(rows [][]float64) (Grid, error) {
	n := len(rows)
	if n == 0 {
		return Grid{}, fmt.Errorf("%w: no rows", ErrShape)
	}

	cells := make([]float64, 0, n*n)
	for i, row := range rows {
		if len(row) != n {
			return Grid{}, fmt.Errorf("%w: row %d has %d cells, want %d", ErrShape, i, len(row), n)
		}
		cells = append(cells, row...)
	}
	return Grid{N: n, Cells: cells}, nil
}

// Rows returns the grid as a square matrix.
func (g Grid) Rows() [][]float64 {
	rows := make([][]float64, g.N)
	for i := range rows {
		rows[i] = append([]float64(nil), g.Cells[i*g.N:(i+1)*g.N]...)
	}
	return rows
}

// Empty reports whether the grid carries no cells.
func (g Grid) Empty() bool {
	return g.N == 0 || len(g.Cells) == 0
}

// Key returns a stable string for the grid. Cell means are rounded to whole
// intensity levels before hashing, so grids computed from the same pixels
// always share a key.
func (g Grid) Key() string {
	h := fnv.New64a()
	var buf [8]byte
	for _, v := range g.Cells {
		b := strconv.AppendInt(buf[:0], int64(math.Round(v)), 10)
		h.Write(b)
		h.Write([]byte{','})
	}
	return fmt.Sprintf("%dx%d-%016x", g.N, g.N, h.Sum64())
}

// Fingerprinter computes grids. Size is the side of the square the frame is
// resized to and must be a multiple of Cells.
type Fingerprinter struct {
	Size  int
	Cells int
}

// Validate checks the resize and grid dimensions.
func (f Fingerprinter) Validate() error {
	if f.Size <= 0 || f.Cells <= 0 {
		return fmt.Errorf("fingerprint size %d and cells %d must be positive", f.Size, f.Cells)
	}
	if f.Size%f.Cells != 0 {
		return fmt.Errorf("fingerprint size %d is not a multiple of cells %d", f.Size, f.Cells)
	}
	return nil
}

// Compute converts img to grey, resizes it to Size×Size and averages each
// of the Cells×Cells blocks.
func (f Fingerprinter) Compute(img gocv.Mat) (Grid, error) {
	if err := f.Validate(); err != nil {
		return Grid{}, err
	}
	if img.Empty() {
		return Grid{}, errors.New("fingerprint: empty frame")
	}

	gray := gocv.NewMat()
	defer gray.Close()

	switch img.Channels() {
	case 1:
		img.CopyTo(&gray)
	case 4:
		gocv.CvtColor(img, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(gray, &resized, image.Pt(f.Size, f.Size), 0, 0, gocv.InterpolationLinear)

	pixels := resized.ToBytes()
	if len(pixels) != f.Size*f.Size {
		return Grid{}, fmt.Errorf("fingerprint: resized frame has %d bytes, want %d", len(pixels), f.Size*f.Size)
	}

	block := f.Size / f.Cells
	sums := make([]float64, f.Cells*f.Cells)
	for y := 0; y < f.Size; y++ {
		row := pixels[y*f.Size : (y+1)*f.Size]
		cellRow := (y / block) * f.Cells
		for x, p := range row {
			sums[cellRow+x/block] += float64(p)
		}
	}

	area := float64(block * block)
	for i := range sums {
		sums[i] /= area
	}
	return Grid{N: f.Cells, Cells: sums}, nil
}
