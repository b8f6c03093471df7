package spline

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"tractmcmc/internal/models"
)

// ReadPoints reads a curve stored as one "x y z" triple per line. Blank
// lines and lines starting with '#' are skipped.
func ReadPoints(r io.Reader) ([]r3.Vec, error) {
	var pts []r3.Vec
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: expected 3 coordinates, got %d", line, len(fields))
		}
		var xyz [3]float64
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			xyz[i] = v
		}
		pts = append(pts, r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pts, nil
}

// ReadControlPoints reads integer control points from a text file.
func ReadControlPoints(path string) ([]models.Point3, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening control point file: %w", err)
	}
	defer f.Close()

	pts, err := ReadPoints(f)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	cpts := make([]models.Point3, len(pts))
	for i, p := range pts {
		cpts[i] = models.Round(p)
	}
	return cpts, nil
}

// ReadCurve reads a real-valued curve (for example a seed streamline) from a
// text file.
func ReadCurve(path string) ([]r3.Vec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening curve file: %w", err)
	}
	defer f.Close()
	return ReadPoints(f)
}

// WritePoints writes one "x y z" line per point.
func WritePoints(w io.Writer, pts []models.Point3) error {
	bw := bufio.NewWriter(w)
	for _, p := range pts {
		if _, err := fmt.Fprintf(bw, "%d %d %d\n", p.X, p.Y, p.Z); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteControlPoints writes points to a text file.
func WriteControlPoints(path string, pts []models.Point3) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	if err := WritePoints(f, pts); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return f.Close()
}
