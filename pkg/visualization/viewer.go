package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"tractmcmc/internal/models"
)

// Viewer renders quick-look images of a volume, typically a probability map
// with values in [0, 1].
type Viewer struct {
	vol *models.Volume

	// scale maps voxel values to [0, 1]
	scale float64
}

// NewViewer creates a viewer for vol. Values are scaled by the volume's
// maximum when it exceeds 1.
func NewViewer(vol *models.Volume) *Viewer {
	maxVal := 0.0
	for _, v := range vol.Data {
		maxVal = math.Max(maxVal, v)
	}
	scale := 1.0
	if maxVal > 1 {
		scale = 1 / maxVal
	}
	return &Viewer{vol: vol, scale: scale}
}

func (v *Viewer) gray(value float64) color.Gray16 {
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, value*v.scale*65535)))}
}

// axisSize returns the extent of the volume along axis.
func (v *Viewer) axisSize(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.vol.Width, nil
	case "y", "Y":
		return v.vol.Height, nil
	case "z", "Z":
		return v.vol.Depth, nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// plane returns the image bounds of a slice across axis and the mapping
// from image coordinates (u, w) at position pos to voxel coordinates.
func (v *Viewer) plane(axis string) (image.Rectangle, func(u, w, pos int) (int, int, int)) {
	switch axis {
	case "x", "X":
		// YZ plane
		return image.Rect(0, 0, v.vol.Depth, v.vol.Height),
			func(u, w, pos int) (int, int, int) { return pos, w, u }
	case "y", "Y":
		// XZ plane
		return image.Rect(0, 0, v.vol.Width, v.vol.Depth),
			func(u, w, pos int) (int, int, int) { return u, pos, w }
	default:
		// XY plane
		return image.Rect(0, 0, v.vol.Width, v.vol.Height),
			func(u, w, pos int) (int, int, int) { return u, w, pos }
	}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	size, err := v.axisSize(axis)
	if err != nil {
		return nil, err
	}
	if position >= size {
		return nil, fmt.Errorf("position %d exceeds %s extent %d", position, axis, size)
	}

	bounds, voxel := v.plane(axis)
	img := image.NewGray16(bounds)
	for w := 0; w < bounds.Dy(); w++ {
		for u := 0; u < bounds.Dx(); u++ {
			x, y, z := voxel(u, w, position)
			img.SetGray16(u, w, v.gray(v.vol.At(x, y, z)))
		}
	}
	return img, nil
}

// MaxIntensityProjection projects the maximum along axis onto a 2D image.
func (v *Viewer) MaxIntensityProjection(axis string) (image.Image, error) {
	size, err := v.axisSize(axis)
	if err != nil {
		return nil, err
	}

	bounds, voxel := v.plane(axis)
	img := image.NewGray16(bounds)
	for w := 0; w < bounds.Dy(); w++ {
		for u := 0; u < bounds.Dx(); u++ {
			peak := 0.0
			for pos := 0; pos < size; pos++ {
				peak = math.Max(peak, v.vol.At(voxel(u, w, pos)))
			}
			img.SetGray16(u, w, v.gray(peak))
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	maxPos, err := v.axisSize(axis)
	if err != nil {
		return err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveProjections writes the maximum intensity projection along each axis
// as mip_<axis>.jpg in outputDir.
func (v *Viewer) SaveProjections(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.MaxIntensityProjection(axis)
		if err != nil {
			return err
		}
		if err := v.SaveSlice(img, filepath.Join(outputDir, "mip_"+axis+".jpg")); err != nil {
			return fmt.Errorf("error saving %s projection: %w", axis, err)
		}
	}
	return nil
}
