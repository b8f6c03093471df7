// Package volumeio reads and writes single-file NIfTI-1 volumes (.nii and
// gzip-compressed .nii.gz) to and from models.Volume.
//
// Only what the sampler needs is supported: 3D scalar volumes (the first
// frame of a 4D file) with the common integer and float data types.
package volumeio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/pgzip"

	"tractmcmc/internal/models"
)

// NIfTI-1 data type codes.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
)

const (
	headerSize = 348
	voxOffset  = 352
)

var magicSingleFile = [4]byte{'n', '+', '1', 0}

// Header is the on-disk NIfTI-1 header. Field order and sizes follow
// nifti1.h; the struct is exactly 348 bytes.
type Header struct {
	SizeOfHdr      int32
	DataTypeUnused [10]byte
	DbName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte

	Dim        [8]int16
	IntentP1   float32
	IntentP2   float32
	IntentP3   float32
	IntentCode int16
	DataType   int16
	BitPix     int16
	SliceStart int16
	PixDim     [8]float32
	VoxOffset  float32
	SclSlope   float32
	SclInter   float32
	SliceEnd   int16
	SliceCode  byte
	XYZTUnits  byte
	CalMax     float32
	CalMin     float32
	SliceDur   float32
	TOffset    float32
	GlMax      int32
	GlMin      int32

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]byte
	Magic      [4]byte
}

func bytesPerVoxel(dt int16) (int, error) {
	switch dt {
	case DTUint8:
		return 1, nil
	case DTInt16:
		return 2, nil
	case DTInt32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported NIfTI data type %d", dt)
	}
}

func isGzip(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// Read loads a volume from a .nii or .nii.gz file.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening volume: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if isGzip(path) {
		zr, err := pgzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("error opening gzip stream %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	vol, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return vol, nil
}

// ReadHeader decodes the header and detects the byte order from Dim[0].
func ReadHeader(b []byte) (Header, binary.ByteOrder, error) {
	var h Header
	if len(b) < headerSize {
		return h, nil, fmt.Errorf("file too short for a NIfTI-1 header (%d bytes)", len(b))
	}

	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
		return h, nil, err
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
			return h, nil, err
		}
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return h, nil, fmt.Errorf("cannot infer byte order: dim[0]=%d not in [1, 7]", h.Dim[0])
	}
	if h.SizeOfHdr != headerSize {
		return h, nil, fmt.Errorf("invalid header size %d", h.SizeOfHdr)
	}
	if h.Magic != magicSingleFile {
		return h, nil, fmt.Errorf("invalid file magic: data must be stored in the same file as the header")
	}
	return h, order, nil
}

// Decode reads a complete single-file NIfTI-1 stream.
func Decode(r io.Reader) (*models.Volume, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	h, order, err := ReadHeader(b)
	if err != nil {
		return nil, err
	}

	width, height, depth := int(h.Dim[1]), int(h.Dim[2]), 1
	if h.Dim[0] >= 3 {
		depth = int(h.Dim[3])
	}
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%dx%d", width, height, depth)
	}

	bpv, err := bytesPerVoxel(h.DataType)
	if err != nil {
		return nil, err
	}
	offset := int(h.VoxOffset)
	if offset < voxOffset {
		offset = voxOffset
	}
	n := width * height * depth
	if len(b) < offset+n*bpv {
		return nil, fmt.Errorf("data section truncated: need %d bytes, have %d", offset+n*bpv, len(b))
	}

	vol := models.NewVolume(width, height, depth)
	vol.VoxelSize.X = float64(h.PixDim[1])
	vol.VoxelSize.Y = float64(h.PixDim[2])
	vol.VoxelSize.Z = float64(h.PixDim[3])
	vol.Affine = affineFromHeader(h)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 {
		slope, inter = 1, 0
	}

	data := b[offset:]
	for i := 0; i < n; i++ {
		raw := data[i*bpv : (i+1)*bpv]
		var v float64
		switch h.DataType {
		case DTUint8:
			v = float64(raw[0])
		case DTInt16:
			v = float64(int16(order.Uint16(raw)))
		case DTInt32:
			v = float64(int32(order.Uint32(raw)))
		case DTFloat32:
			v = float64(math.Float32frombits(order.Uint32(raw)))
		case DTFloat64:
			v = math.Float64frombits(order.Uint64(raw))
		}
		vol.Data[i] = v*slope + inter
	}
	return vol, nil
}

func affineFromHeader(h Header) [16]float64 {
	if h.SFormCode > 0 {
		var m [16]float64
		for j := 0; j < 4; j++ {
			m[j] = float64(h.SRowX[j])
			m[4+j] = float64(h.SRowY[j])
			m[8+j] = float64(h.SRowZ[j])
		}
		m[15] = 1
		return m
	}
	return [16]float64{
		float64(h.PixDim[1]), 0, 0, 0,
		0, float64(h.PixDim[2]), 0, 0,
		0, 0, float64(h.PixDim[3]), 0,
		0, 0, 0, 1,
	}
}

// Write stores vol as a little-endian single-file NIfTI-1 volume with the
// given data type, gzip-compressed when path ends in .gz.
func Write(path string, vol *models.Volume, dataType int16) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}

	var w io.Writer = f
	var zw *pgzip.Writer
	if isGzip(path) {
		zw = pgzip.NewWriter(f)
		w = zw
	}

	if err := Encode(w, vol, dataType); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			f.Close()
			return fmt.Errorf("error compressing %s: %w", path, err)
		}
	}
	return f.Close()
}

// Encode writes vol as a single-file NIfTI-1 stream.
func Encode(w io.Writer, vol *models.Volume, dataType int16) error {
	bpv, err := bytesPerVoxel(dataType)
	if err != nil {
		return err
	}

	h := Header{
		SizeOfHdr: headerSize,
		Dim:       [8]int16{3, int16(vol.Width), int16(vol.Height), int16(vol.Depth), 1, 1, 1, 1},
		DataType:  dataType,
		BitPix:    int16(bpv * 8),
		VoxOffset: voxOffset,
		SclSlope:  1,
		XYZTUnits: 2, // mm
		SFormCode: 1,
		Magic:     magicSingleFile,
	}
	h.PixDim = [8]float32{1, float32(vol.VoxelSize.X), float32(vol.VoxelSize.Y), float32(vol.VoxelSize.Z), 1, 1, 1, 1}
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(vol.Affine[j])
		h.SRowY[j] = float32(vol.Affine[4+j])
		h.SRowZ[j] = float32(vol.Affine[8+j])
	}

	order := binary.LittleEndian
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, order, &h); err != nil {
		return err
	}
	// empty extension block
	buf.Write([]byte{0, 0, 0, 0})

	raw := make([]byte, bpv)
	for _, v := range vol.Data {
		switch dataType {
		case DTUint8:
			raw[0] = uint8(math.Max(0, math.Min(255, math.Round(v))))
		case DTInt16:
			order.PutUint16(raw, uint16(int16(math.Round(v))))
		case DTInt32:
			order.PutUint32(raw, uint32(int32(math.Round(v))))
		case DTFloat32:
			order.PutUint32(raw, math.Float32bits(float32(v)))
		case DTFloat64:
			order.PutUint64(raw, math.Float64bits(v))
		}
		buf.Write(raw)
	}

	_, err = w.Write(buf.Bytes())
	return err
}
