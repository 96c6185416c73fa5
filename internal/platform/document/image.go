package document

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// maxTIFFFrames bounds the IFD walk on malformed input.
const maxTIFFFrames = 4096

var errBigTIFF = errors.New("BigTIFF is not supported")

// tiffFrameOffsets walks the IFD chain of a classic TIFF file and returns the
// offset of every image directory in order.
func tiffFrameOffsets(data []byte) ([]uint32, error) {
	if len(data) < 8 {
		return nil, errors.New("tiff: file too short")
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, errors.New("tiff: bad byte order marker")
	}
	switch order.Uint16(data[2:4]) {
	case 42:
	case 43:
		return nil, errBigTIFF
	default:
		return nil, errors.New("tiff: bad magic number")
	}

	var offsets []uint32
	seen := make(map[uint32]bool)
	off := order.Uint32(data[4:8])
	for off != 0 {
		if seen[off] {
			return nil, errors.New("tiff: IFD chain loops")
		}
		if len(offsets) == maxTIFFFrames {
			return nil, fmt.Errorf("tiff: more than %d frames", maxTIFFFrames)
		}
		if int(off)+2 > len(data) {
			return nil, fmt.Errorf("tiff: IFD offset %d out of range", off)
		}
		seen[off] = true
		offsets = append(offsets, off)

		count := int(order.Uint16(data[off : off+2]))
		next := int(off) + 2 + count*12
		if next+4 > len(data) {
			return nil, fmt.Errorf("tiff: IFD at %d truncated", off)
		}
		off = order.Uint32(data[next : next+4])
	}
	if len(offsets) == 0 {
		return nil, errors.New("tiff: no images")
	}
	return offsets, nil
}

// splitTIFF writes every frame of a multi-page TIFF as an RGBA PNG under dir
// and returns the paths in frame order. The tiff decoder only reads the first
// IFD, so each frame is decoded from a copy whose header points at it.
func splitTIFF(src, dir, stem string) ([]string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, err
	}
	offsets, err := tiffFrameOffsets(data)
	if err != nil {
		return nil, err
	}

	var order binary.ByteOrder = binary.LittleEndian
	if data[0] == 'M' {
		order = binary.BigEndian
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	paths := make([]string, 0, len(offsets))
	for i, off := range offsets {
		order.PutUint32(buf[4:8], off)
		img, err := tiff.Decode(bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", i+1, err)
		}
		out := filepath.Join(dir, fmt.Sprintf("%s-frame%03d.png", stem, i+1))
		if err := writePNG(out, toRGBA(img)); err != nil {
			return nil, fmt.Errorf("write frame %d: %w", i+1, err)
		}
		paths = append(paths, out)
	}
	return paths, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// convertToPNG decodes a GIF (first frame), BMP or WebP image and re-encodes
// it as PNG under dir.
func convertToPNG(src, ext, dir, stem string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var decode func(io.Reader) (image.Image, error)
	switch ext {
	case ".gif":
		decode = gif.Decode
	case ".bmp":
		decode = bmp.Decode
	case ".webp":
		decode = webp.Decode
	default:
		return "", fmt.Errorf("no decoder for %s", ext)
	}
	img, err := decode(f)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", ext, err)
	}
	out := filepath.Join(dir, stem+".png")
	if err := writePNG(out, img); err != nil {
		return "", err
	}
	return out, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
