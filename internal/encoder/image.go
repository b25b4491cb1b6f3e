package encoder

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	apperrors "github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/errors"
)

// ParseInterpolation maps a config name to a scaler. Nearest neighbour is
// the default, matching the resampling the embeddings were first built with.
func ParseInterpolation(name string) (draw.Scaler, error) {
	switch strings.ToLower(name) {
	case "", "nearest":
		return draw.NearestNeighbor, nil
	case "approxbilinear":
		return draw.ApproxBiLinear, nil
	case "bilinear":
		return draw.BiLinear, nil
	case "catmullrom", "bicubic":
		return draw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("unknown interpolation %q", name)
	}
}

// loadInto decodes the image at path, resizes it to w×h and writes its RGB
// values into dst, which holds exactly h*w*3 floats. dst is left untouched
// on error.
func loadInto(path string, dst []float32, h, w int, scaler draw.Scaler) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrDecode, err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", apperrors.ErrDecode, path, err)
	}
	if src.Bounds().Empty() {
		return fmt.Errorf("%w: %s: empty image", apperrors.ErrDecode, path)
	}

	src = dropAlpha(src)
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	scaler.Scale(rgba, rgba.Bounds(), src, src.Bounds(), draw.Src, nil)

	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		out := dst[y*w*3:]
		for x := 0; x < w; x++ {
			out[x*3] = float32(row[x*4])
			out[x*3+1] = float32(row[x*4+1])
			out[x*3+2] = float32(row[x*4+2])
		}
	}
	return nil
}

// dropAlpha returns an opaque view of src that keeps the stored colour of
// every pixel, so transparent regions contribute their raw RGB instead of
// black. Sources without a separate alpha channel are returned as is.
func dropAlpha(src image.Image) image.Image {
	switch s := src.(type) {
	case *image.NRGBA:
		out := &image.RGBA{Pix: make([]uint8, len(s.Pix)), Stride: s.Stride, Rect: s.Rect}
		copy(out.Pix, s.Pix)
		for i := 3; i < len(out.Pix); i += 4 {
			out.Pix[i] = 0xff
		}
		return out
	case *image.NRGBA64:
		out := &image.RGBA64{Pix: make([]uint8, len(s.Pix)), Stride: s.Stride, Rect: s.Rect}
		copy(out.Pix, s.Pix)
		for i := 6; i < len(out.Pix); i += 8 {
			out.Pix[i], out.Pix[i+1] = 0xff, 0xff
		}
		return out
	case *image.NYCbCrA:
		return &s.YCbCr
	case *image.Paletted:
		pal := make(color.Palette, len(s.Palette))
		for i, c := range s.Palette {
			n := color.NRGBAModel.Convert(c).(color.NRGBA)
			n.A = 0xff
			pal[i] = n
		}
		return &image.Paletted{Pix: s.Pix, Stride: s.Stride, Rect: s.Rect, Palette: pal}
	default:
		return src
	}
}
