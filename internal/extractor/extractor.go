// Package extractor defines the image → feature vector capability the
// encoder depends on and ships a client for a TensorFlow-Serving style model
// server. Nothing here assumes a particular network architecture, only the
// input shape and the output dimensionality.
package extractor

import (
	"context"
	"fmt"
)

// Extractor turns a batch of images into fixed-length feature vectors.
//
// Pixels are laid out as n × H × W × 3 RGB float32 values in [0, 255] before
// Normalize and in the model's input range after it. Extract returns exactly
// n vectors of Dim() values each.
type Extractor interface {
	InputSize() (height, width int)
	Dim() int
	Normalize(pixels []float32)
	Extract(ctx context.Context, pixels []float32, n int) ([][]float32, error)
}

// Normalization is a model's expected input preprocessing.
type Normalization string

const (
	// NormalizeCaffe flips RGB to BGR and subtracts the ImageNet channel
	// means, as VGG and ResNet50 checkpoints expect.
	NormalizeCaffe Normalization = "caffe"
	// NormalizeTF scales pixels to [-1, 1].
	NormalizeTF Normalization = "tf"
	// NormalizeNone passes raw pixels through.
	NormalizeNone Normalization = "none"
)

var caffeMeanBGR = [3]float32{103.939, 116.779, 123.68}

func ParseNormalization(s string) (Normalization, error) {
	switch n := Normalization(s); n {
	case NormalizeCaffe, NormalizeTF, NormalizeNone:
		return n, nil
	case "":
		return NormalizeCaffe, nil
	default:
		return "", fmt.Errorf("unknown normalization %q", s)
	}
}

// Apply normalizes pixels in place.
func (n Normalization) Apply(pixels []float32) {
	switch n {
	case NormalizeCaffe:
		for i := 0; i+2 < len(pixels); i += 3 {
			r, g, b := pixels[i], pixels[i+1], pixels[i+2]
			pixels[i] = b - caffeMeanBGR[0]
			pixels[i+1] = g - caffeMeanBGR[1]
			pixels[i+2] = r - caffeMeanBGR[2]
		}
	case NormalizeTF:
		for i := range pixels {
			pixels[i] = pixels[i]/127.5 - 1
		}
	}
}

// CheckBatch validates that pixels holds n images of the extractor's shape.
func CheckBatch(e Extractor, pixels []float32, n int) error {
	h, w := e.InputSize()
	if n <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", n)
	}
	if want := n * h * w * 3; len(pixels) != want {
		return fmt.Errorf("batch buffer has %d values, want %d for %d images of %dx%dx3", len(pixels), want, n, h, w)
	}
	return nil
}
