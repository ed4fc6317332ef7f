package ddpm

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensorToImages(t *testing.T) {
	imagesT := tensors.FromValue([][][][]float32{
		{{{0}, {127.4}}, {{255}, {300}}},
		{{{-5}, {10.6}}, {{128}, {254.5}}},
	})
	images := TensorToImages(imagesT)
	require.Len(t, images, 2)

	gray0, ok := images[0].(*image.Gray)
	require.True(t, ok, "grayscale tensors must convert to *image.Gray")
	assert.Equal(t, image.Rect(0, 0, 2, 2), gray0.Bounds())
	assert.Equal(t, uint8(0), gray0.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(127), gray0.GrayAt(1, 0).Y)
	assert.Equal(t, uint8(255), gray0.GrayAt(0, 1).Y)
	assert.Equal(t, uint8(255), gray0.GrayAt(1, 1).Y) // Clipped from 300.

	gray1 := images[1].(*image.Gray)
	assert.Equal(t, uint8(0), gray1.GrayAt(0, 0).Y) // Clipped from -5.
	assert.Equal(t, uint8(10), gray1.GrayAt(1, 0).Y)
	assert.Equal(t, uint8(128), gray1.GrayAt(0, 1).Y)
	assert.Equal(t, uint8(254), gray1.GrayAt(1, 1).Y)

	require.Panics(t, func() { TensorToImages(tensors.FromValue([]float32{1, 2, 3})) },
		"images tensors must be rank 4")
}

func TestImagesToGrid(t *testing.T) {
	newUniform := func(v uint8) image.Image {
		img := image.NewGray(image.Rect(0, 0, 2, 2))
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				img.SetGray(x, y, color.Gray{Y: v})
			}
		}
		return img
	}
	images := []image.Image{newUniform(10), newUniform(20), newUniform(30)}
	grid := ImagesToGrid(images, 2)
	assert.Equal(t, image.Rect(0, 0, 4, 4), grid.Bounds())

	grayAt := func(x, y int) uint8 {
		r, _, _, _ := grid.At(x, y).RGBA()
		return uint8(r >> 8)
	}
	assert.Equal(t, uint8(10), grayAt(0, 0))
	assert.Equal(t, uint8(20), grayAt(2, 0))
	assert.Equal(t, uint8(30), grayAt(0, 2))
	// The cell left empty by the partial last row is black.
	assert.Equal(t, uint8(0), grayAt(2, 2))

	require.Panics(t, func() { ImagesToGrid(nil, 2) })
	require.Panics(t, func() { ImagesToGrid(images, 0) })
}

func TestSaveImagesGrid(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.SetGray(0, 0, color.Gray{Y: 200})
	images := []image.Image{img, img, img}

	filePath := filepath.Join(t.TempDir(), "samples.png")
	require.NoError(t, SaveImagesGrid(filePath, images, 2))

	f, err := os.Open(filePath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	decoded, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), decoded.Bounds())
	r, _, _, _ := decoded.At(0, 0).RGBA()
	assert.Equal(t, uint32(200*0x101), r)

	err = SaveImagesGrid(filepath.Join(t.TempDir(), "missing", "samples.png"), images, 2)
	require.Error(t, err)
}

func TestImagesToHtml(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	html := ImagesToHtml([]image.Image{img, img})
	assert.Contains(t, html, `<img src="data:image/png;base64,`)
}
