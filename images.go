package ddpm

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// TensorToImages converts a batch of images in tensor format, shaped
// [batch, height, width, channels], to Go images. It assumes image's MaxValue
// of 255.
//
// Grayscale images (1 channel) are converted directly to image.Gray; tensors
// with 3 or 4 channels are delegated to the timage package.
func TensorToImages(imagesT *tensors.Tensor) []image.Image {
	shape := imagesT.Shape()
	if shape.Rank() != 4 {
		exceptions.Panicf("TensorToImages requires a tensor shaped [batch, height, width, channels], got %s", shape)
	}
	if shape.Dimensions[3] != 1 {
		return timage.ToImage().MaxValue(255.0).Batch(imagesT)
	}
	images := make([]image.Image, shape.Dimensions[0])
	height, width := shape.Dimensions[1], shape.Dimensions[2]
	switch shape.DType {
	case dtypes.Float32:
		grayImagesFromFlat[float32](imagesT, images, height, width)
	case dtypes.Float64:
		grayImagesFromFlat[float64](imagesT, images, height, width)
	case dtypes.Uint8:
		grayImagesFromFlat[uint8](imagesT, images, height, width)
	default:
		exceptions.Panicf("TensorToImages cannot convert grayscale tensor of dtype %s", shape.DType)
	}
	return images
}

func grayImagesFromFlat[T interface{ float32 | float64 | uint8 }](
	imagesT *tensors.Tensor, images []image.Image, height, width int) {
	tensors.MustConstFlatData(imagesT, func(flat []T) {
		pos := 0
		for imgIdx := range images {
			img := image.NewGray(image.Rect(0, 0, width, height))
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					value := min(max(float64(flat[pos]), 0), 255)
					img.SetGray(x, y, color.Gray{Y: uint8(value)})
					pos++
				}
			}
			images[imgIdx] = img
		}
	})
}

// ImagesToGrid composes the images into a single grid image with perRow
// images per row, in row-major order. All images must have the same size.
func ImagesToGrid(images []image.Image, perRow int) image.Image {
	if len(images) == 0 || perRow <= 0 {
		exceptions.Panicf("ImagesToGrid requires at least one image and perRow > 0, got %d images with perRow=%d",
			len(images), perRow)
	}
	bounds := images[0].Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	numRows := (len(images) + perRow - 1) / perRow
	grid := imaging.New(perRow*width, numRows*height, color.Black)
	for ii, img := range images {
		grid = imaging.Paste(grid, img, image.Pt((ii%perRow)*width, (ii/perRow)*height))
	}
	return grid
}

// SaveImagesGrid composes the images into a grid with perRow images per row
// and writes it as a PNG file to filePath.
func SaveImagesGrid(filePath string, images []image.Image, perRow int) error {
	grid := ImagesToGrid(images, perRow)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create image file %q", filePath)
	}
	if err = png.Encode(f, grid); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode PNG image to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close image file %q", filePath)
}

// PlotImagesTensor plots images in tensor format, all in one row.
// It assumes image's MaxValue of 255.
//
// This only works in a Jupyter (GoNB kernel) notebook.
func PlotImagesTensor(imagesT *tensors.Tensor) {
	if !gonbui.IsNotebook {
		return
	}
	PlotImages(TensorToImages(imagesT))
}

// PlotImages all in one row. This only works in a Jupyter (GoNB kernel)
// notebook.
func PlotImages(images []image.Image) {
	if gonbui.IsNotebook {
		gonbui.DisplayHTML(ImagesToHtml(images))
	}
}

// ImagesToHtml converts a slice of images to a list of images side-by-side
// in HTML format, that can be easily displayed.
func ImagesToHtml(images []image.Image) string {
	parts := make([]string, 0, len(images))
	for _, img := range images {
		imgSrc := must.M1(gonbui.EmbedImageAsPNGSrc(img))
		parts = append(parts, fmt.Sprintf(`<img src="%s">`, imgSrc))
	}
	return fmt.Sprintf(
		"<div style=\"overflow-x: auto\">\n\t%s</div>\n", strings.Join(parts, "\n\t"))
}

var generatedSamplesRegex = regexp.MustCompile(`generated_samples_(\d+).tensor`)

// PlotModelEvolution displays the sample batches saved at each milestone
// during training, in order, labeled with the global step at which they were
// generated. Since every batch starts from the same fixed noise, the series
// shows how the model quality evolved.
//
// If one globalStepLimits value is given, only the latest samples taken at a
// global step <= the limit are displayed. If two values are given, they are
// taken as a (start, end) range of global steps.
//
// It outputs at most imagesPerSample images per milestone.
//
// This only works in a Jupyter (GoNB kernel) notebook.
func PlotModelEvolution(cfg *Config, imagesPerSample int, globalStepLimits ...int) {
	if !gonbui.IsNotebook {
		return
	}
	resultsDir := cfg.ResultsDir()
	entries := must.M1(os.ReadDir(resultsDir))
	startGlobalStep, endGlobalStep := -1, -1
	switch len(globalStepLimits) {
	case 0:
	case 1:
		endGlobalStep = globalStepLimits[0]
	case 2:
		startGlobalStep, endGlobalStep = globalStepLimits[0], globalStepLimits[1]
	default:
		exceptions.Panicf("PlotModelEvolution: expected 0, 1 or 2 global step limits, got %d", len(globalStepLimits))
	}

	var sampleFiles []string
	var sampleGlobalSteps []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		nameMatches := generatedSamplesRegex.FindStringSubmatch(fileName)
		if len(nameMatches) != 2 || nameMatches[0] != fileName {
			continue
		}
		globalStep := must.M1(strconv.Atoi(nameMatches[1]))
		if startGlobalStep > 0 && globalStep < startGlobalStep {
			continue
		}
		if endGlobalStep > 0 {
			if globalStep > endGlobalStep {
				continue
			}
			if startGlobalStep < 0 && len(sampleFiles) == 1 {
				// No range: keep only the latest samples taken before the limit.
				if globalStep > sampleGlobalSteps[0] {
					sampleFiles[0] = fileName
					sampleGlobalSteps[0] = globalStep
				}
				continue
			}
		}
		sampleFiles = append(sampleFiles, fileName)
		sampleGlobalSteps = append(sampleGlobalSteps, globalStep)
	}
	if len(sampleFiles) == 0 {
		gonbui.DisplayHTML(fmt.Sprintf("<b>No generated samples in <pre>%s</pre>.</b>", resultsDir))
		return
	}

	gonbui.DisplayMarkdown(fmt.Sprintf("**Generated samples in `%s`:**", resultsDir))
	for ii, sampleFile := range sampleFiles {
		imagesT := must.M1(tensors.Load(path.Join(resultsDir, sampleFile)))
		images := TensorToImages(imagesT)
		if imagesPerSample > 0 && len(images) > imagesPerSample {
			images = images[:imagesPerSample]
		}
		gonbui.DisplayMarkdown(fmt.Sprintf("- global_step %d:\n", sampleGlobalSteps[ii]))
		PlotImages(images)
	}
}
