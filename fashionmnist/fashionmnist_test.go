package fashionmnist

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"math/rand"
	"os"
	"path"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func writeIDXImages(t *testing.T, filePath string, images []Image) {
	f, err := os.Create(filePath)
	require.NoError(t, err)
	w := gzip.NewWriter(f)
	header := idxImagesHeader{Magic: imagesMagic, NumImages: int32(len(images)), Height: Height, Width: Width}
	require.NoError(t, binary.Write(w, binary.BigEndian, header))
	require.NoError(t, binary.Write(w, binary.BigEndian, images))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func writeIDXLabels(t *testing.T, filePath string, labels []Label) {
	f, err := os.Create(filePath)
	require.NoError(t, err)
	w := gzip.NewWriter(f)
	header := idxLabelsHeader{Magic: labelsMagic, NumLabels: int32(len(labels))}
	require.NoError(t, binary.Write(w, binary.BigEndian, header))
	require.NoError(t, binary.Write(w, binary.BigEndian, labels))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

// writeTestDataset writes synthetic IDX files for both splits to baseDir, so
// the download step finds them already in place. It returns the images and
// labels of the train split.
func writeTestDataset(t *testing.T, baseDir string, numTrain, numTest int) ([]Image, []Label) {
	newImage := func(seed int) (img Image) {
		for i := range img {
			img[i] = byte((seed + i) % 256)
		}
		return
	}
	trainImages := make([]Image, numTrain)
	trainLabels := make([]Label, numTrain)
	for i := range trainImages {
		trainImages[i] = newImage(i * 31)
		trainLabels[i] = Label(i % NumClasses)
	}
	writeIDXImages(t, path.Join(baseDir, trainImagesFile), trainImages)
	writeIDXLabels(t, path.Join(baseDir, trainLabelsFile), trainLabels)

	testImages := make([]Image, numTest)
	testLabels := make([]Label, numTest)
	for i := range testImages {
		testImages[i] = newImage(1000 + i)
		testLabels[i] = Label((i + 1) % NumClasses)
	}
	writeIDXImages(t, path.Join(baseDir, testImagesFile), testImages)
	writeIDXLabels(t, path.Join(baseDir, testLabelsFile), testLabels)
	return trainImages, trainLabels
}

func TestLoadImagesAndLabels(t *testing.T) {
	baseDir := t.TempDir()
	trainImages, trainLabels := writeTestDataset(t, baseDir, 5, 2)

	images, err := LoadImages(path.Join(baseDir, trainImagesFile))
	require.NoError(t, err)
	assert.Equal(t, trainImages, images)

	labels, err := LoadLabels(path.Join(baseDir, trainLabelsFile))
	require.NoError(t, err)
	assert.Equal(t, trainLabels, labels)
}

func TestLoadImagesValidates(t *testing.T) {
	baseDir := t.TempDir()

	badMagic := path.Join(baseDir, "bad_magic.gz")
	f, err := os.Create(badMagic)
	require.NoError(t, err)
	w := gzip.NewWriter(f)
	header := idxImagesHeader{Magic: 0x12345678, NumImages: 1, Height: Height, Width: Width}
	require.NoError(t, binary.Write(w, binary.BigEndian, header))
	require.NoError(t, binary.Write(w, binary.BigEndian, Image{}))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	_, err = LoadImages(badMagic)
	require.ErrorContains(t, err, "magic")

	badDims := path.Join(baseDir, "bad_dims.gz")
	f, err = os.Create(badDims)
	require.NoError(t, err)
	w = gzip.NewWriter(f)
	header = idxImagesHeader{Magic: imagesMagic, NumImages: 1, Height: 14, Width: Width}
	require.NoError(t, binary.Write(w, binary.BigEndian, header))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	_, err = LoadImages(badDims)
	require.ErrorContains(t, err, "expected 28x28")

	notGzip := path.Join(baseDir, "not_gzip.gz")
	require.NoError(t, os.WriteFile(notGzip, []byte("not a gzip file"), 0644))
	_, err = LoadImages(notGzip)
	require.ErrorContains(t, err, "un-gzip")

	_, err = LoadImages(path.Join(baseDir, "missing.gz"))
	require.Error(t, err)
}

func TestImagesToTensor(t *testing.T) {
	var img0, img1 Image
	img0.Set(0, 0, 255)
	img0.Set(27, 0, 51)
	img1.Set(0, 1, 102)

	imagesT, err := ImagesToTensor([]Image{img0, img1}, dtypes.Float32)
	require.NoError(t, err)
	require.NoError(t, imagesT.Shape().CheckDims(2, Height, Width, 1))
	tensors.MustConstFlatData(imagesT, func(flat []float32) {
		assert.Equal(t, float32(1), flat[0])                   // Pixel (0, 0) of image 0.
		assert.InDelta(t, 0.2, flat[27], 1e-6)                 // Pixel (27, 0) of image 0.
		assert.InDelta(t, 0.4, flat[Width*Height+Width], 1e-6) // Pixel (0, 1) of image 1.
	})

	_, err = ImagesToTensor([]Image{img0}, dtypes.Int32)
	require.ErrorContains(t, err, "only Float32 and Float64")
}

func TestDataset(t *testing.T) {
	baseDir := t.TempDir()
	_, trainLabels := writeTestDataset(t, baseDir, 5, 2)

	ds, err := NewDataset("train", baseDir, "train", 2, nil, dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, 5, ds.NumExamples())
	assert.Equal(t, "train", ds.Name())

	// Without shuffling, batches come in file order, the last one incomplete.
	var batchSizes []int
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Same(t, ds, spec)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		batchSize := inputs[0].Shape().Dimensions[0]
		require.NoError(t, inputs[0].Shape().CheckDims(batchSize, Height, Width, 1))
		require.NoError(t, labels[0].Shape().CheckDims(batchSize))
		if len(batchSizes) == 0 {
			assert.Equal(t, trainLabels[:2], labels[0].Value().([]int8))
		}
		batchSizes = append(batchSizes, batchSize)
	}
	assert.Equal(t, []int{2, 2, 1}, batchSizes)

	// An exhausted epoch keeps returning io.EOF until Reset.
	_, _, _, err = ds.Yield()
	require.Equal(t, io.EOF, err)
	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, 2, inputs[0].Shape().Dimensions[0])

	_, err = NewDataset("x", baseDir, "validation", 2, nil, dtypes.Float32)
	require.ErrorContains(t, err, "unknown Fashion-MNIST split")
	_, err = NewDataset("x", baseDir, "train", 2, nil, dtypes.Int8)
	require.ErrorContains(t, err, "only Float32 and Float64")
}

func TestDatasetShuffle(t *testing.T) {
	baseDir := t.TempDir()
	writeTestDataset(t, baseDir, 5, 2)

	ds, err := NewDataset("train", baseDir, "train", 2, rand.New(rand.NewSource(42)), dtypes.Float32)
	require.NoError(t, err)
	var seen []int8
	for {
		_, _, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen = append(seen, labels[0].Value().([]int8)...)
	}
	// Each epoch visits every example exactly once.
	require.Len(t, seen, 5)
	slices.Sort(seen)
	assert.Equal(t, []int8{0, 1, 2, 3, 4}, seen)
}

func TestInMemoryDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	baseDir := t.TempDir()
	writeTestDataset(t, baseDir, 5, 2)

	mds, err := InMemoryDataset(backend, baseDir, "train", dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, 5, mds.NumExamples())

	mds.BatchSize(2, true)
	_, inputs, labels, err := mds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.NoError(t, inputs[0].Shape().CheckDims(2, Height, Width, 1))
	require.Len(t, labels, 1)
	require.NoError(t, labels[0].Shape().CheckDims(2))
}
