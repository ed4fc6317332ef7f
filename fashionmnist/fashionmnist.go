// Package fashionmnist loads the Fashion-MNIST dataset: 70,000 grayscale
// 28x28 images of clothing items in 10 classes, stored in the same IDX file
// format as the original MNIST.
//
// See https://github.com/zalandoresearch/fashion-mnist for details.
package fashionmnist

import (
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path"
	"sync"

	"github.com/gomlx/ddpm/downloader"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

const (
	// DownloadBaseURL is a mirror of the Fashion-MNIST IDX files.
	DownloadBaseURL = "https://storage.googleapis.com/tensorflow/tf-keras-datasets"

	trainImagesFile = "train-images-idx3-ubyte.gz"
	trainLabelsFile = "train-labels-idx1-ubyte.gz"
	testImagesFile  = "t10k-images-idx3-ubyte.gz"
	testLabelsFile  = "t10k-labels-idx1-ubyte.gz"

	// Width and Height of every image in the dataset.
	Width  = 28
	Height = 28

	// NumChannels is 1, the images are grayscale.
	NumChannels = 1

	// NumClasses of clothing items.
	NumClasses = 10

	// NumTrainExamples and NumTestExamples per split.
	NumTrainExamples = 60000
	NumTestExamples  = 10000

	imagesMagic = 0x00000803
	labelsMagic = 0x00000801
)

// ClassNames maps a label value to the name of its clothing class.
var ClassNames = [NumClasses]string{
	"T-shirt/top", "Trouser", "Pullover", "Dress", "Coat",
	"Sandal", "Shirt", "Sneaker", "Bag", "Ankle boot"}

var splitFiles = map[string][2]string{
	"train": {trainImagesFile, trainLabelsFile},
	"test":  {testImagesFile, testLabelsFile},
}

// Image is a single grayscale Fashion-MNIST image: 0 is black (background),
// 255 is the brightest foreground. It implements image.Image.
type Image [Width * Height]byte

var _ image.Image = Image{}

// ColorModel implements image.Image.
func (img Image) ColorModel() color.Model { return color.GrayModel }

// Bounds implements image.Image.
func (img Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, Width, Height)
}

// At implements image.Image.
func (img Image) At(x, y int) color.Color {
	return color.Gray{Y: img[y*Width+x]}
}

// Set the pixel at (x,y).
func (img *Image) Set(x, y int, v byte) {
	img[y*Width+x] = v
}

// Label of an image, from 0 to NumClasses-1. See ClassNames.
type Label = int8

// Download the 4 Fashion-MNIST files to baseDir, if not already there.
func Download(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	for _, files := range splitFiles {
		for _, file := range files {
			fileURL, err := url.JoinPath(DownloadBaseURL, file)
			if err != nil {
				return errors.Wrapf(err, "invalid URL for %q", file)
			}
			if err := downloader.DownloadIfMissing(fileURL, path.Join(baseDir, file), ""); err != nil {
				return errors.WithMessagef(err, "failed to download %q", file)
			}
		}
	}
	return nil
}

type idxImagesHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type idxLabelsHeader struct {
	Magic     int32
	NumLabels int32
}

// LoadImages parses a gzip'd IDX images file.
func LoadImages(filePath string) ([]Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	defer func() { _ = reader.Close() }()

	var header idxImagesHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read IDX header from %q", filePath)
	}
	if header.Magic != imagesMagic {
		return nil, errors.Errorf("invalid magic number 0x%08x in %q, wanted 0x%08x", header.Magic, filePath, imagesMagic)
	}
	if header.Width != Width || header.Height != Height {
		return nil, errors.Errorf("images in %q are %dx%d, expected %dx%d",
			filePath, header.Width, header.Height, Width, Height)
	}
	images := make([]Image, header.NumImages)
	for i := range images {
		if err = binary.Read(reader, binary.BigEndian, &images[i]); err != nil {
			return nil, errors.Wrapf(err, "failed to read image %d from %q", i, filePath)
		}
	}
	return images, nil
}

// LoadLabels parses a gzip'd IDX labels file.
func LoadLabels(filePath string) ([]Label, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	defer func() { _ = reader.Close() }()

	var header idxLabelsHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read IDX header from %q", filePath)
	}
	if header.Magic != labelsMagic {
		return nil, errors.Errorf("invalid magic number 0x%08x in %q, wanted 0x%08x", header.Magic, filePath, labelsMagic)
	}
	labels := make([]Label, header.NumLabels)
	if err = binary.Read(reader, binary.BigEndian, &labels); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels from %q", header.NumLabels, filePath)
	}
	return labels, nil
}

// ImagesToTensor converts Fashion-MNIST images to a tensor shaped
// [numImages, Height, Width, 1], with pixel values scaled to [0, 1].
// Only the float dtypes Float32 and Float64 are supported.
func ImagesToTensor(images []Image, dtype dtypes.DType) (*tensors.Tensor, error) {
	switch dtype {
	case dtypes.Float32:
		return imagesToTensor[float32](images, dtype), nil
	case dtypes.Float64:
		return imagesToTensor[float64](images, dtype), nil
	}
	return nil, errors.Errorf("cannot convert Fashion-MNIST images to dtype %s, only Float32 and Float64 are supported", dtype)
}

func imagesToTensor[T dtypes.GoFloat](images []Image, dtype dtypes.DType) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtype, len(images), Height, Width, NumChannels))
	tensors.MustMutableFlatData[T](t, func(flat []T) {
		pos := 0
		for _, img := range images {
			for _, value := range img {
				flat[pos] = T(value) / T(255)
				pos++
			}
		}
	})
	return t
}

// Dataset implements train.Dataset, yielding batches of Fashion-MNIST images
// and their labels. All images are held in memory (~47Mb for the train split).
type Dataset struct {
	name  string
	dtype dtypes.DType

	images []Image
	labels []Label

	mu        sync.Mutex
	batchSize int
	shuffle   *rand.Rand
	indices   []int
	position  int
}

var _ train.Dataset = &Dataset{}

// NewDataset creates a train.Dataset yielding Fashion-MNIST batches.
//
// split must be "train" or "test". If shuffle is nil examples are yielded in
// file order. Images are converted to dtype (Float32 or Float64), with pixel
// values scaled to [0, 1]. It downloads the dataset files to baseDir if not
// already there.
func NewDataset(name, baseDir, split string, batchSize int, shuffle *rand.Rand, dtype dtypes.DType) (*Dataset, error) {
	files, ok := splitFiles[split]
	if !ok {
		return nil, errors.Errorf("unknown Fashion-MNIST split %q, valid values are \"train\" and \"test\"", split)
	}
	if err := Download(baseDir); err != nil {
		return nil, err
	}
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	images, err := LoadImages(path.Join(baseDir, files[0]))
	if err != nil {
		return nil, err
	}
	labels, err := LoadLabels(path.Join(baseDir, files[1]))
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, errors.Errorf("%d images but %d labels in split %q", len(images), len(labels), split)
	}
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		return nil, errors.Errorf("cannot create a Fashion-MNIST dataset with dtype %s, only Float32 and Float64 are supported", dtype)
	}
	ds := &Dataset{
		name:      name,
		dtype:     dtype,
		images:    images,
		labels:    labels,
		batchSize: batchSize,
		shuffle:   shuffle,
	}
	ds.resetLocked()
	return ds, nil
}

// NumExamples in the dataset split.
func (ds *Dataset) NumExamples() int { return len(ds.images) }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset, rewinding to the start of an epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	if ds.shuffle != nil {
		ds.indices = ds.shuffle.Perm(len(ds.images))
	} else {
		ds.indices = make([]int, len(ds.images))
		for i := range ds.indices {
			ds.indices[i] = i
		}
	}
	ds.position = 0
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the Dataset itself.
//   - inputs: one tensor with the images batch, shaped
//     `[batch_size, Height, Width, 1]`.
//   - labels: one tensor shaped `[batch_size]` with the class of each image.
//
// The last batch of an epoch may be smaller than batchSize. After the epoch
// is exhausted it returns io.EOF until Reset is called.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.position >= len(ds.indices) {
		return nil, nil, nil, io.EOF
	}
	start := ds.position
	end := min(start+ds.batchSize, len(ds.indices))
	ds.position = end

	batchIndices := ds.indices[start:end]
	batchImages, err := ImagesToTensor(gatherBatch(ds.images, batchIndices), ds.dtype)
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{batchImages}
	batchLabels := gatherBatch(ds.labels, batchIndices)
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batchLabels, len(batchLabels))}
	return ds, inputs, labels, nil
}

// IsOwnershipTransferred tells the train loop the yielded tensors are owned by
// the caller and can be donated to the executor.
func (ds *Dataset) IsOwnershipTransferred() bool { return true }

type inMemoryKey struct {
	split string
	dtype dtypes.DType
}

var (
	inMemoryMu    sync.Mutex
	inMemoryCache = make(map[inMemoryKey]*datasets.InMemoryDataset)
)

// InMemoryDataset downloads the given split to baseDir if needed and loads it
// into a datasets.InMemoryDataset, which supports shuffling, batching and
// infinite looping. The underlying data is cached per split and dtype, so
// multiple calls don't duplicate it in memory.
func InMemoryDataset(backend backends.Backend, baseDir, split string, dtype dtypes.DType) (*datasets.InMemoryDataset, error) {
	inMemoryMu.Lock()
	defer inMemoryMu.Unlock()
	key := inMemoryKey{split: split, dtype: dtype}
	if mds, found := inMemoryCache[key]; found {
		return mds.Copy(), nil
	}
	ds, err := NewDataset("fashion_mnist_"+split, baseDir, split, 512, nil, dtype)
	if err != nil {
		return nil, err
	}
	mds, err := datasets.InMemory(backend, ds, true)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load Fashion-MNIST split %q into an accelerator tensor", split)
	}
	inMemoryCache[key] = mds
	return mds.Copy(), nil
}

func gatherBatch[T any, I constraints.Integer](items []T, indices []I) []T {
	selected := make([]T, 0, len(indices))
	for _, i := range indices {
		selected = append(selected, items[i])
	}
	return selected
}
