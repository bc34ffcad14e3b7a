package dataset

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"griddet/tensor"
	"griddet/training"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// DetectionDataset pairs images in one directory with label files in
// another. An image stem.jpg matches labels/stem.txt; a missing label file
// means the image has no boxes.
type DetectionDataset struct {
	imagePaths []string
	labelsDir  string
	imageSize  int
}

// NewDetectionDataset scans imagesDir for images and prepares samples
// resized to imageSize x imageSize.
func NewDetectionDataset(imagesDir, labelsDir string, imageSize int) (*DetectionDataset, error) {
	if imageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", imageSize)
	}

	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		return nil, fmt.Errorf("cannot read image directory %s: %w", imagesDir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if imageExtensions[ext] {
			paths = append(paths, filepath.Join(imagesDir, entry.Name()))
		}
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, fmt.Errorf("no images found in %s", imagesDir)
	}

	return &DetectionDataset{
		imagePaths: paths,
		labelsDir:  labelsDir,
		imageSize:  imageSize,
	}, nil
}

// Len returns the number of samples
func (d *DetectionDataset) Len() int {
	return len(d.imagePaths)
}

// Get loads and resizes one image plus its box labels.
func (d *DetectionDataset) Get(index int) (*tensor.Tensor, training.BoxLabels, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}

	path := d.imagePaths[index]
	img, err := imaging.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open image %s: %w", path, err)
	}

	resized := imaging.Resize(img, d.imageSize, d.imageSize, imaging.Linear)

	imageTensor, err := imageToTensor(resized, d.imageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot convert image %s: %w", path, err)
	}

	labels, err := ParseLabelFile(d.labelPath(path))
	if err != nil {
		return nil, nil, err
	}

	return imageTensor, labels, nil
}

// ImagePath returns the path of the sample at index.
func (d *DetectionDataset) ImagePath(index int) string {
	return d.imagePaths[index]
}

func (d *DetectionDataset) labelPath(imagePath string) string {
	base := filepath.Base(imagePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(d.labelsDir, stem+".txt")
}

// imageToTensor converts an image to a CHW float32 tensor with values in
// [0, 1].
func imageToTensor(img image.Image, size int) (*tensor.Tensor, error) {
	data := make([]float32, 3*size*size)
	plane := size * size

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			idx := y*size + x
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}

	return tensor.NewTensor([]int{3, size, size}, tensor.Float32, tensor.CPU, data)
}

// ParseLabelFile reads one label file: one box per line as
// "class cx cy w h". A missing file yields no boxes. Lines that do not have
// exactly five numeric fields are skipped.
func ParseLabelFile(path string) (training.BoxLabels, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot open label file %s: %w", path, err)
	}
	defer file.Close()

	var labels training.BoxLabels
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 5 {
			continue
		}

		var box [5]float32
		valid := true
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				valid = false
				break
			}
			box[i] = float32(v)
		}
		if valid {
			labels = append(labels, box)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read label file %s: %w", path, err)
	}

	return labels, nil
}
