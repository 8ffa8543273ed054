package vision

import (
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"gocv.io/x/gocv"
	"gocv.io/x/gocv/contrib"

	"github.com/khaledhikmat/vs-detect/service/lgr"
)

const faceSide = 80

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// recognizer is an LBPH model trained from a directory of face images whose
// file name letters (alice01.jpg -> alice) are the labels.
type recognizer struct {
	lbph   *contrib.LBPHFaceRecognizer
	labels []string
}

// LabelFromFile returns the letters of the file name before the first dot
func LabelFromFile(name string) string {
	base := filepath.Base(name)
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	return strings.Map(func(r rune) rune {
		if r <= unicode.MaxASCII && unicode.IsLetter(r) {
			return r
		}
		return -1
	}, base)
}

// assetFiles lists the training images under dir, sorted, along with the
// distinct labels in first-seen order.
func assetFiles(dir string) ([]string, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)

	var labels []string
	seen := map[string]bool{}
	for _, f := range files {
		l := LabelFromFile(f)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		labels = append(labels, l)
	}

	return files, labels, nil
}

func newRecognizer(dir string, faces *cascadeFinder) (*recognizer, error) {
	files, labels, err := assetFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("reading recognition assets: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("no labelled face images in %s", dir)
	}

	index := make(map[string]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}

	var images []gocv.Mat
	var ids []int
	defer func() {
		for _, m := range images {
			m.Close()
		}
	}()

	for _, f := range files {
		label := LabelFromFile(f)
		if label == "" {
			continue
		}

		img := gocv.IMRead(f, gocv.IMReadGrayScale)
		if img.Empty() {
			img.Close()
			lgr.Logger.Warn("skipping unreadable recognition asset", slog.String("file", f))
			continue
		}

		images = append(images, faceCrop(img, faces))
		ids = append(ids, index[label])
		img.Close()
	}

	if len(images) == 0 {
		return nil, fmt.Errorf("no readable face images in %s", dir)
	}

	lbph := contrib.NewLBPHFaceRecognizer()
	lbph.Train(images, ids)

	lgr.Logger.Info("face recognizer trained",
		slog.String("assets", dir),
		slog.Int("images", len(images)),
		slog.Any("labels", labels),
	)

	return &recognizer{lbph: lbph, labels: labels}, nil
}

// faceCrop returns the first face found in gray resized to faceSide, or the
// whole image resized when no face is found.
func faceCrop(gray gocv.Mat, faces *cascadeFinder) gocv.Mat {
	region := gray
	if faces != nil {
		if rects := faces.findGray(gray); len(rects) > 0 {
			region = gray.Region(rects[0])
			defer region.Close()
		}
	}

	out := gocv.NewMat()
	gocv.Resize(region, &out, image.Pt(faceSide, faceSide), 0, 0, gocv.InterpolationLinear)
	return out
}

// predict returns the best label and its distance for a grayscale face
func (r *recognizer) predict(face gocv.Mat) (string, float64) {
	sample := gocv.NewMat()
	defer sample.Close()
	gocv.Resize(face, &sample, image.Pt(faceSide, faceSide), 0, 0, gocv.InterpolationLinear)

	resp := r.lbph.PredictExtendedResponse(sample)
	label := ""
	if int(resp.Label) >= 0 && int(resp.Label) < len(r.labels) {
		label = r.labels[resp.Label]
	}
	return label, float64(resp.Confidence)
}
