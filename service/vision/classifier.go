package vision

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/model"
)

// faceFinder locates faces on a BGR frame
type faceFinder interface {
	find(frame gocv.Mat) []model.Detection
	close() error
}

// ClassifierPath maps a classifier constant such as HAAR_FRONTALFACE_ALT2 to
// its XML file under dataDir. Anything that already looks like a file is
// returned unchanged.
func ClassifierPath(name, dataDir string) string {
	if filepath.Ext(name) != "" {
		return name
	}

	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "haar_"):
		lower = "haarcascade_" + strings.TrimPrefix(lower, "haar_")
	case strings.HasPrefix(lower, "lbp_"):
		lower = "lbpcascade_" + strings.TrimPrefix(lower, "lbp_")
	}
	return filepath.Join(dataDir, lower+".xml")
}

func isDNNModel(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".caffemodel", ".onnx", ".pb", ".t7", ".net", ".weights":
		return true
	}
	return false
}

func newFaceFinder(classifier, netConfig string, opts Options) (faceFinder, error) {
	path := ClassifierPath(classifier, opts.DataDir)
	if isDNNModel(path) {
		return newDNNFinder(path, netConfig)
	}
	return newCascadeFinder(path, opts.MaxSide)
}

type cascadeFinder struct {
	classifier gocv.CascadeClassifier
	maxSide    int
}

func newCascadeFinder(path string, maxSide int) (*cascadeFinder, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("%w: %s", ErrClassifierEmpty, path)
	}
	if maxSide <= 0 {
		maxSide = 320
	}
	return &cascadeFinder{classifier: classifier, maxSide: maxSide}, nil
}

// find works on a grayscale copy bounded to maxSide and scales the boxes
// back to frame coordinates. Cascades carry no score: confidence is 100.
func (f *cascadeFinder) find(frame gocv.Mat) []model.Detection {
	gray, factor := grayBounded(frame, f.maxSide)
	defer gray.Close()

	rects := f.classifier.DetectMultiScale(gray)
	out := make([]model.Detection, 0, len(rects))
	for _, r := range rects {
		out = append(out, model.Detection{
			Box:        scaleRect(r, factor),
			Confidence: 100,
		})
	}
	return out
}

// findGray runs the cascade on an image that is already grayscale
func (f *cascadeFinder) findGray(gray gocv.Mat) []image.Rectangle {
	return f.classifier.DetectMultiScale(gray)
}

func (f *cascadeFinder) close() error {
	return f.classifier.Close()
}

type dnnFinder struct {
	net gocv.Net
}

func newDNNFinder(modelPath, configPath string) (*dnnFinder, error) {
	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("%w: %s", ErrClassifierEmpty, modelPath)
	}

	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, err
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, err
	}

	return &dnnFinder{net: net}, nil
}

// find expects an SSD style output of shape 1x1xNx7 where each row is
// [image, class, score, x1, y1, x2, y2] with normalized coordinates.
func (f *dnnFinder) find(frame gocv.Mat) []model.Detection {
	blob := gocv.BlobFromImage(frame, 1.0, image.Pt(300, 300), gocv.NewScalar(104, 177, 123, 0), false, false)
	defer blob.Close()

	f.net.SetInput(blob, "")
	output := f.net.Forward("")
	defer output.Close()

	rows := gocv.GetBlobChannel(output, 0, 0)
	defer rows.Close()

	w, h := float32(frame.Cols()), float32(frame.Rows())
	var out []model.Detection
	for i := 0; i < rows.Rows(); i++ {
		score := rows.GetFloatAt(i, 2)
		if score <= 0 {
			continue
		}
		box := image.Rect(
			int(rows.GetFloatAt(i, 3)*w),
			int(rows.GetFloatAt(i, 4)*h),
			int(rows.GetFloatAt(i, 5)*w),
			int(rows.GetFloatAt(i, 6)*h),
		).Intersect(image.Rect(0, 0, frame.Cols(), frame.Rows()))
		if box.Empty() {
			continue
		}
		out = append(out, model.Detection{
			Box:        box,
			Confidence: float64(score) * 100,
		})
	}
	return out
}

func (f *dnnFinder) close() error {
	return f.net.Close()
}

// grayBounded returns a grayscale copy whose longest side is at most maxSide,
// plus the factor that maps its coordinates back to the source.
func grayBounded(src gocv.Mat, maxSide int) (gocv.Mat, float64) {
	gray := gocv.NewMat()
	if src.Channels() == 1 {
		src.CopyTo(&gray)
	} else {
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	}

	side := src.Cols()
	if src.Rows() > side {
		side = src.Rows()
	}
	if maxSide <= 0 || side <= maxSide {
		return gray, 1
	}

	factor := float64(side) / float64(maxSide)
	small := gocv.NewMat()
	gocv.Resize(gray, &small, image.Pt(int(float64(src.Cols())/factor), int(float64(src.Rows())/factor)), 0, 0, gocv.InterpolationArea)
	gray.Close()
	return small, factor
}

func scaleRect(r image.Rectangle, factor float64) image.Rectangle {
	if factor == 1 {
		return r
	}
	return image.Rect(
		int(float64(r.Min.X)*factor),
		int(float64(r.Min.Y)*factor),
		int(float64(r.Max.X)*factor),
		int(float64(r.Max.Y)*factor),
	)
}
