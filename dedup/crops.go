package dedup

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ImageStore fetches street-level images by name
type ImageStore interface {
	Open(name string) (image.Image, error)
	Exists(name string) bool
}

// DirStore is an ImageStore backed by a local directory
type DirStore struct {
	Root string
}

// NewDirStore creates a store reading images below root
func NewDirStore(root string) *DirStore {
	return &DirStore{Root: root}
}

func (s *DirStore) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.Root, name)
}

// Open decodes the named image
func (s *DirStore) Open(name string) (image.Image, error) {
	img, err := imaging.Open(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", name, err)
	}
	return img, nil
}

// Exists reports whether the named image is present
func (s *DirStore) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// CropDetection cuts the box out of img as NRGBA, the channel order every
// verifier receives. Box coordinates are truncated to pixels and clamped to
// the image. ok is false when the crop has zero width or height.
func CropDetection(img image.Image, b Box) (crop *image.NRGBA, ok bool) {
	bounds := img.Bounds()
	rect := image.Rect(
		bounds.Min.X+int(b.Left), bounds.Min.Y+int(b.Top),
		bounds.Min.X+int(b.Right), bounds.Min.Y+int(b.Bottom),
	).Intersect(bounds)
	if rect.Dx() <= 0 || rect.Dy() <= 0 {
		return nil, false
	}
	return imaging.Crop(img, rect), true
}

// EnsureMinSide upscales img so that both sides are at least minSide,
// keeping the aspect ratio. Images already large enough are returned as is.
func EnsureMinSide(img image.Image, minSide int) image.Image {
	if minSide <= 0 {
		return img
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w == 0 || h == 0 || (w >= minSide && h >= minSide) {
		return img
	}
	scale := math.Max(float64(minSide)/float64(w), float64(minSide)/float64(h))
	return imaging.Resize(img, int(float64(w)*scale), int(float64(h)*scale), imaging.Linear)
}

const auditLabelHeight = 18

// SaveAuditPair writes the two crops side by side, stamped with the vote
// tally, as dir/pair_<index>_votes_<votes>.jpg and returns the path
func SaveAuditPair(dir string, index, votes, verifiers int, a, b image.Image) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating audit dir: %w", err)
	}

	const gap = 4
	wa, ha := a.Bounds().Dx(), a.Bounds().Dy()
	wb, hb := b.Bounds().Dx(), b.Bounds().Dy()
	width := wa + gap + wb
	height := max(ha, hb) + auditLabelHeight

	sheet := imaging.New(width, height, color.White)
	sheet = imaging.Paste(sheet, a, image.Pt(0, auditLabelHeight))
	sheet = imaging.Paste(sheet, b, image.Pt(wa+gap, auditLabelHeight))
	drawText(sheet, 2, 13, fmt.Sprintf("votes %d/%d", votes, verifiers), color.RGBA{200, 0, 0, 255})

	path := filepath.Join(dir, fmt.Sprintf("pair_%d_votes_%d.jpg", index, votes))
	if err := imaging.Save(sheet, path); err != nil {
		return "", fmt.Errorf("saving audit pair: %w", err)
	}
	return path, nil
}

// drawText renders text onto an image at the specified baseline position
func drawText(img *image.NRGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
