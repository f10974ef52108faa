// Package render turns a captured screenshot into the deliverable files: a
// watermarked PNG and a single-page PDF of the same image.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"time"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// WatermarkText formats the line stamped on every result.
func WatermarkText(identifier, userName string, at time.Time) string {
	return fmt.Sprintf("ID: %s | User: %s | Date: %s", identifier, userName, at.Format("02/01/2006 15:04"))
}

// Watermark draws text in black near the bottom-left corner of the PNG at
// path and rewrites the file in place.
func Watermark(path, text string) error {
	src, err := decodePNG(path)
	if err != nil {
		return err
	}

	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Src)

	face := basicfont.Face7x13
	// Baseline sits so the glyph box starts 20px above the bottom edge.
	baseline := bounds.Max.Y - 20 + face.Ascent
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(bounds.Min.X+10, baseline),
	}
	d.DrawString(text)

	return encodePNG(path, canvas)
}

// ToPDF writes a single-page PDF sized to the image at imagePath.
func ToPDF(imagePath, pdfPath string) error {
	cfg, err := decodePNGConfig(imagePath)
	if err != nil {
		return err
	}
	w, h := float64(cfg.Width), float64(cfg.Height)

	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: w, Ht: h},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()
	pdf.ImageOptions(imagePath, 0, 0, w, h, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return fmt.Errorf("write pdf %s: %w", pdfPath, err)
	}
	return nil
}

func decodePNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode png %s: %w", path, err)
	}
	return img, nil
}

func decodePNGConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	cfg, err := png.DecodeConfig(f)
	if err != nil {
		return image.Config{}, fmt.Errorf("decode png %s: %w", path, err)
	}
	return cfg, nil
}

func encodePNG(path string, img image.Image) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode png: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace image: %w", err)
	}
	return nil
}
