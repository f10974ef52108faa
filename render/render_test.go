package render_test

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/lookuppool/render"
)

func writeWhitePNG(path string, w, h int) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	f, err := os.Create(path)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()
	Expect(png.Encode(f, img)).To(Succeed())
}

var _ = Describe("render", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "render_*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = os.RemoveAll(dir)
	})

	It("should format the watermark line", func() {
		at := time.Date(2025, 7, 4, 9, 5, 0, 0, time.UTC)
		Expect(render.WatermarkText("123456789", "Dana", at)).To(Equal("ID: 123456789 | User: Dana | Date: 04/07/2025 09:05"))
	})

	It("should draw dark text near the bottom-left corner", func() {
		path := filepath.Join(dir, "shot.png")
		writeWhitePNG(path, 400, 100)

		Expect(render.Watermark(path, "ID: 123456789 | User: Dana")).To(Succeed())

		f, err := os.Open(path)
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()
		img, err := png.Decode(f)
		Expect(err).NotTo(HaveOccurred())
		Expect(img.Bounds().Dx()).To(Equal(400))

		dark := 0
		for y := 100 - 20; y < 100-7; y++ {
			for x := 10; x < 200; x++ {
				r, _, _, _ := img.At(x, y).RGBA()
				if r < 0x8000 {
					dark++
				}
			}
		}
		Expect(dark).To(BeNumerically(">", 0))

		// The top of the image is untouched.
		r, g, b, _ := img.At(5, 5).RGBA()
		Expect([]uint32{r, g, b}).To(Equal([]uint32{0xffff, 0xffff, 0xffff}))
	})

	It("should fail on a file that is not a PNG", func() {
		path := filepath.Join(dir, "broken.png")
		Expect(os.WriteFile(path, []byte("not an image"), 0o644)).To(Succeed())
		Expect(render.Watermark(path, "x")).To(HaveOccurred())
		Expect(render.ToPDF(path, filepath.Join(dir, "broken.pdf"))).To(HaveOccurred())
	})

	It("should write a PDF of the image", func() {
		pngPath := filepath.Join(dir, "shot.png")
		pdfPath := filepath.Join(dir, "shot.pdf")
		writeWhitePNG(pngPath, 120, 80)

		Expect(render.ToPDF(pngPath, pdfPath)).To(Succeed())

		data, err := os.ReadFile(pdfPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data[:5])).To(Equal("%PDF-"))
	})
})
