package internal

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/phpdave11/gofpdf"
)

// pdfDPI maps image pixels to PDF points
const pdfDPI = 96.0

// encodePDF wraps the image as a single page PDF sized to the image
func encodePDF(img image.Image, quality int) ([]byte, error) {
	var jpegBuf bytes.Buffer
	if err := imaging.Encode(&jpegBuf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("failed to encode page image: %w", err)
	}

	bounds := img.Bounds()
	width := float64(bounds.Dx()) * 72.0 / pdfDPI
	height := float64(bounds.Dy()) * 72.0 / pdfDPI

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "pt",
		Size:    gofpdf.SizeType{Wd: width, Ht: height},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	opts := gofpdf.ImageOptions{ImageType: "JPG", ReadDpi: false}
	pdf.RegisterImageOptionsReader("page", opts, &jpegBuf)
	pdf.ImageOptions("page", 0, 0, width, height, false, opts, 0, "")

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}
	return out.Bytes(), nil
}
