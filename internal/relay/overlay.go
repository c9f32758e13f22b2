package relay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/clover1417/Annie-Mie-Client/internal/detect"
)

var (
	boxColor   = color.RGBA{R: 76, G: 175, B: 80, A: 255}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// annotation pairs a detection with the identity label resolved for it.
type annotation struct {
	face  detect.Face
	label string
}

// labelFor renders "shortid score%" for a face; unresolved identities show as
// "unknown".
func labelFor(face detect.Face, identityID string) string {
	if identityID == "" {
		identityID = "unknown"
	}
	short := identityID
	if len(short) > 8 {
		short = short[len(short)-8:]
	}
	return fmt.Sprintf("%s %.0f%%", short, face.Score*100)
}

// drawOverlay decodes a JPEG frame, draws the annotations and re-encodes it.
// On any decode/encode failure the original frame is returned untouched.
func drawOverlay(frame []byte, anns []annotation) []byte {
	if len(anns) == 0 {
		return frame
	}
	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return frame
	}
	img := image.NewRGBA(src.Bounds())
	draw.Draw(img, img.Bounds(), src, src.Bounds().Min, draw.Src)

	for _, a := range anns {
		box := a.face.Box.Intersect(img.Bounds())
		if box.Empty() {
			continue
		}
		drawRect(img, box, boxColor, 2)
		drawLabel(img, box, a.label)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return frame
	}
	return buf.Bytes()
}

// drawRect strokes the rectangle outline with the given thickness.
func drawRect(img *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Set(x, r.Min.Y+t, c)
			img.Set(x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.Set(r.Min.X+t, y, c)
			img.Set(r.Max.X-1-t, y, c)
		}
	}
}

// drawLabel paints a filled bar above the box and renders the label text on it.
func drawLabel(img *image.RGBA, box image.Rectangle, label string) {
	face := basicfont.Face7x13
	textWidth := font.MeasureString(face, label).Ceil()
	barHeight := face.Metrics().Height.Ceil() + 4

	bar := image.Rect(box.Min.X, box.Min.Y-barHeight, box.Min.X+textWidth+10, box.Min.Y)
	bar = bar.Intersect(img.Bounds())
	if bar.Empty() {
		return
	}
	draw.Draw(img, bar, &image.Uniform{C: boxColor}, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: labelColor},
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(bar.Min.X + 5),
			Y: fixed.I(bar.Max.Y - 4),
		},
	}
	d.DrawString(label)
}
