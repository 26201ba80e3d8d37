package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/kjanssen/vidcore/internal/metadata"
)

var boxColor = color.RGBA{R: 0x00, G: 0xd0, B: 0x40, A: 0xff}

// DrawOverlay renders a bounding box and/or a class/track label for each
// object directly onto img, per cfg. BBox coordinates are treated as
// pixel space already resolved by the caller's video_convert stage.
func DrawOverlay(img *image.RGBA, objects []metadata.Object, cfg OverlayConfig) {
	lineWidth := cfg.LineWidth
	if lineWidth < 1 {
		lineWidth = 2
	}

	for _, obj := range objects {
		x, y, w, h := int(obj.BBox[0]), int(obj.BBox[1]), int(obj.BBox[2]), int(obj.BBox[3])
		if cfg.BBox {
			drawBox(img, x, y, w, h, lineWidth, boxColor)
		}
		if cfg.Text {
			drawLabel(img, x, y, labelFor(obj))
		}
	}
}

func labelFor(obj metadata.Object) string {
	if obj.TrackID != nil {
		return fmt.Sprintf("#%d class=%d %.0f%%", *obj.TrackID, obj.ClassID, obj.Confidence*100)
	}
	return fmt.Sprintf("class=%d %.0f%%", obj.ClassID, obj.Confidence*100)
}

func drawBox(img *image.RGBA, x, y, w, h, lineWidth int, c color.Color) {
	bounds := img.Bounds()
	rect := func(rx, ry, rw, rh int) {
		r := image.Rect(rx, ry, rx+rw, ry+rh).Intersect(bounds)
		if r.Empty() {
			return
		}
		draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
	}
	rect(x, y, w, lineWidth)
	rect(x, y+h-lineWidth, w, lineWidth)
	rect(x, y, lineWidth, h)
	rect(x+w-lineWidth, y, lineWidth, h)
}

func drawLabel(img *image.RGBA, x, y int, text string) {
	face := basicfont.Face7x13
	baseline := y - 2
	if baseline < int(face.Metrics().Height>>6) {
		baseline = int(face.Metrics().Height >> 6)
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(boxColor),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(baseline)},
	}
	d.DrawString(text)
}
