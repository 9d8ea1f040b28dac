package desktop

import (
	"image"
	"image/draw"
	"sync"
)

// RGBASurface composites tiles into an in-memory framebuffer. It is the
// default surface for the headless CLI viewer and for tests.
type RGBASurface struct {
	mu  sync.Mutex
	img *image.RGBA
}

func NewRGBASurface() *RGBASurface {
	return &RGBASurface{img: image.NewRGBA(image.Rect(0, 0, 0, 0))}
}

func (s *RGBASurface) Resize(width, height uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img.Rect.Dx() == int(width) && s.img.Rect.Dy() == int(height) {
		return
	}
	next := image.NewRGBA(image.Rect(0, 0, int(width), int(height)))
	draw.Draw(next, s.img.Rect, s.img, image.Point{}, draw.Src)
	s.img = next
}

func (s *RGBASurface) Draw(x, y uint16, tile image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bounds := tile.Bounds()
	target := image.Rect(int(x), int(y), int(x)+bounds.Dx(), int(y)+bounds.Dy())
	draw.Draw(s.img, target, tile, bounds.Min, draw.Src)
}

// Snapshot returns a copy of the current framebuffer.
func (s *RGBASurface) Snapshot() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := image.NewRGBA(s.img.Rect)
	copy(out.Pix, s.img.Pix)
	return out
}

// Size returns the framebuffer dimensions.
func (s *RGBASurface) Size() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.img.Rect.Dx(), s.img.Rect.Dy()
}
