package desktop

import (
	"image"
	"image/color"
	"testing"
)

func solidTile(size int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestRGBASurfaceDrawComposites(t *testing.T) {
	s := NewRGBASurface()
	s.Resize(10, 10)
	s.Draw(2, 3, solidTile(4, color.RGBA{R: 0xFF, A: 0xFF}))

	snap := s.Snapshot()
	if got := snap.RGBAAt(2, 3); got.R != 0xFF {
		t.Fatalf("tile origin not drawn: %v", got)
	}
	if got := snap.RGBAAt(5, 6); got.R != 0xFF {
		t.Fatalf("tile extent not drawn: %v", got)
	}
	if got := snap.RGBAAt(7, 7); got.R != 0 {
		t.Fatalf("pixel outside tile painted: %v", got)
	}
}

func TestRGBASurfaceResizePreservesContent(t *testing.T) {
	s := NewRGBASurface()
	s.Resize(8, 8)
	s.Draw(0, 0, solidTile(2, color.RGBA{G: 0xFF, A: 0xFF}))

	s.Resize(16, 16)
	if w, h := s.Size(); w != 16 || h != 16 {
		t.Fatalf("size %dx%d", w, h)
	}
	if got := s.Snapshot().RGBAAt(1, 1); got.G != 0xFF {
		t.Fatalf("content lost on grow: %v", got)
	}

	// Same geometry is a no-op.
	before := s.Snapshot()
	s.Resize(16, 16)
	after := s.Snapshot()
	if before.Rect != after.Rect {
		t.Fatal("no-op resize changed geometry")
	}
}

func TestRGBASurfaceSnapshotIsACopy(t *testing.T) {
	s := NewRGBASurface()
	s.Resize(4, 4)
	snap := s.Snapshot()
	snap.SetRGBA(0, 0, color.RGBA{B: 0xFF, A: 0xFF})
	if got := s.Snapshot().RGBAAt(0, 0); got.B != 0 {
		t.Fatalf("snapshot aliases framebuffer: %v", got)
	}
}
