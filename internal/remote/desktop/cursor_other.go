//go:build !windows

package desktop

import "image"

type cursorOverlay struct{}

func newCursorOverlay() *cursorOverlay {
	return &cursorOverlay{}
}

// CompositeCursor is a no-op on non-Windows platforms (cursor compositing not supported).
func (c *cursorOverlay) CompositeCursor(img *image.RGBA) {}
