// Package frame packs selected album items into the display's pixel buffer.
//
// The panel is 600x448 at 4 bits per pixel, two pixels per byte with the
// left pixel in the high nibble. Landscape sources already cover the full
// canvas; portrait sources are half width and are centered alone or placed
// side by side in pairs.
package frame

import (
	"errors"
	"fmt"

	"epd-frame-backend/internal/model"
)

const (
	Width  = 600
	Height = 448

	RowBytes      = Width / 2
	HalfRowBytes  = RowBytes / 2
	FrameBytes    = RowBytes * Height
	PortraitBytes = HalfRowBytes * Height

	// Blank is the white palette index.
	Blank byte = 0x1
	// BlankByte is two blank pixels.
	BlankByte = Blank<<4 | Blank

	// portraitOffset centers a lone portrait: a quarter of the row's bytes.
	portraitOffset = RowBytes / 4
)

// ErrDataCorruption means stored pixels do not match the canvas geometry.
var ErrDataCorruption = errors.New("data corruption")

// SeamPolicy decides what happens to the two bytes that meet at the middle
// of a portrait pair.
type SeamPolicy int

const (
	// SeamGutter blanks the seam-side nibble of both boundary bytes, leaving
	// a two pixel white gutter between the images.
	SeamGutter SeamPolicy = iota
	// SeamNone copies both images verbatim.
	SeamNone
)

// ParseSeamPolicy maps a config value to a SeamPolicy.
func ParseSeamPolicy(s string) (SeamPolicy, error) {
	switch s {
	case "", "gutter":
		return SeamGutter, nil
	case "none":
		return SeamNone, nil
	}
	return SeamGutter, fmt.Errorf("unknown seam policy %q", s)
}

func (p SeamPolicy) String() string {
	if p == SeamNone {
		return "none"
	}
	return "gutter"
}

// Composer builds frames. It only reads item data.
type Composer struct {
	seam SeamPolicy
}

// NewComposer creates a composer with the given seam policy.
func NewComposer(seam SeamPolicy) *Composer {
	return &Composer{seam: seam}
}

// Compose returns a FrameBytes-long buffer for the selection. items is in
// display order: with two portraits the first goes left.
func (c *Composer) Compose(items []model.MediaItem) ([]byte, error) {
	for _, it := range items {
		if err := ValidateSource(it.Portrait, it.Data); err != nil {
			return nil, fmt.Errorf("item %s: %w", it.ItemID, err)
		}
	}

	switch len(items) {
	case 1:
		if !items[0].Portrait {
			out := make([]byte, FrameBytes)
			copy(out, items[0].Data)
			return out, nil
		}
		return composeSingle(items[0].Data), nil
	case 2:
		if !items[0].Portrait || !items[1].Portrait {
			return nil, fmt.Errorf("%w: pair of %s and %s items", ErrDataCorruption,
				items[0].Orientation(), items[1].Orientation())
		}
		return c.composePair(items[0].Data, items[1].Data), nil
	}
	return nil, fmt.Errorf("%w: cannot compose %d items", ErrDataCorruption, len(items))
}

// ValidateSource checks a stored buffer against the canvas geometry.
func ValidateSource(portrait bool, data []byte) error {
	want := FrameBytes
	if portrait {
		want = PortraitBytes
	}
	if len(data) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrDataCorruption, len(data), want)
	}
	return nil
}

func blankCanvas() []byte {
	out := make([]byte, FrameBytes)
	for i := range out {
		out[i] = BlankByte
	}
	return out
}

func composeSingle(src []byte) []byte {
	out := blankCanvas()
	for y := 0; y < Height; y++ {
		row := src[y*HalfRowBytes : (y+1)*HalfRowBytes]
		copy(out[y*RowBytes+portraitOffset:], row)
	}
	return out
}

func (c *Composer) composePair(left, right []byte) []byte {
	out := make([]byte, FrameBytes)
	for y := 0; y < Height; y++ {
		dst := out[y*RowBytes : (y+1)*RowBytes]
		copy(dst[:HalfRowBytes], left[y*HalfRowBytes:(y+1)*HalfRowBytes])
		copy(dst[HalfRowBytes:], right[y*HalfRowBytes:(y+1)*HalfRowBytes])

		if c.seam == SeamGutter {
			// Left image keeps its high nibble, right image its low nibble.
			dst[HalfRowBytes-1] = dst[HalfRowBytes-1]&0xF0 | Blank
			dst[HalfRowBytes] = Blank<<4 | dst[HalfRowBytes]&0x0F
		}
	}
	return out
}
