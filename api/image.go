package api

// ImageFormat is the protocol image format.
type ImageFormat uint8

const (
	FormatXYBitmap ImageFormat = 0
	FormatXYPixmap ImageFormat = 1
	FormatZPixmap  ImageFormat = 2
)

// Image describes the drawable side of a transfer. The core only uses it for
// byte-length accounting; everything else is passed through to the server.
type Image struct {
	Drawable uint32
	GC       uint32
	Width    uint16
	Height   uint16
	SrcX     uint16
	SrcY     uint16
	DstX     int16
	DstY     int16
	Depth    uint8
	Format   ImageFormat
	// ScanlinePad is the scanline alignment in bits; zero means 32.
	ScanlinePad uint8
}

// BitsPerPixel returns the storage size of one pixel for Depth in
// ZPixmap format, following the pixmap formats every server advertises.
func (img Image) BitsPerPixel() uint32 {
	switch {
	case img.Depth <= 1:
		return 1
	case img.Depth <= 8:
		return 8
	case img.Depth <= 16:
		return 16
	default:
		return 32
	}
}

// Stride returns the padded length of one scanline in bytes.
func (img Image) Stride() uint64 {
	pad := uint64(img.ScanlinePad)
	if pad == 0 {
		pad = 32
	}
	bpp := uint64(img.BitsPerPixel())
	if img.Format != FormatZPixmap {
		bpp = 1
	}
	bits := uint64(img.Width) * bpp
	return (bits + pad - 1) / pad * pad / 8
}

// ByteLength returns the number of bytes the image occupies in a segment.
// XY formats store one bitplane per depth bit.
func (img Image) ByteLength() uint64 {
	n := img.Stride() * uint64(img.Height)
	if img.Format != FormatZPixmap && img.Depth > 1 {
		n *= uint64(img.Depth)
	}
	return n
}
