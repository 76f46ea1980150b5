// Package heicenc implements the HEIC Encoder (C3): decode an arbitrary
// input image, optionally downscale it, and encode it as HEIC/HEVC with
// configurable quality, speed, and chroma subsampling.
package heicenc

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/webp"
	heif "github.com/strukturag/libheif-go"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/ticpu/fuse-img2heic/internal/ferr"
	"github.com/ticpu/fuse-img2heic/internal/imgformat"
)

// Params are the per-mount encoder knobs, matching spec.md §4.3.
type Params struct {
	Quality   int
	Speed     int
	Chroma    int // one of 420, 422, 444
	MaxWidth  int // 0 means unbounded
	MaxHeight int

	// BypassThreshold, if positive, causes Encode to return the original
	// file bytes verbatim for any source larger than this, per spec.md
	// §4.3 step 1 ("a reader may bypass for inputs exceeding a configured
	// size threshold").
	BypassThreshold int64
}

// Encode runs the full C3 algorithm against the file at realPath, returning
// the encoded HEIC bytes (or, on bypass, the original file's bytes).
func Encode(realPath string, params Params) ([]byte, error) {
	info, err := os.Stat(realPath)
	if err != nil {
		return nil, ferr.New(ferr.Unreadable, "heicenc.Encode", err)
	}

	if params.BypassThreshold > 0 && info.Size() > params.BypassThreshold {
		blob, err := os.ReadFile(realPath)
		if err != nil {
			return nil, ferr.New(ferr.Unreadable, "heicenc.Encode", err)
		}
		return blob, nil
	}

	raw, err := os.ReadFile(realPath)
	if err != nil {
		return nil, ferr.New(ferr.Unreadable, "heicenc.Encode", err)
	}

	img, err := decode(realPath, raw)
	if err != nil {
		return nil, err
	}

	img = normalize(resizeToFit(img, params.MaxWidth, params.MaxHeight))

	return encodeHeic(img, params)
}

// decode dispatches to the format-specific decoder. realPath is re-sniffed
// (cheaply; only a leading-byte read) rather than trusting the extension,
// since C2 may hand us a file whose extension lies about its contents.
func decode(realPath string, raw []byte) (image.Image, error) {
	switch imgformat.Sniff(realPath) {
	case imgformat.Heic:
		return decodeHeic(raw)
	case imgformat.Webp:
		img, err := webp.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, ferr.New(ferr.Undecodable, "heicenc.decode", err)
		}
		return img, nil
	default:
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, ferr.New(ferr.Undecodable, "heicenc.decode", err)
		}
		return img, nil
	}
}

// decodeHeic decodes an existing HEIC source (re-encoding is also used to
// normalize quality/speed/chroma on inputs that already arrive as HEIC).
func decodeHeic(raw []byte) (image.Image, error) {
	ctx, err := heif.NewContext()
	if err != nil {
		return nil, ferr.New(ferr.Undecodable, "heicenc.decodeHeic", err)
	}
	if err := ctx.ReadFromMemory(raw); err != nil {
		return nil, ferr.New(ferr.Undecodable, "heicenc.decodeHeic", err)
	}
	handle, err := ctx.GetPrimaryImageHandle()
	if err != nil {
		return nil, ferr.New(ferr.Undecodable, "heicenc.decodeHeic", err)
	}
	himg, err := handle.DecodeImage(heif.ColorspaceRGB, heif.ChromaInterleavedRGBA, nil)
	if err != nil {
		return nil, ferr.New(ferr.Undecodable, "heicenc.decodeHeic", err)
	}

	width := handle.GetWidth()
	height := handle.GetHeight()
	plane, stride := himg.GetPlane(heif.ChannelInterleaved)

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcOff := y * stride
		dstOff := y * out.Stride
		copy(out.Pix[dstOff:dstOff+width*4], plane[srcOff:srcOff+width*4])
	}
	return out, nil
}

// resizeToFit applies spec.md §4.3 step 3: scale proportionally to fit
// within maxW×maxH using a high-quality filter only when both caps are set
// and the source exceeds one of them. Dimensions within the cap are
// untouched.
func resizeToFit(img image.Image, maxW, maxH int) image.Image {
	if maxW <= 0 || maxH <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return img
	}
	return imaging.Fit(img, maxW, maxH, imaging.Lanczos)
}

// normalize converts img to 8-bit NRGBA, the common raster the chroma
// planar conversion below expects.
func normalize(img image.Image) image.Image {
	if _, ok := img.(*image.NRGBA); ok {
		return img
	}
	return imaging.Clone(img)
}

// chromaDims returns the plane dimensions for the Cb/Cr channels given a
// luma plane of size width×height and a chroma subsampling mode.
func chromaDims(width, height, chromaMode int) (int, int, error) {
	switch chromaMode {
	case 444:
		return width, height, nil
	case 422:
		return (width + 1) / 2, height, nil
	case 420:
		return (width + 1) / 2, (height + 1) / 2, nil
	default:
		return 0, 0, ferr.New(ferr.Unsupported, "heicenc.chromaDims", fmt.Errorf("unsupported chroma mode %d", chromaMode))
	}
}

func chromaOf(mode int) (heif.Chroma, error) {
	switch mode {
	case 444:
		return heif.Chroma444, nil
	case 422:
		return heif.Chroma422, nil
	case 420:
		return heif.Chroma420, nil
	default:
		return 0, ferr.New(ferr.Unsupported, "heicenc.chromaOf", fmt.Errorf("unsupported chroma mode %d", mode))
	}
}

// encodeHeic runs spec.md §4.3 steps 4-5: RGB→YCbCr planar conversion,
// HEVC encode at the configured quality/speed/chroma, a single primary
// image.
func encodeHeic(img image.Image, params Params) ([]byte, error) {
	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		nrgba = imaging.Clone(img)
	}
	b := nrgba.Bounds()
	width, height := b.Dx(), b.Dy()

	chroma, err := chromaOf(params.Chroma)
	if err != nil {
		return nil, err
	}
	cbW, cbH, err := chromaDims(width, height, params.Chroma)
	if err != nil {
		return nil, err
	}

	himg, err := heif.NewImage(width, height, heif.ColorspaceYCbCr, chroma)
	if err != nil {
		return nil, ferr.New(ferr.EncoderFailed, "heicenc.encodeHeic", err)
	}

	yPlane, yStride := himg.NewPlane(heif.ChannelY, width, height, 8)
	cbPlane, cbStride := himg.NewPlane(heif.ChannelCb, cbW, cbH, 8)
	crPlane, crStride := himg.NewPlane(heif.ChannelCr, cbW, cbH, 8)

	fillYCbCr(nrgba, yPlane, yStride, cbPlane, crPlane, cbStride, crStride, params.Chroma)

	ctx, err := heif.NewContext()
	if err != nil {
		return nil, ferr.New(ferr.EncoderFailed, "heicenc.encodeHeic", err)
	}
	enc, err := ctx.GetEncoderForFormat(heif.CompressionHEVC)
	if err != nil {
		return nil, ferr.New(ferr.EncoderFailed, "heicenc.encodeHeic", err)
	}
	if err := enc.SetQuality(params.Quality); err != nil {
		return nil, ferr.New(ferr.EncoderFailed, "heicenc.encodeHeic", err)
	}
	if err := enc.SetSpeed(params.Speed); err != nil {
		return nil, ferr.New(ferr.EncoderFailed, "heicenc.encodeHeic", err)
	}

	if err := ctx.EncodeImage(himg, enc, nil); err != nil {
		return nil, ferr.New(ferr.EncoderFailed, "heicenc.encodeHeic", err)
	}

	tmp, err := os.CreateTemp("", "fuseheic-encode-*.heic")
	if err != nil {
		return nil, ferr.New(ferr.CacheIoError, "heicenc.encodeHeic", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := ctx.WriteToFile(tmpPath); err != nil {
		return nil, ferr.New(ferr.EncoderFailed, "heicenc.encodeHeic", err)
	}

	blob, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, ferr.New(ferr.EncoderFailed, "heicenc.encodeHeic", err)
	}
	return blob, nil
}

// fillYCbCr converts an NRGBA raster into planar Y/Cb/Cr using BT.601
// coefficients, subsampling chroma by block-averaging per chromaMode.
func fillYCbCr(src *image.NRGBA, yPlane []byte, yStride int, cbPlane, crPlane []byte, cbStride, crStride, chromaMode int) {
	b := src.Bounds()
	width, height := b.Dx(), b.Dy()

	blockW, blockH := 1, 1
	switch chromaMode {
	case 422:
		blockW = 2
	case 420:
		blockW, blockH = 2, 2
	}

	for y := 0; y < height; y++ {
		srcRow := src.Pix[y*src.Stride : y*src.Stride+width*4]
		for x := 0; x < width; x++ {
			r := int(srcRow[x*4+0])
			g := int(srcRow[x*4+1])
			bl := int(srcRow[x*4+2])
			yPlane[y*yStride+x] = byte(clamp((299*r+587*g+114*bl)/1000, 0, 255))
		}
	}

	for cy := 0; cy*blockH < height; cy++ {
		for cx := 0; cx*blockW < width; cx++ {
			var sumCb, sumCr, n int
			for dy := 0; dy < blockH; dy++ {
				py := cy*blockH + dy
				if py >= height {
					continue
				}
				for dx := 0; dx < blockW; dx++ {
					px := cx*blockW + dx
					if px >= width {
						continue
					}
					row := src.Pix[py*src.Stride : py*src.Stride+width*4]
					r := int(row[px*4+0])
					g := int(row[px*4+1])
					bl := int(row[px*4+2])
					sumCb += (-169*r - 331*g + 500*bl) / 1000
					sumCr += (500*r - 419*g - 81*bl) / 1000
					n++
				}
			}
			if n == 0 {
				continue
			}
			cbPlane[cy*cbStride+cx] = byte(clamp(128+sumCb/n, 0, 255))
			crPlane[cy*crStride+cx] = byte(clamp(128+sumCr/n, 0, 255))
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
