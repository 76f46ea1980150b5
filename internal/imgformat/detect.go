// Package imgformat implements the Format Detector (C1): classifying a real
// file as a supported image by filename pattern plus magic-byte sniffing.
package imgformat

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"regexp"

	"github.com/h2non/filetype"
)

// Kind is the tagged result of classifying a file. The zero value, Unknown,
// means "not a supported image" — C1 never returns an error for I/O
// failures, only Unknown (spec.md §4.1: "Failure to open the file yields
// Unknown without propagating an error").
type Kind int

const (
	Unknown Kind = iota
	Jpeg
	Png
	Gif
	Webp
	Bmp
	Tiff
	Heic
)

func (k Kind) String() string {
	switch k {
	case Jpeg:
		return "jpeg"
	case Png:
		return "png"
	case Gif:
		return "gif"
	case Webp:
		return "webp"
	case Bmp:
		return "bmp"
	case Tiff:
		return "tiff"
	case Heic:
		return "heic"
	default:
		return "unknown"
	}
}

// sniffWindow is the maximum number of leading bytes read for magic-byte
// sniffing, matching spec.md §4.1 ("the first up to 32 bytes").
const sniffWindow = 32

// heicBrands are the ISO-BMFF ftyp major brands recognized as HEIC, per
// spec.md §4.1. Compatible brands are not examined.
var heicBrands = map[[4]byte]bool{
	{'h', 'e', 'i', 'c'}: true,
	{'h', 'e', 'i', 'x'}: true,
	{'m', 'i', 'f', '1'}: true,
	{'m', 's', 'f', '1'}: true,
}

// Sniff classifies the file at path by reading its leading bytes. It never
// returns an error: any I/O failure yields Unknown.
func Sniff(path string) Kind {
	f, err := os.Open(path)
	if err != nil {
		return Unknown
	}
	defer f.Close()

	buf := make([]byte, sniffWindow)
	n, err := io.ReadFull(f, buf)
	if err != nil && n == 0 {
		return Unknown
	}
	buf = buf[:n]

	return sniffBytes(buf)
}

// sniffBytes classifies a leading-bytes buffer. HEIC is checked first with a
// dedicated ISO-BMFF box reader because the filetype library's signature
// table (at the version pinned here) does not carry HEIC/HEIF brands; the
// remaining formats defer to filetype.Match, falling back to a direct magic
// comparison if filetype doesn't recognize the buffer.
func sniffBytes(buf []byte) Kind {
	if isHeic(buf) {
		return Heic
	}

	if kind, ok := matchFiletype(buf); ok {
		return kind
	}

	return matchMagicFallback(buf)
}

// matchFiletype asks github.com/h2non/filetype to classify buf and maps its
// extension onto our Kind enum.
func matchFiletype(buf []byte) (Kind, bool) {
	typ, err := filetype.Match(buf)
	if err != nil || typ == filetype.Unknown {
		return Unknown, false
	}
	switch typ.Extension {
	case "jpg":
		return Jpeg, true
	case "png":
		return Png, true
	case "gif":
		return Gif, true
	case "webp":
		return Webp, true
	case "bmp":
		return Bmp, true
	case "tif":
		return Tiff, true
	default:
		return Unknown, false
	}
}

// matchMagicFallback implements the exact byte signatures from spec.md
// §4.1, used only when filetype didn't recognize the buffer.
func matchMagicFallback(buf []byte) Kind {
	switch {
	case hasPrefix(buf, 0xFF, 0xD8, 0xFF):
		return Jpeg
	case hasPrefix(buf, 0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A):
		return Png
	case bytes.HasPrefix(buf, []byte("GIF87a")), bytes.HasPrefix(buf, []byte("GIF89a")):
		return Gif
	case len(buf) >= 12 && bytes.Equal(buf[0:4], []byte("RIFF")) && bytes.Equal(buf[8:12], []byte("WEBP")):
		return Webp
	case hasPrefix(buf, 0x42, 0x4D):
		return Bmp
	case bytes.HasPrefix(buf, []byte("II*\x00")), bytes.HasPrefix(buf, []byte("MM\x00*")):
		return Tiff
	default:
		return Unknown
	}
}

func hasPrefix(buf []byte, want ...byte) bool {
	if len(buf) < len(want) {
		return false
	}
	return bytes.Equal(buf[:len(want)], want)
}

// isHeic reads the leading ISO-BMFF box (a 4-byte size, a 4-byte type, and
// for ftyp the 4-byte major brand) and reports whether the major brand is
// one of the HEIC brands spec.md §4.1 names. This reads only the single
// leading box; it is not a general HEIF parser (contrast
// bep-imagemeta's full iinf/iloc/iprp walk, which this adapts down from).
func isHeic(buf []byte) bool {
	if len(buf) < 12 {
		return false
	}
	size := binary.BigEndian.Uint32(buf[0:4])
	boxType := buf[4:8]
	if !bytes.Equal(boxType, []byte("ftyp")) {
		return false
	}
	_ = size // box size isn't needed to read just the major brand
	var brand [4]byte
	copy(brand[:], buf[8:12])
	return heicBrands[brand]
}

// Detector gates classification on filename patterns before the magic-byte
// sniff runs, per spec.md §4.1's "(a) path's final component matches at
// least one configured filename regex".
type Detector struct {
	patterns []*regexp.Regexp
}

// NewDetector compiles pats into a Detector. An empty pats list matches
// every filename, per SPEC_FULL.md §7's "no filter" default.
func NewDetector(pats []string) (*Detector, error) {
	if len(pats) == 0 {
		return &Detector{patterns: nil}, nil
	}
	compiled := make([]*regexp.Regexp, 0, len(pats))
	for _, p := range pats {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return &Detector{patterns: compiled}, nil
}

// MatchesName reports whether name passes the filename-pattern gate.
func (d *Detector) MatchesName(name string) bool {
	if len(d.patterns) == 0 {
		return true
	}
	for _, re := range d.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// IsImage is C1's entry point: the AND of the filename-pattern gate and the
// magic-byte sniff.
func (d *Detector) IsImage(path, name string) Kind {
	if !d.MatchesName(name) {
		return Unknown
	}
	return Sniff(path)
}
