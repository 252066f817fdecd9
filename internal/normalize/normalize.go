// Package normalize implements the field-normalization step that runs
// between MIME reassembly and rule evaluation: Unicode NFKC folding,
// removal of a fixed set of invisible/control code points, and whitespace
// collapsing. It follows the transform.Transformer idiom used throughout
// github.com/nsmail/milteragent/milter/milterutil.
package normalize

import (
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripRanges are the code points normalize.String removes after NFKC
// folding: BOM, C0 controls, DEL, various zero-width/formatting marks,
// combining diacritics, and the space characters U+00A0, U+2000–U+200A and
// U+202F.
var stripRanges = []struct{ lo, hi rune }{
	{0x0000, 0x001F},
	{0x007F, 0x007F},
	{0x00A0, 0x00A0},
	{0x180E, 0x180E},
	{0x200B, 0x200F},
	{0x202A, 0x202E},
	{0x202F, 0x202F},
	{0x2000, 0x200A},
	{0x2060, 0x206F},
	{0x0300, 0x036F},
	{0xFE00, 0xFE0F},
	{0xFEFF, 0xFEFF},
}

func isStripped(r rune) bool {
	for _, rg := range stripRanges {
		if r >= rg.lo && r <= rg.hi {
			return true
		}
	}
	return false
}

// stripTransformer drops every rune in stripRanges from src, passing
// everything else through unchanged.
type stripTransformer struct {
	transform.NopResetter
}

func (stripTransformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		r, size := utf8.DecodeRune(src[nSrc:])
		if r == utf8.RuneError && size <= 1 {
			if !atEOF && !utf8.FullRune(src[nSrc:]) {
				err = transform.ErrShortSrc
				return
			}
			// invalid byte, copy it through so callers can see malformed input
			size = 1
		}
		if isStripped(r) {
			nSrc += size
			continue
		}
		if nDst+size > len(dst) {
			err = transform.ErrShortDst
			return
		}
		copy(dst[nDst:], src[nSrc:nSrc+size])
		nDst += size
		nSrc += size
	}
	return
}

var _ transform.Transformer = stripTransformer{}

// collapseWhitespaceTransformer drops every Unicode whitespace rune from
// src, so "a \t\nb" becomes "ab".
type collapseWhitespaceTransformer struct{}

func (t collapseWhitespaceTransformer) Reset() {}

func (t collapseWhitespaceTransformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		r, size := utf8.DecodeRune(src[nSrc:])
		if r == utf8.RuneError && size <= 1 {
			if !atEOF && !utf8.FullRune(src[nSrc:]) {
				err = transform.ErrShortSrc
				return
			}
			size = 1
		}
		if unicode.IsSpace(r) {
			nSrc += size
			continue
		}
		if nDst+size > len(dst) {
			err = transform.ErrShortDst
			return
		}
		copy(dst[nDst:], src[nSrc:nSrc+size])
		nDst += size
		nSrc += size
	}
	return
}

var _ transform.Transformer = collapseWhitespaceTransformer{}

// String applies NFKC normalization, strips the fixed code-point set, and
// collapses whitespace runs to nothing. It is pure and idempotent:
// String(String(s)) == String(s) for all s.
func String(s string) string {
	t := transform.Chain(norm.NFKC, stripTransformer{}, collapseWhitespaceTransformer{})
	dst, _, err := transform.String(t, s)
	if err != nil {
		// transform.String only errors on a broken Transformer; fall back to
		// the untransformed input rather than lose the field entirely.
		return s
	}
	return dst
}
