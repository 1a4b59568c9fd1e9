package tabular

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// DetectAndDecode detects the encoding of the input, strips any BOM, and
// returns UTF-8 bytes along with the detected encoding name. Undecodable
// input falls back to Latin-1, which maps every byte to a code point, so the
// only hard failure is a broken UTF-16 stream.
func DetectAndDecode(data []byte) ([]byte, string, error) {
	if len(data) == 0 {
		return data, "utf-8", nil
	}
	if bytes.HasPrefix(data, bomUTF8) {
		return data[3:], "utf-8-bom", nil
	}
	if bytes.HasPrefix(data, bomUTF16LE) {
		decoded, err := decodeUTF16(data, unicode.LittleEndian)
		if err != nil {
			return nil, "", fmt.Errorf("utf-16le decode: %w", err)
		}
		return decoded, "utf-16le", nil
	}
	if bytes.HasPrefix(data, bomUTF16BE) {
		decoded, err := decodeUTF16(data, unicode.BigEndian)
		if err != nil {
			return nil, "", fmt.Errorf("utf-16be decode: %w", err)
		}
		return decoded, "utf-16be", nil
	}
	if utf8.Valid(data) {
		return data, "utf-8", nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return nil, "", fmt.Errorf("latin-1 decode: %w", err)
	}
	return decoded, "latin-1", nil
}

func decodeUTF16(data []byte, endian unicode.Endianness) ([]byte, error) {
	dec := unicode.UTF16(endian, unicode.UseBOM).NewDecoder()
	return dec.Bytes(data)
}
