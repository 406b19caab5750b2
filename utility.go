package exfatfsck

import (
	"reflect"
	"unicode/utf16"

	"github.com/dsoprea/go-logging"
	"golang.org/x/text/encoding/unicode"
)

var (
	utf16Encoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
)

// DecodeUtf16 converts raw UTF-16LE bytes to a string, returning the
// number of bytes produced. This is the "decode" half of the conversion
// pair the checker consumes.
func DecodeUtf16(raw []byte) (decoded string, byteCount int, err error) {
	decodedRaw, err := utf16Encoding.NewDecoder().Bytes(raw)
	if err != nil {
		return "", 0, err
	}

	return string(decodedRaw), len(decodedRaw), nil
}

// EncodeUtf16 converts a string to UTF-16LE bytes, returning the number of
// bytes produced.
func EncodeUtf16(s string) (raw []byte, byteCount int, err error) {
	raw, err = utf16Encoding.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, 0, err
	}

	return raw, len(raw), nil
}

// utf16UnitsFromBytes unpacks raw little-endian bytes into UTF-16 units.
func utf16UnitsFromBytes(raw []byte) []uint16 {
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = getUint16(raw[i*2:])
	}

	return units
}

// utf16UnitsToBytes packs UTF-16 units into little-endian bytes.
func utf16UnitsToBytes(units []uint16) []byte {
	raw := make([]byte, len(units)*2)
	for i, unit := range units {
		putUint16(raw[i*2:], unit)
	}

	return raw
}

// utf16ToString decodes UTF-16 units, dropping trailing NULs.
func utf16ToString(units []uint16) (decoded string, err error) {
	end := len(units)
	for end > 0 && units[end-1] == 0 {
		end--
	}

	decoded, _, err = DecodeUtf16(utf16UnitsToBytes(units[:end]))
	if err != nil {
		return "", err
	}

	return decoded, nil
}

// stringToUtf16 encodes a string into UTF-16 units.
func stringToUtf16(s string) (units []uint16, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	raw, _, err := EncodeUtf16(s)
	log.PanicIf(err)

	return utf16UnitsFromBytes(raw), nil
}

// decodeLabel decodes a volume label bounded by its character count. The
// character count may still include trailing NULs, which are skipped.
func decodeLabel(raw []byte, charCount int) (label string, err error) {
	units := utf16UnitsFromBytes(raw)
	if charCount < len(units) {
		units = units[:charCount]
	}

	kept := make([]uint16, 0, len(units))
	for _, unit := range units {
		if unit == 0 {
			continue
		}

		kept = append(kept, unit)
	}

	return string(utf16.Decode(kept)), nil
}
