package util

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// DefaultByteStringPreview is how many bytes of each byte string
// SummarizeCBOR shows.
const DefaultByteStringPreview = 8

// SummarizeCBOR decodes raw and renders it on one line in a notation close
// to CBOR diagnostic notation. Byte strings longer than preview bytes are
// cut and suffixed with their length, e.g. h'3082..'(734).
func SummarizeCBOR(raw []byte, preview int) (string, error) {
	var decoded any
	if err := cbor.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode CBOR: %w", err)
	}
	var b strings.Builder
	summarize(&b, decoded, preview)
	return b.String(), nil
}

func summarize(b *strings.Builder, value any, preview int) {
	switch v := value.(type) {
	case []any:
		b.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				b.WriteString(", ")
			}
			summarize(b, elem, preview)
		}
		b.WriteByte(']')
	case map[any]any:
		type entry struct {
			key string
			val any
		}
		entries := make([]entry, 0, len(v))
		for key, val := range v {
			var kb strings.Builder
			summarize(&kb, key, preview)
			entries = append(entries, entry{key: kb.String(), val: val})
		}
		slices.SortFunc(entries, func(a, b entry) int {
			return strings.Compare(a.key, b.key)
		})
		b.WriteByte('{')
		for i, e := range entries {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(e.key)
			b.WriteString(": ")
			summarize(b, e.val, preview)
		}
		b.WriteByte('}')
	case []byte:
		if len(v) <= preview {
			fmt.Fprintf(b, "h'%x'", v)
			return
		}
		fmt.Fprintf(b, "h'%x..'(%d)", v[:preview], len(v))
	case string:
		b.WriteString(strconv.Quote(v))
	case cbor.Tag:
		fmt.Fprintf(b, "%d(", v.Number)
		summarize(b, v.Content, preview)
		b.WriteByte(')')
	case nil:
		b.WriteString("null")
	default:
		fmt.Fprint(b, v)
	}
}
