package snapshot

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

func Encode(w io.Writer, snap Snapshot, format string) error {
	return encodeValue(w, snap, format)
}

// EncodeValue writes any snapshot projection (a Group or PairData) in the
// given format.
func EncodeValue(w io.Writer, v any, format string) error {
	return encodeValue(w, v, format)
}

func encodeValue(w io.Writer, v any, format string) error {
	switch format {
	case "", FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatMsgpack:
		enc := msgpack.NewEncoder(w)
		enc.SetSortMapKeys(true)
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown snapshot format %q", format)
	}
}

func DecodeMsgpack(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	if err := msgpack.NewDecoder(r).Decode(&snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
