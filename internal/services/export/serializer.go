package export

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// normalizeValue maps a metadata value to its canonical export form. CSV and
// JSONL both run metadata through here, so the two formats agree byte for
// byte on their metadata representation.
//
//	UUID            -> string form
//	time            -> ISO 8601
//	big.Int/Float   -> string (preserve precision)
//	bytes           -> latin-1 decode (lossless for all byte values)
//	maps and slices -> element-wise
func normalizeValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, bool, string, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return val, nil
	case uuid.UUID:
		return val.String(), nil
	case time.Time:
		return val.UTC().Format(time.RFC3339), nil
	case *big.Int:
		return val.String(), nil
	case *big.Float:
		return val.Text('g', -1), nil
	case []byte:
		return latin1Decode(val), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			normalized, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = normalized
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			normalized, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	default:
		if s, ok := val.(fmt.Stringer); ok {
			return s.String(), nil
		}
		return nil, fmt.Errorf("unsupported metadata value type %T", v)
	}
}

// serializeMetadata renders a metadata map as its canonical JSON string.
// Empty metadata serializes to "".
func serializeMetadata(metadata map[string]interface{}) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}

	normalized, err := normalizeValue(metadata)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// latin1Decode maps each byte to the corresponding code point, giving a
// lossless round-trip for arbitrary byte values
func latin1Decode(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// guardCell neutralizes spreadsheet formula injection. A cell beginning with
// a formula trigger gets a leading single quote.
func guardCell(cell string) string {
	if cell == "" {
		return cell
	}
	switch cell[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + cell
	}
	return cell
}

// csvHeader is the fixed column order of every CSV export
var csvHeader = []string{
	"Timestamp", "Actor ID", "Actor Type", "Action", "Entity Type",
	"Entity ID", "Description", "Outcome", "Error Message", "Metadata",
}
