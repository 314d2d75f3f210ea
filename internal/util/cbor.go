package util

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RenderCBORPretty renders one CBOR item as indented JSON. Byte strings
// holding a well-formed CBOR map, array or tag are rendered as that item,
// which shows the content of bstr-wrapped SUIT members.
func RenderCBORPretty(data []byte) (string, error) {
	var decoded any
	if err := cbor.Unmarshal(data, &decoded); err != nil {
		return "", err
	}
	normalised, err := normaliseCBORForJSON(decoded)
	if err != nil {
		return "", err
	}

	pretty, err := json.MarshalIndent(normalised, "", "  ")
	if err != nil {
		return "", err
	}
	return string(pretty), nil
}

func normaliseCBORForJSON(value any) (any, error) {
	switch v := value.(type) {
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			norm, err := normaliseCBORForJSON(elem)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			norm, err := normaliseCBORForJSON(val)
			if err != nil {
				return nil, err
			}
			out[stringifyCBORKey(key)] = norm
		}
		return out, nil
	case []byte:
		if nested, ok := unwrapBstr(v); ok {
			content, err := normaliseCBORForJSON(nested)
			if err != nil {
				return nil, err
			}
			return map[string]any{"_bstr": content}, nil
		}
		return fmt.Sprintf("h'%x'", v), nil
	case cbor.Tag:
		content, err := normaliseCBORForJSON(v.Content)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"_cborTag": v.Number,
			"content":  content,
		}, nil
	default:
		return v, nil
	}
}

func unwrapBstr(b []byte) (any, bool) {
	if len(b) == 0 {
		return nil, false
	}
	switch b[0] >> 5 {
	case 4, 5, 6: // array, map, tag
	default:
		return nil, false
	}
	if cbor.Wellformed(b) != nil {
		return nil, false
	}
	var nested any
	if err := cbor.Unmarshal(b, &nested); err != nil {
		return nil, false
	}
	return nested, true
}

func stringifyCBORKey(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case fmt.Stringer:
		return k.String()
	case []byte:
		return fmt.Sprintf("h'%x'", k)
	default:
		return fmt.Sprint(k)
	}
}
