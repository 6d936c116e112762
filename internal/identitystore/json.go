package identitystore

import "encoding/json"

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, dst *map[string]any) error {
	return json.Unmarshal(data, dst)
}
