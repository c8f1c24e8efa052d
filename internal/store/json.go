package store

import "encoding/json"

func marshalStrings(in []string) ([]byte, error) {
	if in == nil {
		in = []string{}
	}
	return json.Marshal(in)
}

func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalInt64s(in []int64) ([]byte, error) {
	if in == nil {
		in = []int64{}
	}
	return json.Marshal(in)
}

func unmarshalInt64s(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	var out []int64
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
