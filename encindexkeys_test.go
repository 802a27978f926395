package histdb

import (
	"errors"
	"strings"
	"testing"
)

func TestIndexKeys(t *testing.T) {
	tests := []string{
		"",
		"a",
		"a bb ccc",
		strings.Repeat("x", 300),
	}
	for _, tt := range tests {
		var keys [][]byte
		for _, f := range strings.Fields(tt) {
			keys = append(keys, []byte(f))
		}
		data := appendIndexKeys(nil, keys)

		var got []string
		err := decodeIndexKeys(data, func(key []byte) error {
			got = append(got, string(key))
			return nil
		})
		if err != nil {
			t.Errorf("** decodeIndexKeys(%q) failed: %v", tt, err)
			continue
		}
		if actual := strings.Join(got, " "); actual != strings.Join(strings.Fields(tt), " ") {
			t.Errorf("** decodeIndexKeys(%q) == %q", tt, actual)
		}
	}
}

func TestIndexKeys_Errors(t *testing.T) {
	if err := decodeIndexKeys(nil, nil); err != nil {
		t.Fatalf("decodeIndexKeys(nil) = %v, wanted nil", err)
	}

	data := appendIndexKeys(nil, [][]byte{[]byte("k")})
	if err := decodeIndexKeys(append(data, 0), func([]byte) error { return nil }); err == nil {
		t.Fatalf("trailing bytes accepted")
	}
	if err := decodeIndexKeys(data[:len(data)-1], func([]byte) error { return nil }); err == nil {
		t.Fatalf("truncated key accepted")
	}

	stop := errors.New("stop")
	if err := decodeIndexKeys(data, func([]byte) error { return stop }); err != stop {
		t.Fatalf("callback error = %v, wanted %v", err, stop)
	}
}
