package federated

import (
	"bytes"
	"fmt"

	"github.com/stephenfire/go-rtl"
)

// Queries and results cross the site boundary only as opaque rtl-encoded
// buffers. The coordinator never inspects them; only the two ends of the
// exchange know the concrete types.

func Encode[T any](v T) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := rtl.Encode(v, buf); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func Decode[T any](data []byte) (T, error) {
	var out T
	if err := rtl.Decode(bytes.NewBuffer(data), &out); err != nil {
		return out, fmt.Errorf("decoding %T: %w", out, err)
	}
	return out, nil
}
