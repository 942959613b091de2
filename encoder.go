package eventstream

import (
	"encoding/json"
	"fmt"
)

// EncodeFn converts a payload value to its wire string form before
// framing. Encoders are used by SendData and can be set per stream via
// Config.Encode or per call via SendWith. Encoding errors abort the
// send before anything is written to the sink.
type EncodeFn func(v interface{}) (string, error)

// StringEncode is the default encoder. Strings, byte slices and
// fmt.Stringer values pass through unchanged, nil becomes an empty
// string, everything else is formatted with the fmt package.
func StringEncode(v interface{}) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// JSONEncode marshals the payload to JSON. Use it as Config.Encode to
// send structured data values.
func JSONEncode(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
