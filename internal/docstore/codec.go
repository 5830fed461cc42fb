package docstore

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire payloads (change echoes, collection records) are msgpack. Types
// without msgpack tags fall back to their json tags so domain structs and
// pion types encode with the same field names they use over HTTP.

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
