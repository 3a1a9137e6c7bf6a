package kvrepo

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"
)

// Records are stored as MsgPack, using the same field names as their JSON
// form so that Document and struct collections share one on-disk shape.
const structTag = "json"

var jsonAPI = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

func encodeRecord(rec any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetCustomStructTag(structTag)
	enc.SetSortMapKeys(true)
	err := enc.Encode(rec)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", rec, err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte, ptr any) error {
	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(data))
	dec.SetCustomStructTag(structTag)
	dec.UseLooseInterfaceDecoding(true)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return fmt.Errorf("decode %T: %w", ptr, err)
	}
	return nil
}

// recordJSON renders stored record data as JSON for dumps and the CLI.
func recordJSON(data []byte) ([]byte, error) {
	var v any
	if err := decodeRecord(data, &v); err != nil {
		return nil, err
	}
	return jsonAPI.Marshal(v)
}

// MarshalJSON and UnmarshalJSON are the JSON codec used by the command
// line tools and dumps.
func MarshalJSON(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func MarshalJSONIndent(v any) ([]byte, error) {
	return jsonAPI.MarshalIndent(v, "", "  ")
}

func UnmarshalJSON(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}
