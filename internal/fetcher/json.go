package fetcher

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSONObject decodes a single JSON object from a reader.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	var obj T
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}

// DecodeResource extracts the array stored under key from an OpenFEMA
// envelope such as {"metadata": {...}, "DisasterDeclarationsSummaries": [...]}.
// Numbers are kept as json.Number so amounts and identifiers survive intact.
// A missing or null array yields an empty page.
func DecodeResource(r io.Reader, key string) ([]map[string]any, error) {
	env, err := DecodeJSONObject[map[string]json.RawMessage](r)
	if err != nil {
		return nil, err
	}

	raw, ok := (*env)[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var records []map[string]any
	if err := dec.Decode(&records); err != nil {
		return nil, eris.Wrapf(err, "json: decode %s", key)
	}
	return records, nil
}
