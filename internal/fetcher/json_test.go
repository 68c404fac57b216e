package fetcher

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnvelope struct {
	Metadata struct {
		Skip int `json:"skip"`
		Top  int `json:"top"`
	} `json:"metadata"`
}

func TestDecodeJSONObject(t *testing.T) {
	env, err := DecodeJSONObject[testEnvelope](strings.NewReader(`{"metadata":{"skip":200,"top":100}}`))
	require.NoError(t, err)
	assert.Equal(t, 200, env.Metadata.Skip)
	assert.Equal(t, 100, env.Metadata.Top)
}

func TestDecodeJSONObject_Invalid(t *testing.T) {
	_, err := DecodeJSONObject[testEnvelope](strings.NewReader(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json: decode object")
}

func TestDecodeResource(t *testing.T) {
	body := `{
		"metadata": {"skip": 0, "top": 2},
		"PublicAssistanceFundedProjectsDetails": [
			{"disasterNumber": 4339, "pwNumber": "00123", "projectAmount": 12500.75},
			{"disasterNumber": 4340, "pwNumber": "00007", "projectAmount": null}
		]
	}`

	records, err := DecodeResource(strings.NewReader(body), "PublicAssistanceFundedProjectsDetails")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, json.Number("4339"), records[0]["disasterNumber"])
	assert.Equal(t, "00123", records[0]["pwNumber"])
	assert.Equal(t, json.Number("12500.75"), records[0]["projectAmount"])
	assert.Nil(t, records[1]["projectAmount"])
}

func TestDecodeResource_MissingKey(t *testing.T) {
	records, err := DecodeResource(strings.NewReader(`{"metadata":{}}`), "DisasterDeclarationsSummaries")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDecodeResource_NullArray(t *testing.T) {
	records, err := DecodeResource(strings.NewReader(`{"DisasterDeclarationsSummaries":null}`), "DisasterDeclarationsSummaries")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDecodeResource_WrongShape(t *testing.T) {
	_, err := DecodeResource(strings.NewReader(`{"DisasterDeclarationsSummaries":{"a":1}}`), "DisasterDeclarationsSummaries")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DisasterDeclarationsSummaries")
}
