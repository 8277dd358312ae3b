package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseDataSize(t *testing.T) {
	valid := map[string]int64{
		"512":     512,
		"0":       0,
		"250MB":   250_000_000,
		"250 mb":  250_000_000,
		" 2.5GB ": 2_500_000_000,
		"64MiB":   64 * MegaByte,
		"64M":     64 * MegaByte,
		"1.5KiB":  1536,
		"1g":      GigaByte,
		"3TiB":    3 * TeraByte,
		"10bytes": 10,
	}
	for in, want := range valid {
		t.Run(in, func(t *testing.T) {
			got, err := ParseDataSize(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	for _, in := range []string{"", "   ", "MB", "big", "1..5GB", "12ZB", "-1MB", "-512", "123456789PiB"} {
		t.Run("reject "+in, func(t *testing.T) {
			_, err := ParseDataSize(in)
			assert.Error(t, err)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	cases := []struct {
		bytes int64
		want  string
	}{
		{-5, "invalid"},
		{0, "0 B"},
		{900, "900 B"},
		{2048, "2 KB"},
		{5 * MegaByte / 2, "2.5 MB"},
		{GigaByte, "1 GB"},
		{3 * TeraByte, "3 TB"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, FormatDataSize(c.bytes), "%d bytes", c.bytes)
	}
}

func TestParseDataSizeWithDefault(t *testing.T) {
	assert.Equal(t, GigaByte, ParseDataSizeWithDefault("", GigaByte))
	assert.Equal(t, GigaByte, ParseDataSizeWithDefault("lots", GigaByte))
	assert.Equal(t, 2*GigaByte, ParseDataSizeWithDefault("2GiB", GigaByte))
}

func TestDataSizeDecoding(t *testing.T) {
	var fromJSON struct {
		A DataSize `json:"a"`
		B DataSize `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": "64MiB", "b": 2048}`), &fromJSON))
	assert.Equal(t, 64*MegaByte, fromJSON.A.Int64())
	assert.Equal(t, int64(2048), fromJSON.B.Int64())

	var fromYAML struct {
		A DataSize `yaml:"a"`
		B DataSize `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 1GB\nb: 10\n"), &fromYAML))
	assert.Equal(t, int64(1000000000), fromYAML.A.Int64())
	assert.Equal(t, int64(10), fromYAML.B.Int64())

	var bad struct {
		A DataSize `json:"a"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"a": "huge"}`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`{"a": true}`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`{"a": -3}`), &bad))

	out, err := json.Marshal(DataSize(5))
	require.NoError(t, err)
	assert.Equal(t, "5", string(out))
	assert.Equal(t, "1 MB", DataSize(MegaByte).String())
}
