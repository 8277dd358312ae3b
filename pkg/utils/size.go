package utils

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	Byte     int64 = 1
	KiloByte int64 = 1024
	MegaByte int64 = 1024 * KiloByte
	GigaByte int64 = 1024 * MegaByte
	TeraByte int64 = 1024 * GigaByte
	PetaByte int64 = 1024 * TeraByte
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// Decimal units are 1000-based; K/M/G/T/P and the IEC forms are 1024-based.
var sizeUnits = map[string]int64{
	"B": 1, "BYTE": 1, "BYTES": 1,
	"KB": 1e3, "MB": 1e6, "GB": 1e9, "TB": 1e12, "PB": 1e15,
	"K": KiloByte, "KIB": KiloByte,
	"M": MegaByte, "MIB": MegaByte,
	"G": GigaByte, "GIB": GigaByte,
	"T": TeraByte, "TIB": TeraByte,
	"P": PetaByte, "PIB": PetaByte,
}

// ParseDataSize parses sizes like "512MB", "1.5GiB" or a plain byte count.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("negative size: %s", sizeStr)
		}
		return val, nil
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '1GB', '512MB', '1.5TiB')", sizeStr)
	}
	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}
	multiplier, ok := sizeUnits[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s", matches[2])
	}

	bytes := value * float64(multiplier)
	if bytes > math.MaxInt64 {
		return 0, fmt.Errorf("size overflows: %s", sizeStr)
	}
	return int64(bytes), nil
}

// FormatDataSize renders bytes with 1024-based units.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < KiloByte {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB", "PB"}
	value := float64(bytes) / float64(KiloByte)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}

	switch {
	case value == math.Trunc(value):
		return fmt.Sprintf("%.0f %s", value, units[i])
	case value*10 == math.Trunc(value*10):
		return fmt.Sprintf("%.1f %s", value, units[i])
	default:
		return fmt.Sprintf("%.2f %s", value, units[i])
	}
}

// ParseDataSizeWithDefault returns defaultSize when sizeStr is empty or invalid.
func ParseDataSizeWithDefault(sizeStr string, defaultSize int64) int64 {
	size, err := ParseDataSize(sizeStr)
	if err != nil {
		return defaultSize
	}
	return size
}

// DataSize is a byte count that config files may write as a number or as
// a human-friendly string.
type DataSize int64

func (d DataSize) Int64() int64 { return int64(d) }

func (d DataSize) String() string { return FormatDataSize(int64(d)) }

func (d *DataSize) set(v any) error {
	switch v := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = DataSize(v)
	case int:
		*d = DataSize(v)
	case int64:
		*d = DataSize(v)
	case string:
		n, err := ParseDataSize(v)
		if err != nil {
			return err
		}
		*d = DataSize(n)
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	if *d < 0 {
		return fmt.Errorf("negative size")
	}
	return nil
}

func (d *DataSize) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d DataSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(d))
}

func (d *DataSize) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}
