package jsoncodec

import (
	"github.com/bytedance/sonic"

	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

// MarshalHeaders encodes message headers for storage. Empty headers encode as "{}".
func MarshalHeaders(md metadatapkg.Metadata) ([]byte, error) {
	if len(md) == 0 {
		return []byte("{}"), nil
	}
	return Marshal(map[string]string(md))
}

// UnmarshalHeaders decodes stored headers. Empty input yields empty metadata.
func UnmarshalHeaders(data []byte) (metadatapkg.Metadata, error) {
	md := metadatapkg.Metadata{}
	if len(data) == 0 {
		return md, nil
	}
	if err := Unmarshal(data, &md); err != nil {
		return nil, err
	}
	return md, nil
}
