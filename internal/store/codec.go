package store

import (
	"encoding/json"
	"fmt"
)

// Marshal 将仓库编码为 JSON；key 字段中的类型即为判别字段。
func Marshal(s ArtifactStore) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("marshal store: nil store")
	}
	return json.Marshal(s)
}

// Unmarshal 先读取 key 判断类型，再解码到具体结构。
func Unmarshal(data []byte) (ArtifactStore, error) {
	var probe struct {
		Key StoreKey `json:"key"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode store key: %w", err)
	}

	var target ArtifactStore
	switch probe.Key.Type {
	case TypeHosted:
		target = &HostedRepository{}
	case TypeRemote:
		target = &RemoteRepository{}
	case TypeGroup:
		target = &Group{}
	default:
		return nil, fmt.Errorf("%w: unknown store type %q", ErrInvalid, probe.Key.Type)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("decode %s: %w", probe.Key, err)
	}
	return target, nil
}

// UnmarshalAs 解码请求体，并要求类型与路由中的类型一致。
func UnmarshalAs(t StoreType, data []byte) (ArtifactStore, error) {
	s, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if KeyOf(s).Type != t {
		return nil, newValidationError("key.type", fmt.Sprintf("expected %s, got %s", t, KeyOf(s).Type))
	}
	return s, nil
}
