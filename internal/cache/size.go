package cache

import "encoding/json"

// DefaultEntrySize is charged for values that cannot be serialized.
const DefaultEntrySize int64 = 1024

// EstimateSize approximates the memory held by an entry as the key length
// plus the length of the value's JSON encoding. It never fails.
func EstimateSize(key string, value any) (size int64) {
	base := int64(len(key))
	defer func() {
		if recover() != nil {
			size = base + DefaultEntrySize
		}
	}()

	switch v := value.(type) {
	case []byte:
		return base + int64(len(v))
	case string:
		return base + int64(len(v))
	}
	data, err := json.Marshal(value)
	if err != nil {
		return base + DefaultEntrySize
	}
	return base + int64(len(data))
}
