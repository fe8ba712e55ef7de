package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig fingerprints the committed content so editor write bursts
// that leave the file unchanged are not republished.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
