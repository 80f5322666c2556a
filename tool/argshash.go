package tool

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// ArgsHash returns the 8-hex FNV-1a hash of the canonical JSON of
// {toolName, args}. Canonical JSON sorts object keys lexicographically at
// every level, so the hash is stable across restarts and across processes.
func ArgsHash(toolName string, args json.RawMessage) string {
	var decoded any
	if len(args) > 0 {
		// Round-tripping through any lets json.Marshal emit sorted keys;
		// undecodable input hashes as null, which is still deterministic.
		_ = json.Unmarshal(args, &decoded)
	}
	canonical, err := json.Marshal(map[string]any{
		"toolName": toolName,
		"args":     decoded,
	})
	if err != nil {
		canonical = []byte(toolName)
	}

	h := fnv.New32a()
	h.Write(canonical)
	return fmt.Sprintf("%08x", h.Sum32())
}

// argsHashKey is the toolOutputsByArgsHash index key.
func argsHashKey(toolName, hash string) string {
	return toolName + ":" + hash
}
