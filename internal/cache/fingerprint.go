package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint derives a deterministic cache key from a tenant scope, query
// text, and bound parameters. Parameter maps hash identically regardless of
// insertion order, and query text is normalized for whitespace so trivial
// reformatting does not defeat the cache.
func Fingerprint(tenant, query string, params map[string]any) string {
	h := sha256.New()
	h.Write([]byte(tenant))
	h.Write([]byte{0})
	h.Write([]byte(normalizeQuery(query)))
	h.Write([]byte{0})
	h.Write(canonicalParams(params))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

func canonicalParams(params map[string]any) []byte {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		raw, err := json.Marshal(params[k])
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", params[k]))
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(raw)
		b.WriteByte(';')
	}
	return []byte(b.String())
}
