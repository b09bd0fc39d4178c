package client

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// pendingKey identifies logically identical requests: same method, same
// endpoint including query string and, when present, the same body and the
// same custom headers.
func pendingKey(method, endpoint string, body []byte, headers map[string]string) string {
	var b strings.Builder
	b.Grow(len(method) + len(endpoint) + 36)
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(endpoint)
	if len(body) > 0 {
		b.WriteByte('#')
		b.WriteString(strconv.FormatUint(xxhash.Sum64(body), 16))
	}
	if len(headers) > 0 {
		b.WriteByte('@')
		b.WriteString(strconv.FormatUint(headerDigest(headers), 16))
	}
	return b.String()
}

// headerDigest hashes the header set independently of map order and of the
// case of header names.
func headerDigest(headers map[string]string) uint64 {
	names := make([]string, 0, len(headers))
	canonical := make(map[string]string, len(headers))
	for k, v := range headers {
		name := http.CanonicalHeaderKey(k)
		names = append(names, name)
		canonical[name] = v
	}
	sort.Strings(names)

	d := xxhash.New()
	for _, name := range names {
		_, _ = d.WriteString(name)
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(canonical[name])
		_, _ = d.WriteString("\n")
	}
	return d.Sum64()
}
