package stream

import (
	"strings"

	"google.golang.org/grpc/metadata"
)

// _allowlistedHeaders are the response headers worth logging.
var _allowlistedHeaders = []string{
	"date",
	"server",
	"x-request-id",
	"x-trace-id",
}

// allowlistedHeaders formats the allowlisted headers of md as "key: value" lines, in allowlist order.
func allowlistedHeaders(md metadata.MD) string {
	var b strings.Builder
	for _, key := range _allowlistedHeaders {
		for _, v := range md.Get(key) {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(key)
			b.WriteString(": ")
			b.WriteString(v)
		}
	}
	return b.String()
}
