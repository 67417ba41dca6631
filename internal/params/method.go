package params

import "strings"

// Method is an HTTP request method.
type Method string

const (
	GET     Method = "GET"
	POST    Method = "POST"
	PUT     Method = "PUT"
	PATCH   Method = "PATCH"
	HEAD    Method = "HEAD"
	MOVE    Method = "MOVE"
	COPY    Method = "COPY"
	DELETE  Method = "DELETE"
	OPTIONS Method = "OPTIONS"
	TRACE   Method = "TRACE"
	CONNECT Method = "CONNECT"
)

// ParseMethod normalises a method name. Unknown names are kept as given.
func ParseMethod(s string) Method {
	return Method(strings.ToUpper(strings.TrimSpace(s)))
}

func (m Method) String() string { return string(m) }

// PermitsRetry reports whether failed attempts may be repeated.
// Only the read-only method is considered idempotent enough.
func (m Method) PermitsRetry() bool {
	return m == GET
}

// PermitsCache reports whether responses may be stored and reused.
func (m Method) PermitsCache() bool {
	return m == GET || m == POST
}

// PermitsBody reports whether body params travel in the request body.
// For other methods they are folded into the query string.
func (m Method) PermitsBody() bool {
	switch m {
	case POST, PUT, PATCH, DELETE:
		return true
	default:
		return false
	}
}
