package instrumentation

import "strings"

// maxMethodLabelLen bounds the method label; anything longer is not an MCP method.
const maxMethodLabelLen = 64

// MethodLabel reduces an MCP method name to a bounded label value.
//
// Method names arrive from untrusted clients, so anything that does not look
// like an MCP method collapses into "other":
//
//	MethodLabel("tools/call")              // "tools/call"
//	MethodLabel("")                        // "none"
//	MethodLabel("DROP TABLE; --")          // "other"
func MethodLabel(method string) string {
	if method == "" {
		return "none"
	}
	if len(method) > maxMethodLabelLen {
		return "other"
	}
	valid := strings.IndexFunc(method, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '/' || r == '_')
	}) == -1
	if !valid {
		return "other"
	}
	return method
}
