package routing

import (
	"net/url"
	"strings"

	"github.com/relaygate/relaygate/internal/apierr"
)

// MsgInvalidPath is the 400 message for paths the gateway refuses to route.
const MsgInvalidPath = "Invalid request path"

// CheckPath rejects request targets whose path an upstream could resolve to
// somewhere other than where the route table matched it: "." and ".."
// segments, literal or percent-encoded, and malformed escapes. Backslashes
// count as separators. The query part is ignored.
func CheckPath(rawPath string) error {
	p, _, _ := strings.Cut(rawPath, "?")
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return apierr.BadRequest(MsgInvalidPath)
	}
	segments := strings.FieldsFunc(decoded, func(r rune) bool { return r == '/' || r == '\\' })
	for _, seg := range segments {
		if seg == "." || seg == ".." {
			return apierr.BadRequest(MsgInvalidPath)
		}
	}
	return nil
}
