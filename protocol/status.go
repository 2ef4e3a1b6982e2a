package protocol

import (
	"strconv"
	"strings"

	"github.com/nczempin/pkihttp/errors"
)

const (
	httpPrefix = "HTTP/"
	statusOK   = "200"
)

// parseStatusLine parses "HTTP/1.0 200 OK\r\n" into its code and reason.
// Only the exact code 200 is a success; any other code is returned as an
// HTTP status error carrying the code and reason.
func parseStatusLine(line string) (int, string, error) {
	line = strings.TrimRight(line, " \t\r\n")
	if !strings.HasPrefix(line, httpPrefix) {
		return 0, "", errors.NewProtocolError(errors.ProtocolErrorInvalidStatusLine,
			"not an HTTP status line: "+strconv.Quote(line))
	}

	// skip the protocol tag
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return 0, "", errors.NewProtocolError(errors.ProtocolErrorInvalidStatusLine,
			"missing status code: "+strconv.Quote(line))
	}
	rest := strings.TrimLeft(line[i:], " \t")
	if rest == "" {
		return 0, "", errors.NewProtocolError(errors.ProtocolErrorInvalidStatusLine,
			"missing status code: "+strconv.Quote(line))
	}

	codeStr, reason := rest, ""
	if j := strings.IndexAny(rest, " \t"); j >= 0 {
		codeStr, reason = rest[:j], strings.TrimSpace(rest[j:])
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 0 {
		return 0, "", errors.NewProtocolError(errors.ProtocolErrorInvalidStatusLine,
			"invalid status code "+strconv.Quote(codeStr))
	}

	if codeStr != statusOK {
		return code, reason, errors.NewStatusError(code, reason)
	}
	return code, reason, nil
}

// isBlankLine reports whether line holds nothing but CR and LF characters.
func isBlankLine(line []byte) bool {
	for _, c := range line {
		if c != '\r' && c != '\n' {
			return false
		}
	}
	return true
}

// parseHeaderLine splits "Name: value\r\n". Lines without a colon yield a
// header with an empty value.
func parseHeaderLine(line []byte) HttpHeader {
	s := strings.TrimRight(string(line), "\r\n")
	key, value, _ := strings.Cut(s, ":")
	return HttpHeader{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)}
}
