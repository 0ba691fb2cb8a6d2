// Package curlparse extracts Gemini session cookies from whatever a user
// pastes: a full cURL command copied from browser devtools, a raw Cookie
// header, or a bare cookie string.
package curlparse

import (
	"errors"
	"regexp"
	"strings"
)

// Cookies is the session pair pulled out of pasted input.
type Cookies struct {
	Secure1PSID   string
	Secure1PSIDTS string
}

var (
	psidRe   = regexp.MustCompile(`__Secure-1PSID=([^;\s"'\\]+)`)
	psidtsRe = regexp.MustCompile(`__Secure-1PSIDTS=([^;\s"'\\]+)`)
)

var (
	ErrNoPSID   = errors.New("curlparse: __Secure-1PSID not found in input")
	ErrNoPSIDTS = errors.New("curlparse: __Secure-1PSIDTS not found in input")
)

// Parse pulls both session cookies out of the input. Line continuations
// and shell quoting from copied cURL commands are tolerated; only the two
// cookie values matter.
func Parse(input string) (Cookies, error) {
	input = strings.ReplaceAll(input, "\\\n", " ")
	input = strings.ReplaceAll(input, "\r", " ")

	var c Cookies
	if m := psidRe.FindStringSubmatch(input); len(m) == 2 {
		c.Secure1PSID = m[1]
	}
	if m := psidtsRe.FindStringSubmatch(input); len(m) == 2 {
		c.Secure1PSIDTS = m[1]
	}
	if c.Secure1PSID == "" {
		return Cookies{}, ErrNoPSID
	}
	if c.Secure1PSIDTS == "" {
		return Cookies{}, ErrNoPSIDTS
	}
	return c, nil
}
