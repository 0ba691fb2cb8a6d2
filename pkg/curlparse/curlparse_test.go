package curlparse

import (
	"errors"
	"testing"
)

func TestParseCurlCommand(t *testing.T) {
	input := `curl 'https://gemini.google.com/app' \
  -H 'accept: text/html' \
  -H 'cookie: SID=abc; __Secure-1PSID=g.a000psid-value; __Secure-1PSIDTS=sidts-value; NID=xyz' \
  -H 'user-agent: Mozilla/5.0'`
	c, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Secure1PSID != "g.a000psid-value" {
		t.Fatalf("psid = %q", c.Secure1PSID)
	}
	if c.Secure1PSIDTS != "sidts-value" {
		t.Fatalf("psidts = %q", c.Secure1PSIDTS)
	}
}

func TestParseCookieHeader(t *testing.T) {
	c, err := Parse("Cookie: __Secure-1PSIDTS=ts123; __Secure-1PSID=psid123")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Secure1PSID != "psid123" || c.Secure1PSIDTS != "ts123" {
		t.Fatalf("cookies = %+v", c)
	}
}

func TestParseBarePair(t *testing.T) {
	c, err := Parse("__Secure-1PSID=a; __Secure-1PSIDTS=b")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Secure1PSID != "a" || c.Secure1PSIDTS != "b" {
		t.Fatalf("cookies = %+v", c)
	}
}

func TestParseMissingPSID(t *testing.T) {
	if _, err := Parse("NID=abc; SID=def"); !errors.Is(err, ErrNoPSID) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseMissingPSIDTS(t *testing.T) {
	if _, err := Parse("__Secure-1PSID=only"); !errors.Is(err, ErrNoPSIDTS) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseDoesNotConfuseSuffixedNames(t *testing.T) {
	c, err := Parse("__Secure-1PSIDTS=tsval; __Secure-1PSID=psidval; __Secure-1PSIDCC=ccval")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Secure1PSID != "psidval" {
		t.Fatalf("psid = %q", c.Secure1PSID)
	}
}
