// human readable types used in logs and config values
package model

import (
	"net/url"
	"os"
)

// URL is a config value which expands environment variables and
// never prints its password.
type URL struct {
	*url.URL
}

func ParseURL(raw string) (URL, error) {
	var u URL
	err := u.UnmarshalText([]byte(raw))
	return u, err
}

func (u *URL) UnmarshalText(text []byte) error {
	parsed, err := url.Parse(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	u.URL = parsed
	return nil
}

func (u URL) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// String returns the url with password replaced by xxxxx
func (u URL) String() string {
	if u.URL == nil {
		return ""
	}
	return u.Redacted()
}

// Redact is a shortcut for log attributes, an unparsable url is hidden entirely.
func Redact(raw string) string {
	u, err := ParseURL(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.String()
}
