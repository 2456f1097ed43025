package diagnostics

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const defaultPostgresPort = 5432

// Endpoint is what a DSN says about where the database lives.
type Endpoint struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Database string `json:"database"`
}

// Networked reports whether the endpoint is reached over TCP.
func (e Endpoint) Networked() bool {
	return e.Host != ""
}

// ParseDSN extracts the endpoint from a postgres URL, a libpq keyword/value
// string, or a SQLite file DSN.
func ParseDSN(driver, dsn string) (Endpoint, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return Endpoint{}, errors.New("dsn is empty")
	}
	switch driver {
	case "sqlite":
		path := strings.TrimPrefix(dsn, "file:")
		path, _, _ = strings.Cut(path, "?")
		if path == "" {
			return Endpoint{}, errors.New("sqlite dsn has no database name")
		}
		return Endpoint{Database: path}, nil
	case "postgres", "":
		if strings.Contains(dsn, "://") {
			return parsePostgresURL(dsn)
		}
		return parsePostgresKeywords(dsn)
	default:
		return Endpoint{}, fmt.Errorf("unsupported driver %q", driver)
	}
}

func parsePostgresURL(dsn string) (Endpoint, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		// url.Error repeats the raw DSN, password included
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return Endpoint{}, fmt.Errorf("dsn is not a valid url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return Endpoint{}, fmt.Errorf("dsn scheme must be postgres:// or postgresql://, got %q", u.Scheme)
	}
	ep := Endpoint{Host: u.Hostname(), Port: defaultPostgresPort, Database: strings.TrimPrefix(u.Path, "/")}
	if u.User != nil {
		ep.User = u.User.Username()
	}
	if ep.Host == "" {
		return Endpoint{}, errors.New("dsn has no host")
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("dsn port %q is invalid", p)
		}
		ep.Port = port
	}
	if ep.Database == "" {
		return Endpoint{}, errors.New("dsn has no database name")
	}
	return ep, nil
}

func parsePostgresKeywords(dsn string) (Endpoint, error) {
	ep := Endpoint{Host: "localhost", Port: defaultPostgresPort}
	for _, field := range strings.Fields(dsn) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return Endpoint{}, fmt.Errorf("dsn field %q is not key=value", maskField(field))
		}
		value = strings.Trim(value, "'")
		switch key {
		case "host":
			ep.Host = value
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil || port <= 0 || port > 65535 {
				return Endpoint{}, fmt.Errorf("dsn port %q is invalid", value)
			}
			ep.Port = port
		case "user":
			ep.User = value
		case "dbname":
			ep.Database = value
		}
	}
	if ep.Database == "" {
		return Endpoint{}, errors.New("dsn has no dbname")
	}
	return ep, nil
}

const mask = "xxxxx"

var keywordPassword = regexp.MustCompile(`password=('[^']*'|\S+)`)

// MaskDSN hides the password in dsn.
func MaskDSN(dsn string) string {
	if strings.Contains(dsn, "://") {
		if u, err := url.Parse(dsn); err == nil {
			if _, has := u.User.Password(); has {
				u.User = url.UserPassword(u.User.Username(), mask)
			}
			return u.String()
		}
		// unparseable URL: hide everything between "://" and "@"
		scheme, rest, _ := strings.Cut(dsn, "://")
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			return scheme + "://" + mask + rest[at:]
		}
		return dsn
	}
	return keywordPassword.ReplaceAllString(dsn, "password="+mask)
}

func maskField(field string) string {
	if strings.HasPrefix(field, "password") {
		return "password=" + mask
	}
	return field
}

// MaskError returns err with any occurrence of the DSN's password removed
// from its message.
func MaskError(err error, dsn string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if u, perr := url.Parse(dsn); perr == nil && u.User != nil {
		if pw, ok := u.User.Password(); ok && pw != "" {
			msg = strings.ReplaceAll(msg, pw, mask)
		}
	}
	if m := keywordPassword.FindStringSubmatch(dsn); len(m) == 2 {
		msg = strings.ReplaceAll(msg, strings.Trim(m[1], "'"), mask)
	}
	if msg == err.Error() {
		return err
	}
	return errors.New(msg)
}
