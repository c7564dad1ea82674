// Package postgres implements the sqlink driver core for the PostgreSQL
// wire protocol: connection lifecycle, transaction/savepoint nesting,
// prepared-statement caching, and flow control over a pgproto3 stream.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgservicefile"

	"github.com/justjake/sqlink/pkg/driver"
	"github.com/justjake/sqlink/pkg/secrets"
)

// SSLMode controls TLS negotiation during connect.
type SSLMode string

const (
	// SSLDisable never negotiates TLS.
	SSLDisable SSLMode = "disable"
	// SSLPrefer negotiates TLS but continues in cleartext if the server
	// declines. This is the default.
	SSLPrefer SSLMode = "prefer"
	// SSLRequire fails the connection if the server declines TLS. The
	// server certificate is not verified, matching libpq's sslmode=require.
	SSLRequire SSLMode = "require"
)

// DefaultStatementCacheCapacity bounds the per-connection prepared
// statement cache unless overridden by the statement_cache_capacity URL
// parameter.
const DefaultStatementCacheCapacity = 64

// Options is the parsed, validated form of a connection URL.
type Options struct {
	Host     string
	Port     uint16
	User     string
	Password string
	Database string
	SSLMode  SSLMode

	// PasswordSecret, when set, is resolved through Secrets at connect
	// time and takes precedence over Password.
	PasswordSecret *secrets.SecretRef
	Secrets        *secrets.Cache

	// ConnectTimeout bounds the dial and handshake. Zero means the
	// context alone controls cancellation.
	ConnectTimeout time.Duration

	// StatementCacheCapacity is the maximum number of cached prepared
	// statements. Zero selects DefaultStatementCacheCapacity; negative
	// disables caching.
	StatementCacheCapacity int

	// RuntimeParams are extra parameters sent in the startup message,
	// e.g. application_name.
	RuntimeParams map[string]string
}

// ParseURL parses a postgres:// or postgresql:// URL into Options.
// Recognized query parameters: sslmode, connect_timeout (seconds),
// statement_cache_capacity, application_name, and service (resolved
// against the pg_service.conf connection service file). A missing
// password falls back to the passfile (PGPASSFILE or ~/.pgpass).
//
// All failures are *driver.ConfigError and occur before any network
// activity.
func ParseURL(rawURL string) (*Options, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &driver.ConfigError{Err: err}
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, &driver.ConfigError{Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	o := &Options{
		Host:    "localhost",
		Port:    5432,
		SSLMode: SSLPrefer,
	}

	query := u.Query()

	// A connection service file contributes defaults before the URL's own
	// components override them.
	if service := query.Get("service"); service != "" {
		if err := o.applyService(service); err != nil {
			return nil, err
		}
	}

	if h := u.Hostname(); h != "" {
		o.Host = h
	}
	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil || port == 0 {
			return nil, &driver.ConfigError{Option: "port", Err: fmt.Errorf("invalid port %q", p)}
		}
		o.Port = uint16(port)
	}
	if u.User != nil {
		o.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			o.Password = pw
		}
	}
	if db := trimLeadingSlash(u.Path); db != "" {
		o.Database = db
	}

	for name, setter := range map[string]func(string) error{
		"sslmode":                  o.setSSLMode,
		"connect_timeout":          o.setConnectTimeout,
		"statement_cache_capacity": o.setStatementCacheCapacity,
	} {
		if v := query.Get(name); v != "" {
			if err := setter(v); err != nil {
				return nil, &driver.ConfigError{Option: name, Err: err}
			}
		}
	}
	if appName := query.Get("application_name"); appName != "" {
		o.setRuntimeParam("application_name", appName)
	}

	if o.User == "" {
		o.User = os.Getenv("PGUSER")
	}
	if o.User == "" {
		return nil, &driver.ConfigError{Option: "user", Err: errors.New("no user in URL, service file, or PGUSER")}
	}
	if o.Database == "" {
		o.Database = o.User
	}
	if o.Password == "" {
		o.Password = passfilePassword(o.Host, o.Port, o.Database, o.User)
	}

	return o, nil
}

func (o *Options) setSSLMode(v string) error {
	switch SSLMode(v) {
	case SSLDisable, SSLPrefer, SSLRequire:
		o.SSLMode = SSLMode(v)
		return nil
	default:
		return fmt.Errorf("unsupported sslmode %q", v)
	}
}

func (o *Options) setConnectTimeout(v string) error {
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		return fmt.Errorf("invalid connect_timeout %q", v)
	}
	o.ConnectTimeout = time.Duration(seconds) * time.Second
	return nil
}

func (o *Options) setStatementCacheCapacity(v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid statement_cache_capacity %q", v)
	}
	o.StatementCacheCapacity = n
	return nil
}

func (o *Options) setRuntimeParam(name, value string) {
	if o.RuntimeParams == nil {
		o.RuntimeParams = make(map[string]string)
	}
	o.RuntimeParams[name] = value
}

// applyService merges settings from the pg_service.conf entry named by
// service. The file location follows libpq: PGSERVICEFILE, then
// ~/.pg_service.conf.
func (o *Options) applyService(service string) error {
	path := os.Getenv("PGSERVICEFILE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return &driver.ConfigError{Option: "service", Err: err}
		}
		path = filepath.Join(home, ".pg_service.conf")
	}

	sf, err := pgservicefile.ReadServicefile(path)
	if err != nil {
		return &driver.ConfigError{Option: "service", Err: fmt.Errorf("read service file %s: %w", path, err)}
	}
	svc, err := sf.GetService(service)
	if err != nil {
		return &driver.ConfigError{Option: "service", Err: err}
	}

	for k, v := range svc.Settings {
		switch k {
		case "host":
			o.Host = v
		case "port":
			port, err := strconv.ParseUint(v, 10, 16)
			if err != nil || port == 0 {
				return &driver.ConfigError{Option: "service", Err: fmt.Errorf("invalid port %q in service %q", v, service)}
			}
			o.Port = uint16(port)
		case "dbname":
			o.Database = v
		case "user":
			o.User = v
		case "password":
			o.Password = v
		case "sslmode":
			if err := o.setSSLMode(v); err != nil {
				return &driver.ConfigError{Option: "service", Err: err}
			}
		}
	}
	return nil
}

// passfilePassword looks up a password in the libpq passfile. Lookup
// failures are treated as "no password": connect surfaces the real error
// if the server then demands one.
func passfilePassword(host string, port uint16, database, user string) string {
	path := os.Getenv("PGPASSFILE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		path = filepath.Join(home, ".pgpass")
	}

	passfile, err := pgpassfile.ReadPassfile(path)
	if err != nil {
		return ""
	}
	return passfile.FindPassword(host, strconv.Itoa(int(port)), database, user)
}

// password resolves the effective password, consulting the secret
// reference when configured.
func (o *Options) password(ctx context.Context) (string, error) {
	if o.PasswordSecret != nil {
		if o.Secrets == nil {
			return "", &driver.ConfigError{Option: "password", Err: errors.New("PasswordSecret set without a secrets cache")}
		}
		pw, err := o.Secrets.Get(ctx, *o.PasswordSecret)
		if err != nil {
			return "", &driver.ConfigError{Option: "password", Err: err}
		}
		return pw, nil
	}
	return o.Password, nil
}

// addr returns the dial address.
func (o *Options) addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(int(o.Port)))
}

func (o *Options) cacheCapacity() int {
	switch {
	case o.StatementCacheCapacity == 0:
		return DefaultStatementCacheCapacity
	case o.StatementCacheCapacity < 0:
		return 0
	default:
		return o.StatementCacheCapacity
	}
}

func trimLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}
