// Package directory resolves claimed aliases to the institution's canonical
// identifier.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	id "idlink/pkg/domain"
	dErrors "idlink/pkg/domain-errors"
)

const (
	DefaultBaseDN  = "dc=uwaterloo,dc=ca"
	DefaultFilter  = "(mailLocalAddress=%s@uwaterloo.ca)"
	DefaultTimeout = 7 * time.Second
)

// conn is the subset of *ldap.Conn the resolver uses.
type conn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// DialFunc opens a directory connection.
type DialFunc func(url string, timeout time.Duration) (conn, error)

type LDAPConfig struct {
	URL          string
	BaseDN       string
	Filter       string
	BindDN       string
	BindPassword string
	Timeout      time.Duration
}

// LDAPResolver opens one connection per call: dial, bind, one search, close.
type LDAPResolver struct {
	cfg    LDAPConfig
	dial   DialFunc
	logger *slog.Logger
}

type Option func(*LDAPResolver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *LDAPResolver) {
		r.logger = logger
	}
}

// WithDialer replaces the network dialer. Tests use it to supply fakes.
func WithDialer(dial DialFunc) Option {
	return func(r *LDAPResolver) {
		r.dial = dial
	}
}

func NewLDAPResolver(cfg LDAPConfig, opts ...Option) *LDAPResolver {
	if cfg.BaseDN == "" {
		cfg.BaseDN = DefaultBaseDN
	}
	if cfg.Filter == "" {
		cfg.Filter = DefaultFilter
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	r := &LDAPResolver{
		cfg:    cfg,
		dial:   dialLDAP,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the canonical alias for claimed. Malformed input and an
// empty result are NotFound; every other failure is Transport.
func (r *LDAPResolver) Resolve(ctx context.Context, claimed id.Alias) (id.Alias, error) {
	alias, err := id.ParseAlias(claimed.String())
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeNotFound, "alias not in directory")
	}
	if err := ctx.Err(); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeTransport, "directory query abandoned")
	}

	c, err := r.dial(r.cfg.URL, r.cfg.Timeout)
	if err != nil {
		return "", r.transport(ctx, alias, "dial", err)
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			r.logger.DebugContext(ctx, "directory close failed", "error", cerr)
		}
	}()

	if r.cfg.BindDN != "" {
		err = c.Bind(r.cfg.BindDN, r.cfg.BindPassword)
	} else {
		err = c.UnauthenticatedBind("")
	}
	if err != nil {
		return "", r.transport(ctx, alias, "bind", err)
	}

	req := ldap.NewSearchRequest(
		r.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0,
		int(r.cfg.Timeout/time.Second),
		false,
		fmt.Sprintf(r.cfg.Filter, ldap.EscapeFilter(alias.String())),
		[]string{"1.1"}, // entry names only
		nil,
	)
	res, err := c.Search(req)
	if err != nil {
		return "", r.transport(ctx, alias, "search", err)
	}

	switch len(res.Entries) {
	case 0:
		r.logger.InfoContext(ctx, "alias not found in directory", "alias", alias)
		return "", dErrors.New(dErrors.CodeNotFound, "alias not in directory")
	case 1:
	default:
		r.logger.WarnContext(ctx, "directory returned several entries; using the first",
			"alias", alias,
			"entries", len(res.Entries),
		)
	}

	canonical, err := canonicalFromDN(res.Entries[0].DN)
	if err != nil {
		return "", r.transport(ctx, alias, "parse dn", err)
	}
	return canonical, nil
}

func (r *LDAPResolver) transport(ctx context.Context, alias id.Alias, step string, err error) error {
	r.logger.ErrorContext(ctx, "directory query failed",
		"alias", alias,
		"step", step,
		"error", err,
	)
	return dErrors.Wrap(err, dErrors.CodeTransport, "directory "+step+" failed")
}

// canonicalFromDN returns the value of the first RDN, so
// "uid=alice2,ou=people,dc=uwaterloo,dc=ca" yields "alice2".
func canonicalFromDN(dn string) (id.Alias, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("parse dn %q: %w", dn, err)
	}
	if len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return "", fmt.Errorf("dn %q has no relative name", dn)
	}
	value := strings.TrimSpace(parsed.RDNs[0].Attributes[0].Value)
	canonical, err := id.ParseAlias(value)
	if err != nil {
		return "", fmt.Errorf("dn %q: %w", dn, err)
	}
	return canonical, nil
}

// ldapConn adapts *ldap.Conn to conn.
type ldapConn struct {
	*ldap.Conn
}

func (c ldapConn) Close() error {
	c.Conn.Close()
	return nil
}

func dialLDAP(url string, timeout time.Duration) (conn, error) {
	c, err := ldap.DialURL(url, ldap.DialWithDialer(&net.Dialer{Timeout: timeout}))
	if err != nil {
		return nil, err
	}
	c.SetTimeout(timeout)
	return ldapConn{Conn: c}, nil
}
