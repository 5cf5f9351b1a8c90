package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"idlink/internal/platform/logger"
	id "idlink/pkg/domain"
	dErrors "idlink/pkg/domain-errors"
)

type fakeConn struct {
	bindErr   error
	searchErr error
	entries   []*ldap.Entry

	boundAs    string
	unauthBind bool
	searches   []*ldap.SearchRequest
	closed     bool
}

func (c *fakeConn) Bind(username, _ string) error {
	c.boundAs = username
	return c.bindErr
}

func (c *fakeConn) UnauthenticatedBind(username string) error {
	c.unauthBind = true
	c.boundAs = username
	return c.bindErr
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.searches = append(c.searches, req)
	if c.searchErr != nil {
		return nil, c.searchErr
	}
	return &ldap.SearchResult{Entries: c.entries}, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type LDAPResolverSuite struct {
	suite.Suite
	conn    *fakeConn
	dialErr error
	dials   int
}

func TestLDAPResolverSuite(t *testing.T) {
	suite.Run(t, new(LDAPResolverSuite))
}

func (s *LDAPResolverSuite) SetupTest() {
	s.conn = &fakeConn{}
	s.dialErr = nil
	s.dials = 0
}

func (s *LDAPResolverSuite) resolver(cfg LDAPConfig) *LDAPResolver {
	return NewLDAPResolver(cfg,
		WithLogger(logger.Discard()),
		WithDialer(func(string, time.Duration) (conn, error) {
			s.dials++
			if s.dialErr != nil {
				return nil, s.dialErr
			}
			return s.conn, nil
		}),
	)
}

func entry(dn string) *ldap.Entry {
	return &ldap.Entry{DN: dn}
}

func (s *LDAPResolverSuite) TestResolve() {
	ctx := context.Background()

	s.Run("canonical id is the first relative name of the entry", func() {
		s.SetupTest()
		s.conn.entries = []*ldap.Entry{entry("uid=alice2,ou=People,dc=uwaterloo,dc=ca")}

		got, err := s.resolver(LDAPConfig{}).Resolve(ctx, "alice")
		s.Require().NoError(err)
		s.Equal(id.Alias("alice2"), got)
		s.True(s.conn.closed)
		s.True(s.conn.unauthBind)
	})

	s.Run("search uses the default base, subtree scope and time limit", func() {
		s.SetupTest()
		s.conn.entries = []*ldap.Entry{entry("uid=bob,dc=uwaterloo,dc=ca")}

		_, err := s.resolver(LDAPConfig{}).Resolve(ctx, "Bob")
		s.Require().NoError(err)
		s.Require().Len(s.conn.searches, 1)
		req := s.conn.searches[0]
		s.Equal(DefaultBaseDN, req.BaseDN)
		s.Equal(ldap.ScopeWholeSubtree, req.Scope)
		s.Equal(7, req.TimeLimit)
		s.Equal("(mailLocalAddress=bob@uwaterloo.ca)", req.Filter)
	})

	s.Run("configured bind dn authenticates", func() {
		s.SetupTest()
		s.conn.entries = []*ldap.Entry{entry("uid=bob,dc=uwaterloo,dc=ca")}

		_, err := s.resolver(LDAPConfig{BindDN: "cn=svc,dc=uwaterloo,dc=ca", BindPassword: "pw"}).Resolve(ctx, "bob")
		s.Require().NoError(err)
		s.False(s.conn.unauthBind)
		s.Equal("cn=svc,dc=uwaterloo,dc=ca", s.conn.boundAs)
	})

	s.Run("several entries resolve to the first", func() {
		s.SetupTest()
		s.conn.entries = []*ldap.Entry{
			entry("uid=first,dc=uwaterloo,dc=ca"),
			entry("uid=second,dc=uwaterloo,dc=ca"),
		}

		got, err := s.resolver(LDAPConfig{}).Resolve(ctx, "shared")
		s.Require().NoError(err)
		s.Equal(id.Alias("first"), got)
	})

	s.Run("no entries is not found", func() {
		s.SetupTest()

		_, err := s.resolver(LDAPConfig{}).Resolve(ctx, "ghost")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("malformed alias is not found without a round trip", func() {
		s.SetupTest()

		for _, claimed := range []id.Alias{"", "a*)(uid=*", "x y"} {
			_, err := s.resolver(LDAPConfig{}).Resolve(ctx, claimed)
			s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "claimed %q", claimed)
		}
		s.Zero(s.dials)
	})

	s.Run("dial failure is transport", func() {
		s.SetupTest()
		s.dialErr = errors.New("connection refused")

		_, err := s.resolver(LDAPConfig{}).Resolve(ctx, "alice")
		s.True(dErrors.HasCode(err, dErrors.CodeTransport))
	})

	s.Run("bind failure is transport and closes the connection", func() {
		s.SetupTest()
		s.conn.bindErr = ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad credentials"))

		_, err := s.resolver(LDAPConfig{}).Resolve(ctx, "alice")
		s.True(dErrors.HasCode(err, dErrors.CodeTransport))
		s.True(s.conn.closed)
	})

	s.Run("time limit exceeded is transport", func() {
		s.SetupTest()
		s.conn.searchErr = ldap.NewError(ldap.LDAPResultTimeLimitExceeded, errors.New("time limit"))

		_, err := s.resolver(LDAPConfig{}).Resolve(ctx, "alice")
		s.True(dErrors.HasCode(err, dErrors.CodeTransport))
	})

	s.Run("malformed dn is transport", func() {
		s.SetupTest()
		s.conn.entries = []*ldap.Entry{entry("not a dn")}

		_, err := s.resolver(LDAPConfig{}).Resolve(ctx, "alice")
		s.True(dErrors.HasCode(err, dErrors.CodeTransport))
	})
}

func TestCanonicalFromDN(t *testing.T) {
	got, err := canonicalFromDN("uid=Alice2,ou=People,dc=uwaterloo,dc=ca")
	require.NoError(t, err)
	assert.Equal(t, id.Alias("alice2"), got)

	_, err = canonicalFromDN("")
	assert.Error(t, err)
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string]string{
		"alice":   "alice2",
		"bad key": "x",
	})
	ctx := context.Background()

	got, err := r.Resolve(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, id.Alias("alice2"), got)

	got, err = r.Resolve(ctx, "alice2")
	require.NoError(t, err)
	assert.Equal(t, id.Alias("alice2"), got)

	_, err = r.Resolve(ctx, "carol")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = r.Resolve(ctx, "bad key")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}
