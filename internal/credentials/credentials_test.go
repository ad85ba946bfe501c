package credentials

import (
	"context"
	"strings"
	"testing"

	"github.com/debdevops/servicehub/internal/apperr"
	"github.com/debdevops/servicehub/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return []byte(strings.Repeat("k", keySize))
}

func TestCipher_SealOpenRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	cred := domain.Credential{NamespaceID: "ns1", BrokerConnection: "amqps://broker.example/ns1", Attributes: map[string]string{"sharedAccessKey": "secret"}}

	sealed, err := c.Seal(cred)
	require.NoError(t, err)

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, cred, opened)
}

func TestCipher_RejectsShortKey(t *testing.T) {
	_, err := NewCipher([]byte("too-short"))
	require.Error(t, err)
}

func TestCipher_OpenFailsOnTamperedCiphertext(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	sealed, err := c.Seal(domain.Credential{NamespaceID: "ns1"})
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xFF

	_, err = c.Open(sealed)
	require.Error(t, err)
}

func TestMemoryStore_RegisterAndResolve(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ns, err := s.Register(ctx, domain.Namespace{ID: "ns1", Name: "prod"}, domain.Credential{BrokerConnection: "amqps://x"})
	require.NoError(t, err)
	assert.True(t, ns.Active)

	cred, err := s.Resolve(ctx, "ns1")
	require.NoError(t, err)
	assert.Equal(t, "amqps://x", cred.BrokerConnection)
}

func TestMemoryStore_RegisterDuplicateNameConflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Register(ctx, domain.Namespace{ID: "ns1", Name: "prod"}, domain.Credential{})
	require.NoError(t, err)

	_, err = s.Register(ctx, domain.Namespace{ID: "ns2", Name: "prod"}, domain.Credential{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestMemoryStore_ResolveMissingNamespaceIsUnauthorized(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Resolve(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestMemoryStore_ActiveNamespaceIDsExcludesDeactivated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Register(ctx, domain.Namespace{ID: "ns1", Name: "a"}, domain.Credential{})
	s.Register(ctx, domain.Namespace{ID: "ns2", Name: "b"}, domain.Credential{})
	require.NoError(t, s.Deactivate(ctx, "ns2"))

	ids, err := s.ActiveNamespaceIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ns1"}, ids)
}

func TestMemoryStore_RecordConnectionTest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Register(ctx, domain.Namespace{ID: "ns1", Name: "a"}, domain.Credential{})

	require.NoError(t, s.RecordConnectionTest(ctx, "ns1", false))

	ns, err := s.Get(ctx, "ns1")
	require.NoError(t, err)
	require.NotNil(t, ns.LastConnectionTestSucceeded)
	assert.False(t, *ns.LastConnectionTestSucceeded)
}
