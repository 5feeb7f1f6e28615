package credentials

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/security"
)

// scriptedChannel answers Exec by matching the joined command against a
// fixed set of canned responses, enough to drive Discover without a real
// container shell.
type scriptedChannel struct {
	responses map[string][]string
}

func (c *scriptedChannel) Exec(ctx context.Context, command []string) (<-chan remoteshell.Line, error) {
	key := strings.Join(command, " ")
	out := make(chan remoteshell.Line, 16)
	go func() {
		defer close(out)
		for _, line := range c.responses[key] {
			out <- remoteshell.Line{Text: line}
		}
		out <- remoteshell.Line{Done: true, ExitCode: 0}
	}()
	return out, nil
}

func (c *scriptedChannel) Upload(ctx context.Context, path string, content []byte, mode uint32) error {
	return nil
}

func (c *scriptedChannel) Close() error { return nil }

func testVault(t *testing.T) *security.Vault {
	t.Helper()
	vault, err := security.NewVault(security.DeriveKeyFromSeed("test-seed"))
	require.NoError(t, err)
	return vault
}

func TestDiscoverReturnsOneServicePerNonEmptyFile(t *testing.T) {
	ch := &scriptedChannel{responses: map[string][]string{
		"sh -c ls -1 /etc/infrahaus/credentials 2>/dev/null": {"postgres.json", "empty.txt", "redis.conf"},
		"cat /etc/infrahaus/credentials/postgres.json":       {`{"user":"app","password":"s3cret"}`},
		"cat /etc/infrahaus/credentials/empty.txt":           {""},
		"cat /etc/infrahaus/credentials/redis.conf":          {"requirepass hunter2"},
	}}

	services, err := Discover(context.Background(), ch, testVault(t), "c-1")
	require.NoError(t, err)

	var names []string
	for _, s := range services {
		names = append(names, s.Name)
		assert.Equal(t, "c-1", s.ContainerID)
		assert.NotEmpty(t, s.CredentialsEncrypted)
	}
	assert.ElementsMatch(t, []string{"postgres", "redis"}, names)
}

func TestDiscoverNoCredentialsDirReturnsEmpty(t *testing.T) {
	ch := &scriptedChannel{responses: map[string][]string{
		"sh -c ls -1 /etc/infrahaus/credentials 2>/dev/null": {},
	}}

	services, err := Discover(context.Background(), ch, testVault(t), "c-1")
	require.NoError(t, err)
	assert.Empty(t, services)
}

func TestServiceNameFromFilenameStripsKnownExtensions(t *testing.T) {
	assert.Equal(t, "postgres", serviceNameFromFilename("postgres.json"))
	assert.Equal(t, "redis", serviceNameFromFilename("redis.conf"))
	assert.Equal(t, "nothing-known", serviceNameFromFilename("nothing-known"))
}
