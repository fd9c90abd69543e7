package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	boltstore "collabtext/collabd/internal/adapters/bolt"
	"collabtext/collabd/internal/domain"
	"collabtext/collabd/internal/ot"
	"collabtext/collabd/internal/transport"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", stdout)
}

func TestTokenRequiresSecret(t *testing.T) {
	_, _, err := executeCLI(t, "token", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwt_secret")
}

func TestTokenAuthenticates(t *testing.T) {
	t.Setenv("COLLABD_AUTH_JWT_SECRET", "s3cret")

	stdout, _, err := executeCLI(t, "token", "alice")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws/doc", nil)
	r.Header.Set("Authorization", "Bearer "+strings.TrimSpace(stdout))
	principal, err := transport.NewAuthenticator("s3cret").Principal(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal)
}

func TestReplayBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabd.db")
	store, err := boltstore.Open(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.SaveSnapshot(ctx, domain.Snapshot{DocumentID: "doc", Version: 2, Text: "ab", SavedAt: time.Now()}))
	require.NoError(t, store.AppendChanges(ctx, []domain.ChangeRecord{{
		DocumentID:        "doc",
		SessionID:         "s1",
		Version:           3,
		PrincipalID:       "alice",
		ClientOperationID: "op-1",
		Operations:        []ot.Operation{ot.Insert(2, "c")},
		AppliedAt:         time.Now(),
	}}))
	require.NoError(t, store.Close())

	t.Setenv("COLLABD_BOLT_PATH", path)
	stdout, stderr, err := executeCLI(t, "replay", "doc", "--storage", "bolt", "--verbose")
	require.NoError(t, err)
	assert.Equal(t, "abc", stdout)
	assert.Contains(t, stderr, "version 3")
}

func TestTailRequiresIdentity(t *testing.T) {
	t.Setenv("COLLABD_PRINCIPAL", "")
	t.Setenv("COLLABD_TOKEN", "")
	_, _, err := executeCLI(t, "tail", "doc")
	require.Error(t, err)
}
