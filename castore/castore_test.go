package castore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureIsLazyAndIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ssca")
	store := New(Options{Dir: dir})

	assert.False(t, store.Exists())

	require.NoError(t, store.Ensure())
	assert.True(t, store.Exists())

	firstCert, err := os.ReadFile(store.CertPath())
	require.NoError(t, err)

	require.NoError(t, store.Ensure())
	secondCert, err := os.ReadFile(store.CertPath())
	require.NoError(t, err)
	assert.Equal(t, firstCert, secondCert)
}

func TestEnsureReusesExistingStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ssca")
	require.NoError(t, New(Options{Dir: dir}).Ensure())

	firstCert, err := os.ReadFile(filepath.Join(dir, caCertFile))
	require.NoError(t, err)

	other := New(Options{Dir: dir})
	require.NoError(t, other.Ensure())

	secondCert, err := os.ReadFile(other.CertPath())
	require.NoError(t, err)
	assert.Equal(t, firstCert, secondCert)
}

func TestIssueServerCert(t *testing.T) {
	store := New(Options{Dir: filepath.Join(t.TempDir(), "ssca")})

	certPath, keyPath, err := store.IssueServerCert("supplier1", []string{"localhost"})
	require.NoError(t, err)
	assert.FileExists(t, certPath)
	assert.FileExists(t, keyPath)
	assert.True(t, store.Exists())
}

func TestRemoveOnlyOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ssca")
	store := New(Options{Dir: dir})
	require.NoError(t, store.Ensure())

	require.NoError(t, store.Remove())
	assert.NoDirExists(t, dir)

	require.NoError(t, store.Remove())
	assert.ErrorIs(t, store.Ensure(), ErrRemoved)
}
