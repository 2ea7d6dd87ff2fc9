package evfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceKeyProviderPassphraseArgon2id(t *testing.T) {
	p := NewDeviceKeyProvider(DeviceKeyConfig{Passphrase: []byte("correct horse battery staple")})
	kek, err := p.UnwrapKEK(context.Background())
	require.NoError(t, err)
	assert.Len(t, kek, 32)

	again, err := p.UnwrapKEK(context.Background())
	require.NoError(t, err)
	assert.Equal(t, kek, again, "UnwrapKEK must be cached and deterministic for the same passphrase")
}

func TestDeviceKeyProviderDifferentPassphrasesDiffer(t *testing.T) {
	a := NewDeviceKeyProvider(DeviceKeyConfig{Passphrase: []byte("alpha")})
	b := NewDeviceKeyProvider(DeviceKeyConfig{Passphrase: []byte("bravo")})

	kekA, err := a.UnwrapKEK(context.Background())
	require.NoError(t, err)
	kekB, err := b.UnwrapKEK(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, kekA, kekB)
}

func TestDeviceKeyProviderCustomSaltChangesDerivation(t *testing.T) {
	fixed := NewDeviceKeyProvider(DeviceKeyConfig{Passphrase: []byte("same passphrase")})
	custom := NewDeviceKeyProvider(DeviceKeyConfig{Passphrase: []byte("same passphrase"), Salt: []byte("per-database-salt-001")})

	kekFixed, err := fixed.UnwrapKEK(context.Background())
	require.NoError(t, err)
	kekCustom, err := custom.UnwrapKEK(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, kekFixed, kekCustom, "overriding Salt must change the derived KEK")

	again := NewDeviceKeyProvider(DeviceKeyConfig{Passphrase: []byte("same passphrase"), Salt: []byte("per-database-salt-001")})
	kekAgain, err := again.UnwrapKEK(context.Background())
	require.NoError(t, err)
	assert.Equal(t, kekCustom, kekAgain, "the same passphrase and salt must derive the same KEK")
}

func TestDeviceKeyProviderLegacyPBKDF2(t *testing.T) {
	p := NewDeviceKeyProvider(DeviceKeyConfig{Passphrase: []byte("legacy pw"), Legacy: true, PBKDF2Iterations: 1000})
	kek, err := p.UnwrapKEK(context.Background())
	require.NoError(t, err)
	assert.Len(t, kek, 32)
}

func TestDeviceKeyProviderNoKeyfileOrPassphrase(t *testing.T) {
	p := NewDeviceKeyProvider(DeviceKeyConfig{})
	_, err := p.UnwrapKEK(context.Background())
	require.Error(t, err)
	assert.True(t, IsKekUnwrapError(err))
}

func TestDeviceKeyProviderFromKeyfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.key")
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, raw, 0600))

	p := NewDeviceKeyProvider(DeviceKeyConfig{KeyfilePath: path})
	kek, err := p.UnwrapKEK(context.Background())
	require.NoError(t, err)
	assert.Equal(t, raw, kek)
}

func TestDeviceKeyProviderKeyfileWrongSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.key")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0600))

	p := NewDeviceKeyProvider(DeviceKeyConfig{KeyfilePath: path})
	_, err := p.UnwrapKEK(context.Background())
	require.Error(t, err)
}

func TestNewTenantKeyProviderValidatesConfig(t *testing.T) {
	_, err := NewTenantKeyProvider(TenantKeyConfig{Endpoint: "https://keys.example.com"})
	require.Error(t, err)

	_, err = NewTenantKeyProvider(TenantKeyConfig{KeyID: "k1"})
	require.Error(t, err)

	_, err = NewTenantKeyProvider(TenantKeyConfig{KeyID: "k1", Endpoint: "https://keys.example.com"})
	require.NoError(t, err)
}

func TestTenantKeyProviderUnwrapKEKWithoutFetch(t *testing.T) {
	p, err := NewTenantKeyProvider(TenantKeyConfig{KeyID: "k1", Endpoint: "https://keys.example.com"})
	require.NoError(t, err)
	_, err = p.UnwrapKEK(context.Background())
	require.Error(t, err)
	assert.True(t, IsKekUnwrapError(err))
}

func TestTenantKeyProviderUnwrapKEKCachesAndFingerprints(t *testing.T) {
	calls := 0
	p, err := NewTenantKeyProvider(TenantKeyConfig{
		KeyID:    "k1",
		Endpoint: "https://keys.example.com",
		Fetch: func(ctx context.Context, keyID, endpoint string) ([]byte, error) {
			calls++
			return make([]byte, 32), nil
		},
	})
	require.NoError(t, err)

	_, err = p.UnwrapKEK(context.Background())
	require.NoError(t, err)
	_, err = p.UnwrapKEK(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "UnwrapKEK must cache after the first successful fetch")
	assert.NotEmpty(t, p.Fingerprint())
}

func TestTenantKeyProviderRejectsWrongSizeKEK(t *testing.T) {
	p, err := NewTenantKeyProvider(TenantKeyConfig{
		KeyID:    "k1",
		Endpoint: "https://keys.example.com",
		Fetch: func(ctx context.Context, keyID, endpoint string) ([]byte, error) {
			return make([]byte, 16), nil
		},
	})
	require.NoError(t, err)
	_, err = p.UnwrapKEK(context.Background())
	require.Error(t, err)
}
