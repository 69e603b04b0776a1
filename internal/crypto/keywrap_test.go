package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/kenneth/byok-gateway/internal/byokerr"
	"github.com/kenneth/byok-gateway/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyWrapper_RoundTrip(t *testing.T) {
	kek := testutil.RSAKey(t, "kek")
	wrapper := NewKeyWrapper()

	for _, size := range []int{1, 32, 1217, 2375} {
		material := make([]byte, size)
		_, err := rand.Read(material)
		require.NoError(t, err)

		ciphertext, err := wrapper.Wrap(&kek.PublicKey, material)
		require.NoError(t, err)
		assert.Greater(t, len(ciphertext), kek.Size())

		unwrapped, err := wrapper.Unwrap(kek, ciphertext, kek.Size())
		require.NoError(t, err)
		assert.Equal(t, material, unwrapped)
	}
}

func TestKeyWrapper_PrivateKeyRoundTrip(t *testing.T) {
	kek := testutil.RSAKey(t, "kek")
	customerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	wrapper := NewKeyWrapper()
	ciphertext, err := wrapper.WrapPrivateKey(&kek.PublicKey, customerKey)
	require.NoError(t, err)

	recovered, err := wrapper.UnwrapPrivateKey(kek, ciphertext, kek.Size())
	require.NoError(t, err)
	assert.True(t, customerKey.Equal(recovered))
}

func TestKeyWrapper_FreshTransportKeyPerCall(t *testing.T) {
	kek := testutil.RSAKey(t, "kek")
	wrapper := NewKeyWrapper()
	material := []byte("same key material every time")

	first, err := wrapper.Wrap(&kek.PublicKey, material)
	require.NoError(t, err)
	second, err := wrapper.Wrap(&kek.PublicKey, material)
	require.NoError(t, err)

	assert.NotEqual(t, first[kek.Size():], second[kek.Size():])
}

func TestKeyWrapper_SplitMismatch(t *testing.T) {
	kek := testutil.RSAKey(t, "kek")
	wrapper := NewKeyWrapper()

	ciphertext, err := wrapper.Wrap(&kek.PublicKey, []byte("material"))
	require.NoError(t, err)

	_, err = wrapper.Unwrap(kek, ciphertext, 512)
	require.Error(t, err)
	assert.Equal(t, byokerr.KindCrypto, byokerr.KindOf(err))

	_, err = wrapper.Unwrap(kek, ciphertext[:kek.Size()], kek.Size())
	assert.Error(t, err)
}

func TestKeyWrapper_WrongKEK(t *testing.T) {
	kek := testutil.RSAKey(t, "kek")
	other := testutil.RSAKey(t, "other-kek")
	wrapper := NewKeyWrapper()

	ciphertext, err := wrapper.Wrap(&kek.PublicKey, []byte("material"))
	require.NoError(t, err)

	_, err = wrapper.Unwrap(other, ciphertext, other.Size())
	require.Error(t, err)
	assert.Equal(t, byokerr.KindCrypto, byokerr.KindOf(err))
}

func TestKeyWrapper_RejectsWeakKEK(t *testing.T) {
	weak, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	_, err = NewKeyWrapper().Wrap(&weak.PublicKey, []byte("material"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported KEK size")

	_, err = NewKeyWrapper().Wrap(nil, []byte("material"))
	assert.Error(t, err)
}
