package encrypt

import (
	"errors"
	"strings"
	"testing"

	"github.com/shadowsocks/go-shadowsocks2/shadowstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssredir/internal/domain"
)

func TestValidateCredentials(t *testing.T) {
	require.NoError(t, ValidateCredentials("aes-256-cfb", "secret"))

	long := strings.Repeat("x", 256)
	assert.ErrorIs(t, ValidateCredentials(long, "secret"), domain.ErrBadCredentials)
	assert.ErrorIs(t, ValidateCredentials("aes-256-cfb", long), domain.ErrBadCredentials)
	assert.ErrorIs(t, ValidateCredentials("", "secret"), domain.ErrBadCredentials)
	assert.ErrorIs(t, ValidateCredentials("aes-256-cfb", ""), domain.ErrBadCredentials)
}

func TestNewEngineUnsupportedMethod(t *testing.T) {
	_, err := NewEngine("rot13", "secret")
	assert.ErrorIs(t, err, ErrCipherNotSupported)
}

func TestKeyDerivationDeterministic(t *testing.T) {
	a := evpBytesToKey("barfoo!", 32)
	b := evpBytesToKey("barfoo!", 32)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, evpBytesToKey("other", 32))
}

// decryptAll feeds enc-side output through a decrypt context in the given
// fragment sizes and returns the concatenated plaintext.
func decryptAll(t *testing.T, dec domain.CipherContext, ciphertext []byte, fragment int) []byte {
	t.Helper()
	var out []byte
	for len(ciphertext) > 0 {
		take := min(fragment, len(ciphertext))
		dst := make([]byte, dec.WorstCaseSize(take))
		n, err := dec.Transform(ciphertext[:take], dst)
		require.NoError(t, err)
		out = append(out, dst[:n]...)
		ciphertext = ciphertext[take:]
	}
	return out
}

// Bytes pushed through an encrypt context in arbitrary fragments must come
// out of an independently created decrypt context (same method + password)
// byte-identical, even when fragment boundaries split the IV itself.
func TestRoundTripFragmented(t *testing.T) {
	for _, method := range []string{"aes-128-ctr", "aes-256-cfb", "chacha20-ietf", "xchacha20"} {
		t.Run(method, func(t *testing.T) {
			sender, err := NewEngine(method, "round-trip-pw")
			require.NoError(t, err)
			receiver, err := NewEngine(method, "round-trip-pw")
			require.NoError(t, err)

			enc, _, err := sender.NewPair()
			require.NoError(t, err)
			_, dec, err := receiver.NewPair()
			require.NoError(t, err)

			plaintext := []byte("the quick brown fox jumps over the lazy dog, twice around the relay")

			var ciphertext []byte
			for _, size := range []int{1, 3, 11, 2, 50, 1} {
				take := min(size, len(plaintext))
				chunk := plaintext[:take]
				plaintext = plaintext[take:]
				dst := make([]byte, enc.WorstCaseSize(len(chunk)))
				n, err := enc.Transform(chunk, dst)
				require.NoError(t, err)
				ciphertext = append(ciphertext, dst[:n]...)
			}
			require.Empty(t, plaintext)

			// Fragment size 5 guarantees the IV arrives split.
			got := decryptAll(t, dec, ciphertext, 5)
			assert.Equal(t,
				[]byte("the quick brown fox jumps over the lazy dog, twice around the relay"),
				got)
		})
	}
}

func TestWorstCaseSizeShrinksAfterIV(t *testing.T) {
	engine, err := NewEngine("aes-256-ctr", "pw")
	require.NoError(t, err)
	enc, dec, err := engine.NewPair()
	require.NoError(t, err)

	// 16 is the AES-CTR IV size; the first transform carries it.
	assert.Equal(t, 10+16, enc.WorstCaseSize(10))
	dst := make([]byte, enc.WorstCaseSize(10))
	n, err := enc.Transform(make([]byte, 10), dst)
	require.NoError(t, err)
	assert.Equal(t, 26, n)
	assert.Equal(t, 10, enc.WorstCaseSize(10))

	// Decrypt consumes the IV, never produces it.
	assert.Equal(t, 10, dec.WorstCaseSize(10))
}

func TestReleasePairIdempotent(t *testing.T) {
	engine, err := NewEngine("aes-128-cfb", "pw")
	require.NoError(t, err)
	enc, dec, err := engine.NewPair()
	require.NoError(t, err)

	ReleasePair(enc, dec)
	ReleasePair(enc, dec) // second release must be a no-op
	ReleasePair(nil, nil) // never-initialized contexts are skipped

	_, err = enc.Transform([]byte("x"), make([]byte, 64))
	assert.Error(t, err)
	_, err = dec.Transform([]byte("x"), make([]byte, 64))
	assert.Error(t, err)
}

// If the decrypt context cannot be created after the encrypt context
// succeeded, the encrypt context must be released before NewPair fails.
func TestNewPairAtomic(t *testing.T) {
	var created *encryptContext
	origEnc, origDec := mkEncrypt, mkDecrypt
	defer func() { mkEncrypt, mkDecrypt = origEnc, origDec }()

	mkEncrypt = func(c shadowstream.Cipher) (*encryptContext, error) {
		ctx, err := newEncryptContext(c)
		created = ctx
		return ctx, err
	}
	mkDecrypt = func(c shadowstream.Cipher) (*decryptContext, error) {
		return nil, errors.New("injected failure")
	}

	engine, err := NewEngine("aes-256-cfb", "pw")
	require.NoError(t, err)

	enc, dec, err := engine.NewPair()
	assert.Error(t, err)
	assert.Nil(t, enc)
	assert.Nil(t, dec)
	require.NotNil(t, created)
	assert.True(t, created.released, "encrypt context leaked after pair failure")
}
