// Package encrypt implements the shadowsocks stream-cipher engine: instance
// key material derived once from method + password, and per-connection
// encrypt/decrypt context pairs that exchange an IV in-band.
package encrypt

import (
	"crypto/md5"
	"errors"
	"fmt"
	"strings"

	"github.com/shadowsocks/go-shadowsocks2/shadowstream"

	"ssredir/internal/domain"
)

const maxCredentialLen = 255

var ErrCipherNotSupported = errors.New("cipher method not supported")

type cipherSpec struct {
	keyLen int
	new    func(key []byte) (shadowstream.Cipher, error)
}

var streamCiphers = map[string]cipherSpec{
	"aes-128-ctr":   {16, shadowstream.AESCTR},
	"aes-192-ctr":   {24, shadowstream.AESCTR},
	"aes-256-ctr":   {32, shadowstream.AESCTR},
	"aes-128-cfb":   {16, shadowstream.AESCFB},
	"aes-192-cfb":   {24, shadowstream.AESCFB},
	"aes-256-cfb":   {32, shadowstream.AESCFB},
	"chacha20-ietf": {32, shadowstream.Chacha20IETF},
	"xchacha20":     {32, shadowstream.Xchacha20},
}

// ValidateCredentials enforces the instance start-up rules: method and
// password both present and at most 255 bytes.
func ValidateCredentials(method, password string) error {
	if method == "" || password == "" {
		return fmt.Errorf("%w: method and password are required", domain.ErrBadCredentials)
	}
	if len(method) > maxCredentialLen {
		return fmt.Errorf("%w: method can't be more than %d chars", domain.ErrBadCredentials, maxCredentialLen)
	}
	if len(password) > maxCredentialLen {
		return fmt.Errorf("%w: password can't be more than %d chars", domain.ErrBadCredentials, maxCredentialLen)
	}
	return nil
}

// Engine holds an instance's derived key material. Immutable after NewEngine,
// so it is shared by reference across all connections.
type Engine struct {
	method string
	cipher shadowstream.Cipher
}

func NewEngine(method, password string) (*Engine, error) {
	if err := ValidateCredentials(method, password); err != nil {
		return nil, err
	}
	spec, ok := streamCiphers[strings.ToLower(method)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCipherNotSupported, method)
	}
	c, err := spec.new(evpBytesToKey(password, spec.keyLen))
	if err != nil {
		return nil, err
	}
	return &Engine{method: strings.ToLower(method), cipher: c}, nil
}

func (e *Engine) Method() string { return e.method }

// NewPair creates the per-connection context pair. The pair is atomic: if
// the decrypt side cannot be created after the encrypt side succeeded, the
// encrypt side is released before the error is returned, so the pump never
// observes a partial pair.
func (e *Engine) NewPair() (domain.CipherContext, domain.CipherContext, error) {
	enc, err := mkEncrypt(e.cipher)
	if err != nil {
		return nil, nil, err
	}
	dec, err := mkDecrypt(e.cipher)
	if err != nil {
		enc.Release()
		return nil, nil, err
	}
	return enc, dec, nil
}

var (
	mkEncrypt = newEncryptContext
	mkDecrypt = newDecryptContext
)

// ReleasePair releases both contexts of a pair, tolerating contexts that
// were never initialized. Individual contexts are idempotent on Release, so
// calling this twice never double-releases.
func ReleasePair(enc, dec domain.CipherContext) {
	if enc != nil {
		enc.Release()
	}
	if dec != nil {
		dec.Release()
	}
}

// evpBytesToKey is OpenSSL's EVP_BytesToKey with MD5 and no salt, the
// shadowsocks password-to-key derivation rule.
func evpBytesToKey(password string, keyLen int) []byte {
	var derived, prev []byte
	for len(derived) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(password))
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keyLen]
}
