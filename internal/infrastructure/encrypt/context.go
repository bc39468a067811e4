package encrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"github.com/shadowsocks/go-shadowsocks2/shadowstream"
)

var errReleased = errors.New("cipher context released")

// encryptContext generates its IV eagerly and emits it ahead of the first
// ciphertext block, so the first transform's output is IV-size larger than
// its input.
type encryptContext struct {
	stream   cipher.Stream
	iv       []byte // pending until the first transform
	released bool
}

func newEncryptContext(c shadowstream.Cipher) (*encryptContext, error) {
	iv := make([]byte, c.IVSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	return &encryptContext{stream: c.Encrypter(iv), iv: iv}, nil
}

func (c *encryptContext) WorstCaseSize(n int) int {
	return n + len(c.iv)
}

func (c *encryptContext) Transform(src, dst []byte) (int, error) {
	if c.released {
		return 0, errReleased
	}
	n := 0
	if c.iv != nil {
		n = copy(dst, c.iv)
		c.iv = nil
	}
	if len(dst)-n < len(src) {
		return 0, errors.New("output buffer too small")
	}
	c.stream.XORKeyStream(dst[n:n+len(src)], src)
	return n + len(src), nil
}

func (c *encryptContext) Release() {
	if c.released {
		return
	}
	c.released = true
	for i := range c.iv {
		c.iv[i] = 0
	}
	c.iv = nil
	c.stream = nil
}

// decryptContext absorbs the peer's IV from the head of the stream before
// producing any plaintext. The IV itself may arrive fragmented across
// transforms; those calls legitimately produce zero output.
type decryptContext struct {
	cipher   shadowstream.Cipher
	stream   cipher.Stream
	iv       []byte
	released bool
}

func newDecryptContext(c shadowstream.Cipher) (*decryptContext, error) {
	return &decryptContext{cipher: c, iv: make([]byte, 0, c.IVSize())}, nil
}

func (c *decryptContext) WorstCaseSize(n int) int {
	// IV bytes are consumed, never produced, so output never exceeds input.
	return n
}

func (c *decryptContext) Transform(src, dst []byte) (int, error) {
	if c.released {
		return 0, errReleased
	}
	if c.stream == nil {
		need := c.cipher.IVSize() - len(c.iv)
		take := min(need, len(src))
		c.iv = append(c.iv, src[:take]...)
		src = src[take:]
		if len(c.iv) < c.cipher.IVSize() {
			return 0, nil
		}
		c.stream = c.cipher.Decrypter(c.iv)
	}
	if len(dst) < len(src) {
		return 0, errors.New("output buffer too small")
	}
	c.stream.XORKeyStream(dst[:len(src)], src)
	return len(src), nil
}

func (c *decryptContext) Release() {
	if c.released {
		return
	}
	c.released = true
	for i := range c.iv {
		c.iv[i] = 0
	}
	c.iv = nil
	c.stream = nil
	c.cipher = nil
}
