package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Prefix 标识已加密字段。
const Prefix = "enc:"

const hkdfInfo = "fleet-orchestrator credential v1"

// ErrNoKey 遇到密文但未配置主密钥
var ErrNoKey = errors.New("encrypted value cannot be decrypted: no secret key configured")

// Cipher 用主密钥派生的 XChaCha20-Poly1305 加解密凭据。
// nil Cipher 表示未配置密钥：加密直通，解密仅接受明文。
type Cipher struct {
	aead cipher.AEAD
}

// New 由主密钥派生加密密钥；master 为空返回 nil（直通模式）
func New(master string) (*Cipher, error) {
	if master == "" {
		return nil, nil
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(master), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Enabled 是否真正加密
func (c *Cipher) Enabled() bool { return c != nil }

// EncryptString 加密；已带前缀的值原样返回
func (c *Cipher) EncryptString(s string) (string, error) {
	if s == "" || c == nil || strings.HasPrefix(s, Prefix) {
		return s, nil
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(s)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := c.aead.Seal(nonce, nonce, []byte(s), nil)
	return Prefix + base64.StdEncoding.EncodeToString(out), nil
}

// DecryptString 解密；若不是加密格式则原样返回以兼容旧数据。
func (c *Cipher) DecryptString(s string) (string, error) {
	if s == "" || !strings.HasPrefix(s, Prefix) {
		return s, nil
	}
	if c == nil {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, Prefix))
	if err != nil {
		return "", err
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", errors.New("ciphertext too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}
