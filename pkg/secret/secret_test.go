package secret

import (
	"strings"
	"testing"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c, err := New("master-key")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	plain := "test-key-material"
	enc, err := c.EncryptString(plain)
	if err != nil {
		t.Fatalf("encrypt error: %v", err)
	}
	if enc == plain || !strings.HasPrefix(enc, Prefix) {
		t.Fatalf("expected encrypted string with prefix, got %q", enc)
	}
	again, _ := c.EncryptString(plain)
	if again == enc {
		t.Fatalf("nonce must differ between encryptions")
	}
	dec, err := c.DecryptString(enc)
	if err != nil {
		t.Fatalf("decrypt error: %v", err)
	}
	if dec != plain {
		t.Fatalf("decrypt mismatch got %q", dec)
	}
	// 已加密的值不重复加密
	if twice, _ := c.EncryptString(enc); twice != enc {
		t.Fatalf("double encryption")
	}
}

func TestWrongKeyFails(t *testing.T) {
	a, _ := New("key-a")
	b, _ := New("key-b")
	enc, err := a.EncryptString("pw")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.DecryptString(enc); err == nil {
		t.Fatalf("expected auth failure with wrong key")
	}
}

func TestNilCipherPassthrough(t *testing.T) {
	c, err := New("")
	if err != nil || c != nil {
		t.Fatalf("empty master should give nil cipher, got %v %v", c, err)
	}
	if c.Enabled() {
		t.Fatalf("nil cipher reports enabled")
	}
	enc, err := c.EncryptString("plain")
	if err != nil || enc != "plain" {
		t.Fatalf("expected passthrough got %q %v", enc, err)
	}
	if dec, err := c.DecryptString("plain"); err != nil || dec != "plain" {
		t.Fatalf("expected passthrough decrypt got %q %v", dec, err)
	}
	if _, err := c.DecryptString(Prefix + "AAAA"); err != ErrNoKey {
		t.Fatalf("expected ErrNoKey got %v", err)
	}
}
