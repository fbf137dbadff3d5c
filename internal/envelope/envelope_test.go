package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Khawar13/Secure-chat/internal/session"
	"github.com/Khawar13/Secure-chat/pkg/wire"
)

func testKey(t *testing.T, offset byte) *session.Key {
	t.Helper()
	secret := make([]byte, 32)
	n1 := make([]byte, wire.NonceSize)
	n2 := make([]byte, wire.NonceSize)
	for i := range secret {
		secret[i] = byte(int(offset) + i)
	}
	for i := range n1 {
		n1[i] = byte(i + 1)
		n2[i] = byte(i + 101)
	}
	key, err := session.Derive(secret, n1, n2, "a1", "b1")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t, 1)
	for _, plaintext := range [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytes.Repeat([]byte{0xA5}, 4096),
	} {
		ciphertext, iv, authTag, err := Seal(key, plaintext)
		if err != nil {
			t.Fatalf("seal failed: %v", err)
		}
		if len(iv) != wire.IVSize {
			t.Fatalf("expected %d-byte iv, got %d", wire.IVSize, len(iv))
		}
		if len(authTag) != wire.TagSize {
			t.Fatalf("expected %d-byte tag, got %d", wire.TagSize, len(authTag))
		}
		if len(ciphertext) != len(plaintext) {
			t.Fatalf("detached-tag ciphertext must match plaintext length: %d != %d", len(ciphertext), len(plaintext))
		}
		plain, err := Open(key, ciphertext, iv, authTag)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		if !bytes.Equal(plain, plaintext) {
			t.Fatal("round trip must recover the plaintext")
		}
	}
}

func TestSealFreshIVPerCall(t *testing.T) {
	key := testKey(t, 1)
	_, iv1, _, err := Seal(key, []byte("m"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	_, iv2, _, err := Seal(key, []byte("m"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bytes.Equal(iv1, iv2) {
		t.Fatal("two seals must not share an iv")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	key := testKey(t, 1)
	ciphertext, iv, authTag, err := Seal(key, []byte("attack at dawn"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	flip := func(b []byte, i int) []byte {
		out := append([]byte(nil), b...)
		out[i] ^= 0x01
		return out
	}

	if _, err := Open(key, flip(ciphertext, 0), iv, authTag); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("flipped ciphertext: expected ErrAuthenticationFailed, got %v", err)
	}
	if _, err := Open(key, ciphertext, flip(iv, 0), authTag); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("flipped iv: expected ErrAuthenticationFailed, got %v", err)
	}
	if _, err := Open(key, ciphertext, iv, flip(authTag, 0)); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("flipped tag: expected ErrAuthenticationFailed, got %v", err)
	}
	if _, err := Open(testKey(t, 77), ciphertext, iv, authTag); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("wrong key: expected ErrAuthenticationFailed, got %v", err)
	}
	if _, err := Open(key, ciphertext, iv, authTag[:8]); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("truncated tag: expected ErrAuthenticationFailed, got %v", err)
	}
	if _, err := Open(key, ciphertext, iv[:4], authTag); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("truncated iv: expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestSealRejectsInvalidKey(t *testing.T) {
	if _, _, _, err := Seal(nil, []byte("m")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	short := &session.Key{ID: "a1:b1", Bytes: []byte{1, 2, 3}}
	if _, err := Open(short, nil, nil, nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestSealMessageEnvelope(t *testing.T) {
	key := testKey(t, 1)
	env, err := SealMessage(key, "a1", "b1", 7, []byte("hello"))
	if err != nil {
		t.Fatalf("seal message failed: %v", err)
	}
	if env.Type != wire.KindMessage || env.SenderID != "a1" || env.RecipientID != "b1" {
		t.Fatalf("unexpected envelope header: %+v", env)
	}
	if env.SequenceNumber != 7 {
		t.Fatalf("expected sequence 7, got %d", env.SequenceNumber)
	}
	if len(env.Nonce) != wire.NonceSize {
		t.Fatalf("expected %d-byte replay nonce, got %d", wire.NonceSize, len(env.Nonce))
	}
	if env.Timestamp <= 0 {
		t.Fatal("envelope must carry a timestamp")
	}

	plain, err := OpenMessage(key, env)
	if err != nil {
		t.Fatalf("open message failed: %v", err)
	}
	if string(plain) != "hello" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestSealFileEnvelope(t *testing.T) {
	key := testKey(t, 1)
	data := bytes.Repeat([]byte{0x42}, 1000)
	env, err := SealFile(key, "a1", "b1", 0, "report.pdf", data)
	if err != nil {
		t.Fatalf("seal file failed: %v", err)
	}
	if env.Type != wire.KindFile {
		t.Fatalf("unexpected type %q", env.Type)
	}
	if env.Filename != "report.pdf" || env.Size != int64(len(data)) {
		t.Fatalf("unexpected file metadata: %q %d", env.Filename, env.Size)
	}

	plain, err := OpenFile(key, env)
	if err != nil {
		t.Fatalf("open file failed: %v", err)
	}
	if !bytes.Equal(plain, data) {
		t.Fatal("file round trip must recover the contents")
	}

	env.EncryptedData[0] ^= 0xFF
	if _, err := OpenFile(key, env); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}
