package envelope

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"
)

var testKey *rsa.PrivateKey

func init() {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	testKey = k
}

func TestNew(t *testing.T) {
	env, err := New(&testKey.PublicKey)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if len(env.Key) != KeySize {
		t.Errorf("len(Key) = %d, want %d", len(env.Key), KeySize)
	}
	if len(env.IV) != IVSize {
		t.Errorf("len(IV) = %d, want %d", len(env.IV), IVSize)
	}

	key, err := UnwrapKey(testKey, env.WrappedKey)
	if err != nil {
		t.Fatalf("UnwrapKey() error = %v", err)
	}
	if !bytes.Equal(key, env.Key) {
		t.Error("unwrapped key does not match envelope key")
	}

	info := env.Info()
	iv, err := base64.StdEncoding.DecodeString(info.InitializationVector)
	if err != nil || !bytes.Equal(iv, env.IV) {
		t.Errorf("Info().InitializationVector does not decode to IV")
	}
}

func TestNew_NoPublicKey(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrNoPublicKey) {
		t.Errorf("New(nil) error = %v, want ErrNoPublicKey", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	env, err := New(&testKey.PublicKey)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"Empty", []byte{}},
		{"Short", []byte("faktura")},
		{"Exact block", bytes.Repeat([]byte("x"), 16)},
		{"Multi block", bytes.Repeat([]byte("abc"), 1000)},
		{"Binary", []byte{0x00, 0x10, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := env.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if len(ct)%IVSize != 0 || len(ct) <= len(tt.plaintext) {
				t.Errorf("ciphertext length = %d for plaintext length %d", len(ct), len(tt.plaintext))
			}

			pt, err := Decrypt(ct, env.Key, env.IV)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(pt, tt.plaintext) {
				t.Errorf("Decrypt() = %x, want %x", pt, tt.plaintext)
			}
		})
	}
}

func TestEncrypt_Deterministic(t *testing.T) {
	env, err := New(&testKey.PublicKey)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	plaintext := bytes.Repeat([]byte("invoice"), 100)
	a, _ := env.Encrypt(plaintext)
	b, _ := env.Encrypt(plaintext)
	if !bytes.Equal(a, b) {
		t.Error("Encrypt() is not deterministic for the same envelope")
	}
	if Digest(a) != Digest(b) {
		t.Error("Digest() differs for identical ciphertext")
	}
}

func TestDecrypt_Errors(t *testing.T) {
	env, err := New(&testKey.PublicKey)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ct, _ := env.Encrypt([]byte("payload"))

	other, _ := New(&testKey.PublicKey)

	tests := []struct {
		name       string
		ciphertext []byte
		key, iv    []byte
		want       error
	}{
		{"Empty", nil, env.Key, env.IV, ErrInvalidCiphertext},
		{"Not block aligned", ct[:len(ct)-1], env.Key, env.IV, ErrInvalidCiphertext},
		{"Short key", ct, env.Key[:16], env.IV, ErrInvalidKeySize},
		{"Short iv", ct, env.Key, env.IV[:8], ErrInvalidIVSize},
		{"Wrong key", ct, other.Key, env.IV, ErrInvalidPadding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.ciphertext, tt.key, tt.iv)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnpad(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		want    []byte
		wantErr bool
	}{
		{"Full block of padding", bytes.Repeat([]byte{16}, 16), []byte{}, false},
		{"One byte", append(bytes.Repeat([]byte{'a'}, 15), 1), bytes.Repeat([]byte{'a'}, 15), false},
		{"Zero pad byte", append(bytes.Repeat([]byte{'a'}, 15), 0), nil, true},
		{"Pad too large", append(bytes.Repeat([]byte{'a'}, 15), 17), nil, true},
		{"Inconsistent", append(bytes.Repeat([]byte{'a'}, 14), 3, 2), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := unpad(tt.in, 16)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unpad() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Errorf("unpad() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDigestVerify(t *testing.T) {
	data := []byte("hello")
	md := Digest(data)

	if md.SizeBytes != 5 {
		t.Errorf("SizeBytes = %d, want 5", md.SizeBytes)
	}
	// sha256("hello")
	if md.SHA256Base64 != "LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ=" {
		t.Errorf("SHA256Base64 = %s", md.SHA256Base64)
	}
	if err := Verify(data, md); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if err := Verify([]byte("hellO"), md); !errors.Is(err, ErrMetadataMismatch) {
		t.Errorf("Verify(tampered) error = %v, want ErrMetadataMismatch", err)
	}
	if err := Verify([]byte("hell"), md); !errors.Is(err, ErrMetadataMismatch) {
		t.Errorf("Verify(truncated) error = %v, want ErrMetadataMismatch", err)
	}
}

func TestParsePublicKey(t *testing.T) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &testKey.PublicKey, testKey)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	pkixDER, err := x509.MarshalPKIXPublicKey(&testKey.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"PEM certificate", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})},
		{"PEM public key", pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkixDER})},
		{"Base64 DER certificate", []byte(base64.StdEncoding.EncodeToString(certDER))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, err := ParsePublicKey(tt.data)
			if err != nil {
				t.Fatalf("ParsePublicKey() error = %v", err)
			}
			if !pub.Equal(&testKey.PublicKey) {
				t.Error("ParsePublicKey() returned a different key")
			}
		})
	}

	if _, err := ParsePublicKey([]byte("not a key")); err == nil {
		t.Error("ParsePublicKey(garbage) should return error")
	}
}
