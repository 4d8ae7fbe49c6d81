package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func privateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func newTestCrypto(t *testing.T) *CryptoService {
	t.Helper()
	svc := NewCryptoService(nil)
	svc.SetPublicKey(&privateKey(t).PublicKey)
	return svc
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func fastRetry() RetryPolicy {
	p := DefaultRetryPolicy()
	p.Sleep = noSleep
	return p
}

func fastPoll(attempts int) PollOptions {
	return PollOptions{Interval: time.Millisecond, MaxAttempts: attempts, Sleep: noSleep}
}

// unwrapInfo recovers the key material a remote peer would derive from info.
func unwrapInfo(t *testing.T, info envelope.Info) (key, iv []byte) {
	t.Helper()
	key, err := envelope.UnwrapKey(privateKey(t), info.EncryptedSymmetricKey)
	if err != nil {
		t.Fatalf("UnwrapKey() error = %v", err)
	}
	iv, err = base64.StdEncoding.DecodeString(info.InitializationVector)
	if err != nil {
		t.Fatalf("decode iv: %v", err)
	}
	return key, iv
}
