package runtime_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Mindburn-Labs/cccs/pkg/adapters"
	"github.com/stretchr/testify/require"
)

// fakeKMS is an httptest signing service producing deterministic
// HMAC-SHA256 signatures, so verification round trips can be exercised
// against real receipt records.
type fakeKMS struct {
	server *httptest.Server
	client *adapters.SigningClient
}

func newFakeKMS(t *testing.T) *fakeKMS {
	t.Helper()
	key := []byte("kms-test-key")
	sign := func(digest string) string {
		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(digest))
		return hex.EncodeToString(mac.Sum(nil))
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		digest, _ := req["digest"].(string)

		switch r.URL.Path {
		case "/kms/v1/sign":
			json.NewEncoder(w).Encode(map[string]any{
				"signature": sign(digest),
				"key_id":    "key-1",
			})
		case "/kms/v1/verify":
			signature, _ := req["signature"].(string)
			json.NewEncoder(w).Encode(map[string]any{
				"valid": hmac.Equal([]byte(signature), []byte(sign(digest))),
			})
		default:
			http.NotFound(w, r)
		}
	}))

	return &fakeKMS{server: server, client: adapters.NewSigningClient(server.URL)}
}

func (k *fakeKMS) close() {
	k.client.Close()
	k.server.Close()
}
