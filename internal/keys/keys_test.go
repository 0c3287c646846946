package keys

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/mind-engage/gradebridge/internal/apperr"
)

func mustGenerate(t *testing.T) *SigningKey {
	t.Helper()
	k, err := Generate(2048)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return k
}

func TestLoad_PrivateJWKWithoutKidUsesThumbprint(t *testing.T) {
	k := mustGenerate(t)
	priv, err := jwk.FromRaw(k.Private)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(priv)

	got, err := Load(Source{JWK: string(raw)})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tp, _ := Thumbprint(got.PublicJWK())
	if got.KeyID != tp {
		t.Fatalf("kid = %q, want thumbprint %q", got.KeyID, tp)
	}
	if got.PublicJWK().KeyID() != got.KeyID {
		t.Fatalf("public jwk kid not set")
	}
}

func TestLoad_KeepsExplicitKid(t *testing.T) {
	k := mustGenerate(t)
	priv, _ := jwk.FromRaw(k.Private)
	_ = priv.Set(jwk.KeyIDKey, "tool-2024")
	raw, _ := json.Marshal(priv)

	got, err := Load(Source{JWK: string(raw)})
	if err != nil {
		t.Fatal(err)
	}
	if got.KeyID != "tool-2024" {
		t.Fatalf("kid = %q", got.KeyID)
	}
}

func TestLoad_Failures(t *testing.T) {
	k := mustGenerate(t)
	other := mustGenerate(t)
	priv, _ := jwk.FromRaw(k.Private)
	privJSON, _ := json.Marshal(priv)
	pubOther, _ := json.Marshal(other.PublicJWK())
	pubOnly, _ := json.Marshal(k.PublicJWK())

	cases := map[string]Source{
		"absent":          {},
		"malformed":       {JWK: "{not json"},
		"public only":     {JWK: string(pubOnly)},
		"missing file":    {PEMFile: "/does/not/exist.pem"},
		"public mismatch": {JWK: string(privJSON), PublicJWK: string(pubOther)},
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(src); !errors.Is(err, apperr.ErrConfiguration) {
				t.Fatalf("want ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestPublicSetJSON_HasNoPrivateMaterial(t *testing.T) {
	k := mustGenerate(t)
	b, err := k.PublicSetJSON()
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.Keys) != 1 {
		t.Fatalf("keys = %d", len(doc.Keys))
	}
	for _, f := range []string{"d", "p", "q", "dp", "dq", "qi"} {
		if _, ok := doc.Keys[0][f]; ok {
			t.Fatalf("public set leaks %q", f)
		}
	}
	if doc.Keys[0]["kid"] != k.KeyID || doc.Keys[0]["alg"] != "RS256" {
		t.Fatalf("unexpected key metadata: %v", doc.Keys[0])
	}
}

func TestRemoteKeySet_RefreshesOnUnknownKid(t *testing.T) {
	first := mustGenerate(t)
	rotated := mustGenerate(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		var body []byte
		if n == 1 {
			body, _ = first.PublicSetJSON()
		} else {
			body, _ = rotated.PublicSetJSON()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	set, err := NewRemoteKeySet(ctx, srv.URL, RemoteOptions{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := set.LookupKey(ctx, first.KeyID); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if _, err := set.LookupKey(ctx, rotated.KeyID); err != nil {
		t.Fatalf("rotated lookup: %v", err)
	}
	if _, err := set.LookupKey(ctx, "nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("want ErrKeyNotFound, got %v", err)
	}
}

func TestRemoteKeySet_ForcedRefreshIsThrottled(t *testing.T) {
	k := mustGenerate(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := k.PublicSetJSON()
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	set, err := NewRemoteKeySet(ctx, srv.URL, RemoteOptions{
		HTTPClient:            srv.Client(),
		ForcedRefreshInterval: 1 << 40,
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		_, _ = set.LookupKey(ctx, "unknown")
	}
	// initial fetch plus a single forced refresh
	if got := hits.Load(); got != 2 {
		t.Fatalf("upstream hits = %d, want 2", got)
	}
}
