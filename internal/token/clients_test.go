package token

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "AgentForge/internal/errors"
)

func TestMetadataUploadSendsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		if header.Filename != "token-image.png" || len(data) != len(pngBytes) {
			t.Errorf("unexpected file %q (%d bytes)", header.Filename, len(data))
		}
		if r.FormValue("name") != "Forge Token" || r.FormValue("symbol") != "FRG" || r.FormValue("showName") != "true" {
			t.Errorf("unexpected fields: %v", r.MultipartForm.Value)
		}
		if r.FormValue("website") != "https://example.com" {
			t.Errorf("optional website missing")
		}
		if _, ok := r.MultipartForm.Value["twitter"]; ok {
			t.Errorf("empty optional fields must be omitted")
		}
		_, _ = w.Write([]byte(`{"metadata":{"name":"Forge Token","symbol":"FRG"},"metadataUri":"https://ipfs.io/ipfs/Qm1"}`))
	}))
	defer srv.Close()

	client := NewMetadataClient(MetadataConfig{Endpoint: srv.URL})
	img, err := DecodeImage(pngDataURL())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	meta, err := client.Upload(context.Background(), validRequest(), img)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if meta.URI != "https://ipfs.io/ipfs/Qm1" || meta.Name != "Forge Token" || meta.Symbol != "FRG" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestTradingClientCreateToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api-key") != "secret-key" {
			t.Errorf("missing api key")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		meta, _ := body["tokenMetadata"].(map[string]any)
		if body["action"] != "create" || body["denominatedInSol"] != "true" || body["pool"] != "pump" ||
			body["slippage"] != float64(10) || body["priorityFee"] != 0.0005 || body["amount"] != float64(1) ||
			body["mint"] != "mint-secret" || meta["uri"] != "ipfs://meta" {
			t.Errorf("unexpected trade body: %v", body)
		}
		_, _ = w.Write([]byte(`{"signature":"5xSig"}`))
	}))
	defer srv.Close()

	client, err := NewTradingClient(TradingConfig{Endpoint: srv.URL, APIKey: "secret-key"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sig, err := client.CreateToken(context.Background(), CreateOrder{
		Metadata:   Metadata{Name: "Forge Token", Symbol: "FRG", URI: "ipfs://meta"},
		MintSecret: "mint-secret",
		Amount:     1,
	})
	if err != nil || sig != "5xSig" {
		t.Fatalf("unexpected result %q: %v", sig, err)
	}
}

func TestTradingClientErrors(t *testing.T) {
	if _, err := NewTradingClient(TradingConfig{}); !xerrors.Is(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("missing api key should fail: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "node overloaded", http.StatusBadGateway)
	}))
	client, _ := NewTradingClient(TradingConfig{Endpoint: srv.URL, APIKey: "secret-key"})
	_, err := client.CreateToken(context.Background(), CreateOrder{MintSecret: "m", Amount: 1})
	if !xerrors.RetryableError(err) || !strings.Contains(err.Error(), "node overloaded") {
		t.Fatalf("expected retryable upstream error, got %v", err)
	}
	srv.Close()

	_, err = client.CreateToken(context.Background(), CreateOrder{MintSecret: "m", Amount: 1})
	if err == nil || strings.Contains(err.Error(), "secret-key") {
		t.Fatalf("network errors must not leak the api key: %v", err)
	}
}
