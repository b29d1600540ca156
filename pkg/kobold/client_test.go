package kobold

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, DefaultTimeouts())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client, server
}

func TestNewClient_EmptyEndpoint(t *testing.T) {
	if _, err := NewClient("   ", DefaultTimeouts()); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestNewClient_TrimsTrailingSlash(t *testing.T) {
	client, err := NewClient("http://localhost:5001/", DefaultTimeouts())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Endpoint() != "http://localhost:5001" {
		t.Fatalf("Endpoint() = %q", client.Endpoint())
	}
}

func TestGenerate_RoundTrip(t *testing.T) {
	var gotPath string
	var gotReq GenerateRequest

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"results": [{"text": " Good evening."}]}`))
	})

	req := GenerateRequest{
		SamplerSettings: DefaultSamplerSettings(),
		Memory:          "[Character: Kobo]",
		Prompt:          "Alice: hello\nKobo:",
		MaxLength:       200,
		StopSequence:    []string{"\n###", "Alice:"},
	}
	text, err := client.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != " Good evening." {
		t.Fatalf("Generate = %q", text)
	}
	if gotPath != "/api/v1/generate" {
		t.Fatalf("request path = %q", gotPath)
	}
	if gotReq.Prompt != req.Prompt || gotReq.MaxLength != 200 {
		t.Fatalf("request payload mismatch: %+v", gotReq)
	}
	if gotReq.GenKey != "KCPP8888" || !gotReq.Quiet || !gotReq.TrimStop {
		t.Fatalf("sampler settings not carried: %+v", gotReq.SamplerSettings)
	}
}

func TestGenerate_MissingResults(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": []}`))
	})

	if _, err := client.Generate(context.Background(), GenerateRequest{}); err == nil {
		t.Fatal("expected error for empty results")
	}
}

func TestGenerate_BackendError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	})

	_, err := client.Generate(context.Background(), GenerateRequest{})
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("error should name the status code: %v", err)
	}
}

func TestGenerateImage_DecodesBase64(t *testing.T) {
	raw := []byte{0x89, 0x50, 0x4e, 0x47}
	var gotReq ImageRequest

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdapi/v1/txt2img" {
			t.Errorf("request path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"images": []string{base64.StdEncoding.EncodeToString(raw)},
		})
	})

	img, err := client.GenerateImage(context.Background(), ImageRequest{
		Prompt: "a lighthouse", Width: 384, Height: 384,
		NegativePrompt: "low quality", Steps: 20, CfgScale: 7.0,
	})
	if err != nil {
		t.Fatalf("GenerateImage failed: %v", err)
	}
	if string(img) != string(raw) {
		t.Fatalf("decoded image mismatch: %v", img)
	}
	if gotReq.Width != 384 || gotReq.Steps != 20 {
		t.Fatalf("request payload mismatch: %+v", gotReq)
	}
}

func TestGenerateImage_InvalidBase64(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"images": ["not-base64!!!"]}`))
	})

	if _, err := client.GenerateImage(context.Background(), ImageRequest{}); err == nil {
		t.Fatal("expected error for invalid base64 payload")
	}
}

func TestWebSearch_RoundTrip(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/extra/websearch" {
			t.Errorf("request path = %q", r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if payload["q"] != "lighthouses" {
			t.Errorf("query = %q", payload["q"])
		}
		w.Write([]byte(`[{"title": "Lighthouse", "desc": "A tower with a light.", "url": "https://example.com"}]`))
	})

	results, err := client.WebSearch(context.Background(), "lighthouses")
	if err != nil {
		t.Fatalf("WebSearch failed: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Lighthouse" || results[0].URL != "https://example.com" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestTranscribe_TrimsWhitespace(t *testing.T) {
	var gotReq TranscribeRequest

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/extra/transcribe" {
			t.Errorf("request path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"text": "  hello there \n"}`))
	})

	text, err := client.Transcribe(context.Background(), TranscribeRequest{
		AudioData: "UklGRg==", LangCode: "en", SuppressNonSpeech: true,
	})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("Transcribe = %q", text)
	}
	if gotReq.LangCode != "en" || !gotReq.SuppressNonSpeech {
		t.Fatalf("request payload mismatch: %+v", gotReq)
	}
}

func TestSynthesize_ReturnsRawBody(t *testing.T) {
	audio := []byte("RIFF....WAVE")

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/extra/tts" {
			t.Errorf("request path = %q", r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if payload["input"] != "good evening" || payload["voice"] != "kobo" {
			t.Errorf("payload = %v", payload)
		}
		w.Write(audio)
	})

	got, err := client.Synthesize(context.Background(), "good evening", "kobo")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if string(got) != string(audio) {
		t.Fatalf("audio mismatch: %q", got)
	}
}
