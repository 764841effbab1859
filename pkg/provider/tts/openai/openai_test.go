package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/apierr"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		apiKey  string
		opts    []Option
		wantErr bool
	}{
		{"missing key", "", nil, true},
		{"defaults", "sk-test", nil, false},
		{"speed too slow", "sk-test", []Option{WithSpeed(0.1)}, true},
		{"speed too fast", "sk-test", []Option{WithSpeed(5)}, true},
		{"speed ok", "sk-test", []Option{WithSpeed(1.25)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.apiKey, "", tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSynthesize_AgainstServer(t *testing.T) {
	t.Parallel()

	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-fake-mp3"))
	}))
	defer srv.Close()

	p, _ := New("sk-test", "", WithBaseURL(srv.URL), WithVoice("nova"))
	audio, err := p.Synthesize(context.Background(), "Your order has shipped.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "ID3-fake-mp3" {
		t.Errorf("audio = %q", audio)
	}

	body := <-bodies
	want := map[string]string{"model": "tts-1", "voice": "nova", "response_format": "mp3", "input": "Your order has shipped."}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %q", k, body[k], v)
		}
	}
	if _, ok := body["speed"]; ok {
		t.Error("speed should be omitted when unset")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	p, _ := New("sk-test", "")
	if _, err := p.Synthesize(context.Background(), "  "); err == nil {
		t.Error("expected error for blank text")
	}
}

func TestSynthesize_StatusIsClassified(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "invalid voice"}}`))
	}))
	defer srv.Close()

	p, _ := New("sk-test", "", WithBaseURL(srv.URL))
	_, err := p.Synthesize(context.Background(), "hi")
	var se *apierr.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest || !se.Permanent() {
		t.Errorf("err = %v, want permanent 400", err)
	}
}
