package ollama

import "testing"

func TestNewEmbedderDefaults(t *testing.T) {
	e, err := NewEmbedder("localhost:11434", "")
	if err != nil {
		t.Fatalf("NewEmbedder: %v", err)
	}
	embedder, ok := e.(*Embedder)
	if !ok {
		t.Fatalf("unexpected embedder type %T", e)
	}
	if embedder.model != DefaultModel {
		t.Errorf("model = %q, want %q", embedder.model, DefaultModel)
	}
}

func TestNewEmbedderInvalidHost(t *testing.T) {
	if _, err := NewEmbedder("http://bad host", ""); err == nil {
		t.Error("expected error for unparseable host")
	}
}

func TestParseHostAddsScheme(t *testing.T) {
	u, err := parseHost("localhost:11434")
	if err != nil {
		t.Fatal(err)
	}
	if u.Scheme != "http" || u.Host != "localhost:11434" {
		t.Errorf("parsed = %s://%s", u.Scheme, u.Host)
	}
}
