package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_MissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "settings.yaml"))
	if err != nil {
		t.Fatalf("Expected missing file to be an empty store, got %v", err)
	}
	if _, ok := s.Get(KeySpeechLanguage); ok {
		t.Error("Expected no value in an empty store")
	}
	if got := s.Lookup(KeySpeechLanguage, "en-US"); got != "en-US" {
		t.Errorf("Expected default 'en-US', got '%s'", got)
	}
}

func TestSet_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Set(KeyCaptionPosition, "top"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set(KeyTranslationTarget, "es"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if v, _ := reopened.Get(KeyCaptionPosition); v != "top" {
		t.Errorf("Expected 'top', got '%s'", v)
	}
	if v, _ := reopened.Get(KeyTranslationTarget); v != "es" {
		t.Errorf("Expected 'es', got '%s'", v)
	}
}

func TestSet_EmptyRemoves(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "settings.yaml"))
	s.Set(KeyTranslationTarget, "fr")
	s.Set(KeyTranslationTarget, "")

	if _, ok := s.Get(KeyTranslationTarget); ok {
		t.Error("Expected empty value to remove the key")
	}
	if len(s.Keys()) != 0 {
		t.Errorf("Expected no keys, got %v", s.Keys())
	}
}

func TestOpen_ExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := "speechLanguage: de-DE\nbackend: batch\nassemblyApiKey: key-123\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	want := map[string]string{
		KeySpeechLanguage: "de-DE",
		KeyBackend:        "batch",
		KeyAssemblyAPIKey: "key-123",
	}
	for k, v := range want {
		if got, _ := s.Get(k); got != v {
			t.Errorf("%s: expected '%s', got '%s'", k, v, got)
		}
	}
}

func TestOpen_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	os.WriteFile(path, []byte("- just\n- a list\n"), 0o600)

	if _, err := Open(path); err == nil {
		t.Error("Expected an error for a malformed file")
	}
}
