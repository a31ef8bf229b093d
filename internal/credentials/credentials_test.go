package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nferrors"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Credentials{Email: "u@x", Password: "p"}
	if err := store.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLoadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Load(); !errors.Is(err, nferrors.ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestPurge(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Save(Credentials{Email: "u@x", Password: "p"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Purge(); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := store.Load(); !errors.Is(err, nferrors.ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials after purge, got %v", err)
	}
	// Purging twice is fine.
	if err := store.Purge(); err != nil {
		t.Errorf("second purge: %v", err)
	}
}

func TestBlobUnreadableOnOtherInstallation(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Save(Credentials{Email: "u@x", Password: "p"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Simulate a copied blob with a fresh device secret.
	if err := os.Remove(filepath.Join(dir, secretFile)); err != nil {
		t.Fatalf("remove secret: %v", err)
	}
	other, err := NewStore(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := other.Load(); !errors.Is(err, nferrors.ErrMissingCredentials) {
		t.Errorf("blob readable with wrong key: %v", err)
	}
}
