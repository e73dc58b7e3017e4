package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFSStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	if err := s.Put(ctx, "assets/a1/raw.wav", []byte("audio-bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "assets/a1/raw.wav")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "audio-bytes" {
		t.Errorf("Get = %q, want %q", got, "audio-bytes")
	}

	ok, err := s.Exists(ctx, "assets/a1/raw.wav")
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v, want true", ok, err)
	}
	ok, _ = s.Exists(ctx, "assets/zzz")
	if ok {
		t.Error("Exists reported a missing key")
	}

	if err := s.Delete(ctx, "assets/a1/raw.wav"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "assets/a1/raw.wav"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}
}

func TestFSStore_List(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	for _, key := range []string{"previews/h1.mp3", "previews/h2.mp3", "assets/a1/raw.wav"} {
		if err := s.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	keys, err := s.List(ctx, "previews/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("List(previews/) = %v, want 2 keys", keys)
	}
}

func TestFSStore_KeyEscapeBlocked(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	// Path traversal collapses inside the root instead of escaping it.
	if err := s.Put(ctx, "../../etc/passwd-like", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	keys, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, k := range keys {
		if len(k) > 1 && k[:2] == ".." {
			t.Errorf("key escaped the root: %q", k)
		}
	}
}

func TestFSStore_SignedURL(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	if _, err := s.SignedURL(ctx, "missing", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("SignedURL on missing key: err = %v, want ErrNotFound", err)
	}

	if err := s.Put(ctx, "renders/r1.mp4", []byte("video")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	u, err := s.SignedURL(ctx, "renders/r1.mp4", time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if u == "" || u[:7] != "file://" {
		t.Errorf("SignedURL = %q, want file:// URL", u)
	}
}
