package params

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStore_GetSet(t *testing.T) {
	t.Parallel()
	var s Store
	if got := s.Get("lang", "en"); got != "en" {
		t.Errorf("Get on empty store = %q, want default", got)
	}
	s.Set("lang", "de")
	if got := s.Get("lang", "en"); got != "de" {
		t.Errorf("Get = %q, want de", got)
	}
	s.Set("lang", "")
	if _, ok := s.Lookup("lang"); ok {
		t.Error("empty Set did not delete key")
	}
}

func TestStore_TypedGetters(t *testing.T) {
	t.Parallel()
	s := New(map[string]string{
		"rate":    "16000",
		"vad":     "true",
		"silence": "800ms",
		"broken":  "x",
	})
	if got := s.Int("rate", 8000); got != 16000 {
		t.Errorf("Int(rate) = %d, want 16000", got)
	}
	if got := s.Int("broken", 1); got != 1 {
		t.Errorf("Int(broken) = %d, want default 1", got)
	}
	if got := s.Bool("vad", false); !got {
		t.Error("Bool(vad) = false")
	}
	if got := s.Bool("broken", true); !got {
		t.Error("Bool(broken) did not fall back to default")
	}
	if got := s.Duration("silence", 0); got != 800*time.Millisecond {
		t.Errorf("Duration(silence) = %v, want 800ms", got)
	}
	if got := s.Duration("missing", time.Second); got != time.Second {
		t.Errorf("Duration(missing) = %v, want 1s", got)
	}
}

func TestStore_SnapshotIsolation(t *testing.T) {
	t.Parallel()
	s := New(map[string]string{"a": "1"})
	snap := s.Snapshot()
	snap["a"] = "2"
	if got := s.Get("a", ""); got != "1" {
		t.Errorf("store mutated through snapshot: a = %q", got)
	}
}

func TestStore_Merge(t *testing.T) {
	t.Parallel()
	s := New(map[string]string{"lang": "en", "vad": "on"})
	got := s.Merge(map[string]string{"lang": "fr", "vad": "", "codec": "pcm"})
	if got["lang"] != "fr" || got["codec"] != "pcm" {
		t.Errorf("Merge = %v", got)
	}
	if _, ok := got["vad"]; ok {
		t.Error("empty override did not remove vad")
	}
	if s.Get("lang", "") != "en" {
		t.Error("Merge mutated the store")
	}
}

func TestStore_LoadYAML(t *testing.T) {
	t.Parallel()
	s := New(map[string]string{"old": "x"})
	err := s.LoadYAML(strings.NewReader("lang: de\nsample_rate: 16000\nvad: true\n"))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
	if s.Int("sample_rate", 0) != 16000 || !s.Bool("vad", false) || s.Get("lang", "") != "de" {
		t.Errorf("snapshot = %v", s.Snapshot())
	}
	if _, ok := s.Lookup("old"); ok {
		t.Error("LoadYAML kept a key not in the document")
	}

	if err := s.LoadYAML(strings.NewReader("nested:\n  a: 1\n")); err == nil {
		t.Error("LoadYAML accepted a nested mapping")
	}
	if err := s.LoadYAML(strings.NewReader("")); err != nil {
		t.Errorf("LoadYAML(empty): %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() after empty load = %d, want 0", s.Len())
	}
}

func TestStore_Concurrent(t *testing.T) {
	t.Parallel()
	var s Store
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 100 {
				s.Set("k", "v")
				s.Replace(map[string]string{"i": string(rune('a' + i))})
			}
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				_ = s.Get("k", "")
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()
}
