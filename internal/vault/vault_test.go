package vault

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pd-anonymizer/internal/detect"
	"pd-anonymizer/internal/pseudonym"
)

func sampleMap() *pseudonym.Map {
	m := pseudonym.NewMap()
	m.Put(pseudonym.Key{EntityType: detect.EntityPerson, Original: "Alice Smith"}, "Person A")
	m.Put(pseudonym.Key{EntityType: detect.EntityEmail, Original: "bob|||@example.com"}, "Email A")
	m.Put(pseudonym.Key{EntityType: detect.EntityOrganization, Original: "Acme, \"Corp\"\n"}, "Company A")
	return m
}

func mustKey(t *testing.T) []byte {
	t.Helper()
	k, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

// stores returns one fresh instance of every backend.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	bolt, err := NewBoltStore(filepath.Join(dir, "vault.db"), nil)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	file, err := NewFileStore(filepath.Join(dir, "sessions"), nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	out := map[string]Store{
		BackendMemory: NewMemoryStore(),
		BackendBolt:   bolt,
		BackendFile:   file,
	}
	t.Cleanup(func() {
		for _, s := range out {
			s.Close() //nolint:errcheck // test cleanup
		}
	})
	return out
}

func TestCodec_PreservesOrderAndAwkwardValues(t *testing.T) {
	m := sampleMap()
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(m.Entries(), got.Entries()); diff != "" {
		t.Errorf("codec mismatch (-want +got):\n%s", diff)
	}
}

func TestCodec_PreservesInvalidUTF8(t *testing.T) {
	m := pseudonym.NewMap()
	m.Put(pseudonym.Key{EntityType: detect.EntityURL, Original: "http://a.com/\xff\xfez"}, "URL A")
	m.Put(pseudonym.Key{EntityType: detect.EntityPerson, Original: "Jos\xe9"}, "Person A")

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(m.Entries(), got.Entries()); diff != "" {
		t.Errorf("codec mismatch (-want +got):\n%s", diff)
	}
}

func TestCodec_RejectsUnknownVersion(t *testing.T) {
	if _, err := Decode([]byte(`{"version":7,"entries":[]}`)); !errors.Is(err, ErrDecryption) {
		t.Errorf("got %v, want ErrDecryption", err)
	}
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrDecryption) {
		t.Errorf("got %v, want ErrDecryption", err)
	}
}

func TestKeyEncoding(t *testing.T) {
	k := mustKey(t)
	if len(k) != KeySize {
		t.Fatalf("key length %d, want %d", len(k), KeySize)
	}
	enc := EncodeKey(k)
	if strings.ContainsAny(enc, "+/") {
		t.Errorf("encoded key %q is not URL-safe", enc)
	}
	dec, err := DecodeKey(enc)
	if err != nil {
		t.Fatalf("DecodeKey: %v", err)
	}
	if !bytes.Equal(k, dec) {
		t.Error("decoded key differs")
	}

	for _, bad := range []string{"", "!!!", EncodeKey([]byte("short"))} {
		if _, err := DecodeKey(bad); !errors.Is(err, ErrDecryption) {
			t.Errorf("DecodeKey(%q): got %v, want ErrDecryption", bad, err)
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerateKey_FailingRandom(t *testing.T) {
	orig := randReader
	randReader = failingReader{}
	t.Cleanup(func() { randReader = orig })

	if _, err := GenerateKey(); !errors.Is(err, ErrKeyGeneration) {
		t.Errorf("got %v, want ErrKeyGeneration", err)
	}
}

func TestVault_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			v := New(store)
			id := NewSessionID()
			key := mustKey(t)
			enc := EncodeKey(key)

			if err := v.Store(ctx, id, sampleMap(), key); err != nil {
				t.Fatalf("Store: %v", err)
			}
			if !bytes.Equal(key, make([]byte, KeySize)) {
				t.Error("key buffer not zeroed after Store")
			}

			loadKey, _ := DecodeKey(enc)
			got, err := v.Load(ctx, id, loadKey)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(sampleMap().Entries(), got.Entries()); diff != "" {
				t.Errorf("loaded map mismatch (-want +got):\n%s", diff)
			}
			if !bytes.Equal(loadKey, make([]byte, KeySize)) {
				t.Error("key buffer not zeroed after Load")
			}
		})
	}
}

func TestVault_Failures(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			v := New(store)
			id := NewSessionID()
			key := mustKey(t)
			enc := EncodeKey(key)
			if err := v.Store(ctx, id, sampleMap(), key); err != nil {
				t.Fatalf("Store: %v", err)
			}

			if _, err := v.Load(ctx, NewSessionID(), mustKey(t)); !errors.Is(err, ErrMissingSession) {
				t.Errorf("unknown session: got %v, want ErrMissingSession", err)
			}
			if _, err := v.Load(ctx, id, mustKey(t)); !errors.Is(err, ErrDecryption) {
				t.Errorf("wrong key: got %v, want ErrDecryption", err)
			}

			// A valid record moved under another ID must not open.
			sealed, err := store.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			other := NewSessionID()
			if err := store.Put(ctx, other, sealed); err != nil {
				t.Fatalf("Put: %v", err)
			}
			k, _ := DecodeKey(enc)
			if _, err := v.Load(ctx, other, k); !errors.Is(err, ErrDecryption) {
				t.Errorf("swapped record: got %v, want ErrDecryption", err)
			}

			// Flip one ciphertext byte.
			sealed[len(sealed)-1] ^= 0x01
			if err := store.Put(ctx, id, sealed); err != nil {
				t.Fatalf("Put: %v", err)
			}
			k, _ = DecodeKey(enc)
			if _, err := v.Load(ctx, id, k); !errors.Is(err, ErrDecryption) {
				t.Errorf("tampered record: got %v, want ErrDecryption", err)
			}

			if err := store.Put(ctx, id, []byte("tiny")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			k, _ = DecodeKey(enc)
			if _, err := v.Load(ctx, id, k); !errors.Is(err, ErrDecryption) {
				t.Errorf("truncated record: got %v, want ErrDecryption", err)
			}
		})
	}
}

func TestVault_Delete(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			v := New(store)
			id := NewSessionID()
			if err := v.Store(ctx, id, sampleMap(), mustKey(t)); err != nil {
				t.Fatalf("Store: %v", err)
			}
			if err := v.Delete(ctx, id); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := v.Delete(ctx, id); err != nil {
				t.Errorf("second Delete: %v", err)
			}
			if _, err := store.Get(ctx, id); !errors.Is(err, ErrMissingSession) {
				t.Errorf("got %v, want ErrMissingSession", err)
			}
		})
	}
}

func TestStore_RejectsTraversalIDs(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		for _, id := range []string{"", "../escape", "a/b", strings.Repeat("x", 200)} {
			if err := store.Put(ctx, id, []byte("x")); !errors.Is(err, ErrInvalidSessionID) {
				t.Errorf("%s Put(%q): got %v, want ErrInvalidSessionID", name, id, err)
			}
		}
	}
}

func TestStore_ConcurrentDistinctSessions(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			v := New(store)
			const n = 16
			ids := make([]string, n)
			keys := make([]string, n)
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				ids[i] = NewSessionID()
				k := mustKey(t)
				keys[i] = EncodeKey(k)
				wg.Add(1)
				go func(id string, key []byte) {
					defer wg.Done()
					errs <- v.Store(ctx, id, sampleMap(), key)
				}(ids[i], k)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("Store: %v", err)
				}
			}
			for i := range ids {
				k, _ := DecodeKey(keys[i])
				if _, err := v.Load(ctx, ids[i], k); err != nil {
					t.Errorf("Load %s: %v", ids[i], err)
				}
			}
		})
	}
}

// TestBoltStore_SurvivesRestart verifies sessions written before a close are
// readable after reopening the database.
func TestBoltStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s1, err := NewBoltStore(path, nil)
	if err != nil {
		t.Fatalf("open first instance: %v", err)
	}
	id := NewSessionID()
	key := mustKey(t)
	enc := EncodeKey(key)
	if err := New(s1).Store(ctx, id, sampleMap(), key); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close first instance: %v", err)
	}

	s2, err := Open(BackendBolt, path, nil)
	if err != nil {
		t.Fatalf("open second instance: %v", err)
	}
	defer s2.Close() //nolint:errcheck // test cleanup

	k, _ := DecodeKey(enc)
	got, err := New(s2).Load(ctx, id, k)
	if err != nil {
		t.Fatalf("Load after restart: %v", err)
	}
	if got.Len() != 3 {
		t.Errorf("got %d entries after restart, want 3", got.Len())
	}
}

func TestBoltStore_LockedByAnotherHandle(t *testing.T) {
	orig := boltLockTimeout
	boltLockTimeout = 100 * time.Millisecond
	t.Cleanup(func() { boltLockTimeout = orig })

	path := filepath.Join(t.TempDir(), "held.db")
	holder, err := NewBoltStore(path, nil)
	if err != nil {
		t.Fatalf("open holder: %v", err)
	}
	defer holder.Close() //nolint:errcheck // test cleanup

	done := make(chan error, 1)
	go func() {
		s, err := NewBoltStore(path, nil)
		if err == nil {
			s.Close() //nolint:errcheck // test cleanup
		}
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrLocked) {
			t.Errorf("got %v, want ErrLocked", err)
		}
		if err != nil && !strings.Contains(err.Error(), path) {
			t.Errorf("error %q does not name the database path", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second open still blocked on the file lock")
	}
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(BackendFile, dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := NewSessionID()
	if err := New(s).Store(context.Background(), id, sampleMap(), mustKey(t)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != id+".enc" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contents = %v, want only %s.enc", names, id)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open("redis", "", nil); err == nil {
		t.Error("expected error for unknown backend")
	}
}
