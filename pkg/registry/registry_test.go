package registry

import (
	"errors"
	"sync"
	"testing"
)

type constructor func() string

func TestBaseRegistry_Register(t *testing.T) {
	r := NewBaseRegistry[constructor]()

	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{name: "valid key", key: "postgres"},
		{name: "empty key", key: "", wantErr: ErrEmptyName},
		{name: "duplicate key", key: "postgres", wantErr: ErrExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.key, func() string { return tt.key })
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Register() unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Register() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBaseRegistry_Replace(t *testing.T) {
	r := NewBaseRegistry[string]()
	if err := r.Register("payu", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Replace("payu", "v2"); err != nil {
		t.Fatal(err)
	}

	got, ok := r.Get("payu")
	if !ok || got != "v2" {
		t.Errorf("Get() = %q, %v; want v2, true", got, ok)
	}
	if err := r.Replace("", "x"); !errors.Is(err, ErrEmptyName) {
		t.Errorf("Replace(\"\") error = %v", err)
	}
}

func TestBaseRegistry_NamesSorted(t *testing.T) {
	r := NewBaseRegistry[int]()
	for i, name := range []string{"sqlite", "mongodb", "qdrant"} {
		if err := r.Register(name, i); err != nil {
			t.Fatal(err)
		}
	}

	names := r.Names()
	want := []string{"mongodb", "qdrant", "sqlite"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestBaseRegistry_Remove(t *testing.T) {
	r := NewBaseRegistry[int]()
	_ = r.Register("a", 1)

	if err := r.Remove("a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := r.Remove("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove() second call error = %v, want ErrNotFound", err)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestBaseRegistry_ConcurrentAccess(t *testing.T) {
	r := NewBaseRegistry[int]()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_ = r.Replace("key", n)
		}(i)
		go func() {
			defer wg.Done()
			r.Get("key")
			r.Names()
		}()
	}
	wg.Wait()

	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}
