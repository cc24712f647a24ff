package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestContentHashStable(t *testing.T) {
	h1 := ContentHash("hello world", []string{"b", "a"}, "note")
	h2 := ContentHash("hello world", []string{"a", "b"}, "note")
	if h1 != h2 {
		t.Fatalf("tag order changed the hash: %s vs %s", h1, h2)
	}
	if !ValidContentHash(h1) {
		t.Fatalf("hash %q is not 64 lowercase hex chars", h1)
	}
}

func TestContentHashSensitivity(t *testing.T) {
	base := ContentHash("hello", []string{"a"}, "note")

	if ContentHash("hello!", []string{"a"}, "note") == base {
		t.Errorf("content change did not change the hash")
	}
	if ContentHash("hello", []string{"a", "b"}, "note") == base {
		t.Errorf("tag change did not change the hash")
	}
	if ContentHash("hello", []string{"a"}, "decision") == base {
		t.Errorf("type change did not change the hash")
	}
}

func TestContentHashIgnoresTagWhitespaceAndEmpties(t *testing.T) {
	h1 := ContentHash("x", []string{" a ", "", "b"}, "note")
	h2 := ContentHash("x", []string{"a", "b"}, "note")
	if h1 != h2 {
		t.Errorf("whitespace/empty tags changed the hash")
	}
}

func TestValidContentHash(t *testing.T) {
	cases := map[string]bool{
		ContentHash("x", nil, ""): true,
		"":                        false,
		"abc":                     false,
		// 64 chars but uppercase hex
		"ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789": false,
		// 64 chars, valid
		"abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789": true,
	}
	for in, want := range cases {
		if got := ValidContentHash(in); got != want {
			t.Errorf("ValidContentHash(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("store: %w", ErrInvalidInput), KindValidation},
		{fmt.Errorf("store: %w", ErrDuplicate), KindDuplicate},
		{fmt.Errorf("remote: %w", ErrLimitExceeded), KindLimit},
		{fmt.Errorf("migrate: %w", ErrSchema), KindSchema},
		{fmt.Errorf("get: %w", ErrNotFound), KindStorage},
		{errors.New("boom"), KindUnexpected},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestParseTagOperation(t *testing.T) {
	for _, in := range []string{"", "AND", "and", "ALL", "all"} {
		op, err := ParseTagOperation(in)
		if err != nil || op != TagMatchAll {
			t.Errorf("ParseTagOperation(%q) = %v, %v", in, op, err)
		}
	}
	for _, in := range []string{"OR", "or", "ANY", "any"} {
		op, err := ParseTagOperation(in)
		if err != nil || op != TagMatchAny {
			t.Errorf("ParseTagOperation(%q) = %v, %v", in, op, err)
		}
	}
	if _, err := ParseTagOperation("xor"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown operation did not return ErrInvalidInput: %v", err)
	}
}

func TestListOptionsNormalize(t *testing.T) {
	o := ListOptions{Page: 0, PageSize: 1000}
	o.Normalize()
	if o.Page != 1 || o.PageSize != 100 {
		t.Errorf("Normalize = page %d size %d", o.Page, o.PageSize)
	}
	if o.Offset() != 0 {
		t.Errorf("Offset = %d", o.Offset())
	}

	o = ListOptions{Page: 3, PageSize: 20}
	o.Normalize()
	if o.Offset() != 40 {
		t.Errorf("Offset = %d, want 40", o.Offset())
	}
}

func TestTimeWindowContains(t *testing.T) {
	w := TimeWindow{Start: 100, End: 200}
	if !w.Contains(100) || !w.Contains(200) || !w.Contains(150) {
		t.Errorf("inclusive bounds broken")
	}
	if w.Contains(99) || w.Contains(201) {
		t.Errorf("out-of-window accepted")
	}
	open := TimeWindow{Start: 100}
	if !open.Contains(1e12) {
		t.Errorf("open end rejected")
	}
	if !(TimeWindow{}).IsZero() {
		t.Errorf("zero window not detected")
	}
}

// registryStore is a minimal Storage stand-in counting constructions.
type registryStore struct {
	Storage
	closed bool
}

func (r *registryStore) Close() error { r.closed = true; return nil }

func TestRegistryGetOrCreateCachesInstances(t *testing.T) {
	r := NewRegistry()
	built := 0
	factory := func() (Storage, error) {
		built++
		return &registryStore{}, nil
	}

	a, err := r.GetOrCreate(Key("sqlite_vec", "/tmp/a.db"), factory)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := r.GetOrCreate(Key("sqlite_vec", "/tmp/a.db"), factory)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a != b {
		t.Fatalf("cache miss on identical key")
	}
	if built != 1 {
		t.Fatalf("factory ran %d times, want 1", built)
	}

	if _, err := r.GetOrCreate(Key("sqlite_vec", "/tmp/b.db"), factory); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if built != 2 {
		t.Fatalf("distinct key did not construct, built=%d", built)
	}

	r.CloseAll()
	if a.(*registryStore).closed != true {
		t.Errorf("CloseAll did not close cached store")
	}
	if _, ok := r.Get(Key("sqlite_vec", "/tmp/a.db")); ok {
		t.Errorf("registry not emptied after CloseAll")
	}
}

func TestRegistryFactoryErrorNotCached(t *testing.T) {
	r := NewRegistry()
	calls := 0
	failing := func() (Storage, error) {
		calls++
		return nil, errors.New("open failed")
	}
	if _, err := r.GetOrCreate("k", failing); err == nil {
		t.Fatalf("expected error")
	}
	working := func() (Storage, error) {
		calls++
		return &registryStore{}, nil
	}
	if _, err := r.GetOrCreate("k", working); err != nil {
		t.Fatalf("second attempt failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
