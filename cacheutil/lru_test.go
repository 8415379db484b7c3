package cacheutil

import "testing"

func TestLRUGetMissThenHit(t *testing.T) {
	l := NewLRU(2)
	fetches := 0
	fetch := func(v int) func() (interface{}, error) {
		return func() (interface{}, error) {
			fetches++
			return v, nil
		}
	}

	v, err := l.Get("a", fetch(1))
	if err != nil || v.(int) != 1 {
		t.Fatalf("got %v, %v", v, err)
	}
	v, err = l.Get("a", fetch(2))
	if err != nil || v.(int) != 1 {
		t.Fatalf("expected cached value 1, got %v, %v", v, err)
	}
	if fetches != 1 {
		t.Fatalf("expected exactly one fetch, got %d", fetches)
	}
}

func TestLRUEvictsOldest(t *testing.T) {
	l := NewLRU(2)
	mustGet := func(key, val int) {
		t.Helper()
		_, err := l.Get(key, func() (interface{}, error) { return val, nil })
		if err != nil {
			t.Fatal(err)
		}
	}

	mustGet(1, 1)
	mustGet(2, 2)
	mustGet(3, 3) // evicts key 1

	if _, ok := l.Peek(1); ok {
		t.Fatal("expected key 1 to be evicted")
	}
	if _, ok := l.Peek(2); !ok {
		t.Fatal("expected key 2 to remain")
	}
	if l.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", l.Len())
	}
}

func TestLRUFetchErrorNotCached(t *testing.T) {
	l := NewLRU(2)
	wantErr := errTest{}
	_, err := l.Get("x", func() (interface{}, error) { return nil, wantErr })
	if err != wantErr {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if _, ok := l.Peek("x"); ok {
		t.Fatal("fetch error must not be cached")
	}
}

type errTest struct{}

func (errTest) Error() string { return "test error" }
