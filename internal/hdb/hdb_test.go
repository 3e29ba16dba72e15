package hdb_test

import (
	"path/filepath"
	"testing"

	"github.com/kinfkong/ejdb/internal/hdb"
)

func openTemp(t *testing.T, opts hdb.Options) *hdb.File {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "test.hdb")
	}
	f, err := hdb.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestPutGetOut(t *testing.T) {
	f := openTemp(t, hdb.Options{})

	if err := f.Put([]byte("a"), []byte("1"), hdb.Overwrite); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := f.Get([]byte("a"))
	if err != nil || string(v) != "1" {
		t.Fatalf("Get = %q, %v", v, err)
	}

	if err := f.Put([]byte("a"), []byte("2"), hdb.Overwrite); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	v, _ = f.Get([]byte("a"))
	if string(v) != "2" {
		t.Fatalf("expected overwrite to take effect, got %q", v)
	}

	if err := f.Out([]byte("a")); err != nil {
		t.Fatalf("Out: %v", err)
	}
	if _, err := f.Get([]byte("a")); err == nil {
		t.Fatalf("expected not-found after Out")
	}
}

func TestPutManyAndIterate(t *testing.T) {
	f := openTemp(t, hdb.Options{})
	want := map[string]string{}
	for i := 0; i < 200; i++ {
		k := []byte{byte(i), byte(i >> 8)}
		v := []byte{byte(i * 7)}
		want[string(k)] = string(v)
		if err := f.Put(k, v, hdb.Overwrite); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if f.RecordCount() != 200 {
		t.Fatalf("RecordCount = %d, want 200", f.RecordCount())
	}

	it := f.Iterate(0)
	got := map[string]string{}
	for {
		k, v, _, ok := it.Next()
		if !ok {
			break
		}
		got[string(k)] = string(v)
	}
	if len(got) != len(want) {
		t.Fatalf("iterated %d records, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("record %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestKeepIfAbsentRejectsDuplicate(t *testing.T) {
	f := openTemp(t, hdb.Options{})
	if err := f.Put([]byte("k"), []byte("v1"), hdb.KeepIfAbsent); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	err := f.Put([]byte("k"), []byte("v2"), hdb.KeepIfAbsent)
	if err == nil {
		t.Fatalf("expected already-exists error")
	}
	v, _ := f.Get([]byte("k"))
	if string(v) != "v1" {
		t.Fatalf("value changed despite KeepIfAbsent: %q", v)
	}
}

func TestTransactionRollback(t *testing.T) {
	f := openTemp(t, hdb.Options{})
	for i := 0; i < 10; i++ {
		f.Put([]byte{byte(i)}, []byte("orig"), hdb.Overwrite)
	}

	if err := f.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for i := 0; i < 5; i++ {
		f.Out([]byte{byte(i)})
	}
	for i := 5; i < 8; i++ {
		f.Put([]byte{byte(i)}, []byte("changed"), hdb.Overwrite)
	}
	if err := f.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if f.RecordCount() != 10 {
		t.Fatalf("RecordCount after rollback = %d, want 10", f.RecordCount())
	}
	for i := 0; i < 10; i++ {
		v, err := f.Get([]byte{byte(i)})
		if err != nil || string(v) != "orig" {
			t.Fatalf("record %d = %q, %v; want %q", i, v, err, "orig")
		}
	}
}

func TestCompression(t *testing.T) {
	f := openTemp(t, hdb.Options{Compressed: hdb.Deflate})
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte('a' + i%5)
	}
	if err := f.Put([]byte("blob"), payload, hdb.Overwrite); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := f.Get([]byte("blob"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("round-trip mismatch under compression")
	}
}

func TestReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.hdb")
	f, err := hdb.Open(hdb.Options{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.Put([]byte("persist"), []byte("yes"), hdb.Overwrite)
	f.Sync()
	f.Close()

	f2, err := hdb.Open(hdb.Options{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f2.Close()
	v, err := f2.Get([]byte("persist"))
	if err != nil || string(v) != "yes" {
		t.Fatalf("Get after reopen = %q, %v", v, err)
	}
}
