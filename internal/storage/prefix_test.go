package storage

import (
	"testing"
)

func TestPrefixDB_Isolation(t *testing.T) {
	inner := NewMemory()
	a := NewPrefixDB(inner, []byte("a/"))
	b := NewPrefixDB(inner, []byte("b/"))

	a.Put([]byte("k"), []byte("from-a"))
	b.Put([]byte("k"), []byte("from-b"))

	va, _ := a.Get([]byte("k"))
	vb, _ := b.Get([]byte("k"))
	if string(va) != "from-a" || string(vb) != "from-b" {
		t.Fatalf("namespaces leaked: a=%q b=%q", va, vb)
	}
	raw, err := inner.Get([]byte("a/k"))
	if err != nil || string(raw) != "from-a" {
		t.Errorf("inner a/k = %q, %v", raw, err)
	}
}

func TestPrefixDB_ForEachStripsPrefix(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("ns/"))
	db.Put([]byte("x/1"), []byte("1"))
	db.Put([]byte("x/2"), []byte("2"))
	inner.Put([]byte("x/3"), []byte("outside"))

	var keys []string
	db.ForEach([]byte("x/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if len(keys) != 2 || keys[0] != "x/1" || keys[1] != "x/2" {
		t.Errorf("ForEach keys = %v, want [x/1 x/2]", keys)
	}
}

func TestPrefixDB_WrapBatchSharesCommit(t *testing.T) {
	inner := NewMemory()
	ns := NewPrefixDB(inner, []byte("ledger/"))

	outer := inner.NewBatch()
	outer.Put([]byte("s/1"), []byte("supply"))
	ns.WrapBatch(outer).Put([]byte("b/1"), []byte("balance"))

	if ok, _ := ns.Has([]byte("b/1")); ok {
		t.Fatal("wrapped write visible before outer commit")
	}
	if err := outer.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if v, err := ns.Get([]byte("b/1")); err != nil || string(v) != "balance" {
		t.Errorf("ns b/1 = %q, %v", v, err)
	}
	if ok, _ := inner.Has([]byte("s/1")); !ok {
		t.Error("outer write missing")
	}
}

// plainDB hides the Batcher implementation of MemoryDB.
type plainDB struct{ DB }

func TestNewBatch_Fallback(t *testing.T) {
	db := plainDB{NewMemory()}
	b := NewBatch(db)
	b.Put([]byte("k"), []byte("v"))
	if ok, _ := db.Has([]byte("k")); ok {
		t.Fatal("fallback batch wrote before Commit")
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if ok, _ := db.Has([]byte("k")); !ok {
		t.Error("fallback batch did not write on Commit")
	}
}
