package bdb_test

import (
	"fmt"
	"path/filepath"
	"testing"

	check "gopkg.in/check.v1"

	"github.com/kinfkong/ejdb/internal/bdb"
	"github.com/kinfkong/ejdb/internal/hdb"
)

func Test(t *testing.T) { check.TestingT(t) }

type BTreeSuite struct {
	rec  *hdb.File
	tree *bdb.Tree
}

var _ = check.Suite(&BTreeSuite{})

func (s *BTreeSuite) SetUpTest(c *check.C) {
	path := filepath.Join(c.MkDir(), "idx.hdb")
	rec, err := hdb.Open(hdb.Options{Path: path})
	c.Assert(err, check.IsNil)
	tree, err := bdb.Open(bdb.Options{Record: rec, Comparator: bdb.Lexical, LeafCap: 4, NodeCap: 4})
	c.Assert(err, check.IsNil)
	s.rec, s.tree = rec, tree
}

func (s *BTreeSuite) TearDownTest(c *check.C) {
	s.rec.Close()
}

func (s *BTreeSuite) TestPutGet(c *check.C) {
	err := s.tree.Put([]byte("a"), []byte("1"), bdb.Replace)
	c.Assert(err, check.IsNil)
	v, err := s.tree.Get([]byte("a"))
	c.Assert(err, check.IsNil)
	c.Assert(string(v), check.Equals, "1")
}

func (s *BTreeSuite) TestKeepRejectsDuplicate(c *check.C) {
	c.Assert(s.tree.Put([]byte("k"), []byte("v1"), bdb.Keep), check.IsNil)
	err := s.tree.Put([]byte("k"), []byte("v2"), bdb.Keep)
	c.Assert(err, check.NotNil)
}

func (s *BTreeSuite) TestDuplicateKeys(c *check.C) {
	c.Assert(s.tree.Put([]byte("dup"), []byte("x"), bdb.AppendDupBack), check.IsNil)
	c.Assert(s.tree.Put([]byte("dup"), []byte("y"), bdb.AppendDupBack), check.IsNil)
	c.Assert(s.tree.Put([]byte("dup"), []byte("z"), bdb.AppendDupFront), check.IsNil)

	vs, err := s.tree.GetAll([]byte("dup"))
	c.Assert(err, check.IsNil)
	c.Assert(vs, check.HasLen, 3)
	c.Assert(string(vs[0]), check.Equals, "z")
}

func (s *BTreeSuite) TestSplitsAcrossManyKeys(c *check.C) {
	// leafCap=4 forces repeated splits well before 200 entries.
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		c.Assert(s.tree.Put(key, []byte("v"), bdb.Replace), check.IsNil)
	}
	n, err := s.tree.Count()
	c.Assert(err, check.IsNil)
	c.Assert(n, check.Equals, 200)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		v, err := s.tree.Get(key)
		c.Assert(err, check.IsNil)
		c.Assert(string(v), check.Equals, "v")
	}
}

func (s *BTreeSuite) TestCursorOrdersKeys(c *check.C) {
	keys := []string{"banana", "apple", "cherry", "date", "elderberry"}
	for _, k := range keys {
		c.Assert(s.tree.Put([]byte(k), []byte(k), bdb.Replace), check.IsNil)
	}
	cur, err := s.tree.First()
	c.Assert(err, check.IsNil)
	var got []string
	for {
		k, _, ok := cur.Next()
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	c.Assert(got, check.DeepEquals, []string{"apple", "banana", "cherry", "date", "elderberry"})
}

func (s *BTreeSuite) TestRangeScan(c *check.C) {
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		c.Assert(s.tree.Put(key, []byte("v"), bdb.Replace), check.IsNil)
	}
	pairs, err := s.tree.Range([]byte("k0010"), []byte("k0020"), 0)
	c.Assert(err, check.IsNil)
	c.Assert(pairs, check.HasLen, 11)
	c.Assert(string(pairs[0][0]), check.Equals, "k0010")
	c.Assert(string(pairs[len(pairs)-1][0]), check.Equals, "k0020")
}

func (s *BTreeSuite) TestOutRemovesKey(c *check.C) {
	c.Assert(s.tree.Put([]byte("gone"), []byte("v"), bdb.Replace), check.IsNil)
	c.Assert(s.tree.Out([]byte("gone"), true), check.IsNil)
	_, err := s.tree.Get([]byte("gone"))
	c.Assert(err, check.NotNil)
}

func (s *BTreeSuite) TestInt64Comparator(c *check.C) {
	path := filepath.Join(c.MkDir(), "int64.hdb")
	rec, err := hdb.Open(hdb.Options{Path: path})
	c.Assert(err, check.IsNil)
	defer rec.Close()
	tree, err := bdb.Open(bdb.Options{Record: rec, Comparator: bdb.Int64, LeafCap: 4})
	c.Assert(err, check.IsNil)

	encode := func(v int64) []byte {
		b := make([]byte, 8)
		for i := 7; i >= 0; i-- {
			b[i] = byte(v)
			v >>= 8
		}
		return b
	}
	for _, v := range []int64{100, 5, 42, 7, 1000} {
		c.Assert(tree.Put(encode(v), []byte("x"), bdb.Replace), check.IsNil)
	}
	cur, err := tree.First()
	c.Assert(err, check.IsNil)
	var order []int64
	for {
		k, _, ok := cur.Next()
		if !ok {
			break
		}
		var v int64
		for _, b := range k {
			v = v<<8 | int64(b)
		}
		order = append(order, v)
	}
	c.Assert(order, check.DeepEquals, []int64{5, 7, 42, 100, 1000})
}

func (s *BTreeSuite) TestReopenRejectsComparatorMismatch(c *check.C) {
	path := filepath.Join(c.MkDir(), "mismatch.hdb")
	rec, err := hdb.Open(hdb.Options{Path: path})
	c.Assert(err, check.IsNil)
	defer rec.Close()
	_, err = bdb.Open(bdb.Options{Record: rec, Comparator: bdb.Lexical})
	c.Assert(err, check.IsNil)

	_, err = bdb.Open(bdb.Options{Record: rec, Comparator: bdb.Int32})
	c.Assert(err, check.NotNil)
}
