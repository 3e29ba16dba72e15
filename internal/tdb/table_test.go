package tdb_test

import (
	"fmt"
	"path/filepath"
	"testing"

	check "gopkg.in/check.v1"
	officialBson "go.mongodb.org/mongo-driver/bson"

	"github.com/kinfkong/ejdb/internal/bdb"
	"github.com/kinfkong/ejdb/internal/hdb"
	"github.com/kinfkong/ejdb/internal/tdb"
)

func Test(t *testing.T) { check.TestingT(t) }

type TableSuite struct {
	dir   string
	rec   *hdb.File
	table *tdb.Table
}

var _ = check.Suite(&TableSuite{})

func (s *TableSuite) openIndex(path string, cmp bdb.Comparator) (*bdb.Tree, *hdb.File, error) {
	rec, err := hdb.Open(hdb.Options{Path: path})
	if err != nil {
		return nil, nil, err
	}
	tree, err := bdb.Open(bdb.Options{Record: rec, Comparator: cmp})
	if err != nil {
		return nil, nil, err
	}
	return tree, rec, nil
}

func (s *TableSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
	rec, err := hdb.Open(hdb.Options{Path: filepath.Join(s.dir, "c1")})
	c.Assert(err, check.IsNil)
	s.rec = rec
	table, err := tdb.Open(tdb.Options{Record: rec, NewIndex: s.openIndex})
	c.Assert(err, check.IsNil)
	s.table = table
}

func (s *TableSuite) TearDownTest(c *check.C) {
	s.table.Close()
}

func (s *TableSuite) TestPutGetOut(c *check.C) {
	pk, err := s.table.Put(nil, officialBson.M{"name": "Петров Петр", "age": int32(33)}, hdb.Overwrite)
	c.Assert(err, check.IsNil)

	row, err := s.table.Get(pk)
	c.Assert(err, check.IsNil)
	c.Assert(row["name"], check.Equals, "Петров Петр")

	c.Assert(s.table.Out(pk), check.IsNil)
	_, err = s.table.Get(pk)
	c.Assert(err, check.NotNil)
}

func (s *TableSuite) TestIndexEquivalence(c *check.C) {
	for i := 0; i < 50; i++ {
		t := "x"
		if i%7 == 0 {
			t = "target"
		}
		_, err := s.table.Put(nil, officialBson.M{"t": t, "i": int32(i)}, hdb.Overwrite)
		c.Assert(err, check.IsNil)
	}

	before := s.scanMatching("target")

	err := s.table.EnsureIndex("t", tdb.StringIndex, filepath.Join(s.dir, "c1.idx.st"))
	c.Assert(err, check.IsNil)

	after, err := s.table.IndexEqual("t", "target")
	c.Assert(err, check.IsNil)
	c.Assert(len(after), check.Equals, len(before))
	for _, pk := range after {
		c.Assert(before[string(pk)], check.Equals, true)
	}
}

func (s *TableSuite) scanMatching(want string) map[string]bool {
	out := map[string]bool{}
	it := s.table.Iterate()
	for {
		pk, val, _, ok := it.Next()
		if !ok {
			break
		}
		row, err := tdbDecodeForTest(val)
		if err != nil {
			continue
		}
		if row["t"] == want {
			out[string(pk)] = true
		}
	}
	return out
}

// tdbDecodeForTest mirrors the table's internal row codec closely enough
// for the test to read back a field without exporting the codec itself.
func tdbDecodeForTest(buf []byte) (officialBson.M, error) {
	row := officialBson.M{}
	pos := 0
	for pos < len(buf) {
		if pos+4 > len(buf) {
			return nil, fmt.Errorf("truncated row")
		}
		nlen := int(be32(buf[pos:]))
		pos += 4
		if pos+nlen+4 > len(buf) {
			return nil, fmt.Errorf("truncated row")
		}
		name := string(buf[pos : pos+nlen])
		pos += nlen
		vlen := int(be32(buf[pos:]))
		pos += 4
		if pos+vlen > len(buf) {
			return nil, fmt.Errorf("truncated row")
		}
		var d officialBson.D
		if err := officialBson.Unmarshal(buf[pos:pos+vlen], &d); err != nil {
			return nil, err
		}
		pos += vlen
		if len(d) == 1 {
			row[name] = d[0].Value
		}
	}
	return row, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (s *TableSuite) TestUIDGeneratePersists(c *check.C) {
	pk1, err := s.table.Put(nil, officialBson.M{"v": 1}, hdb.Overwrite)
	c.Assert(err, check.IsNil)
	pk2, err := s.table.Put(nil, officialBson.M{"v": 2}, hdb.Overwrite)
	c.Assert(err, check.IsNil)
	c.Assert(string(pk1) == string(pk2), check.Equals, false)

	reopened, err := tdb.Open(tdb.Options{Record: s.rec, NewIndex: s.openIndex})
	c.Assert(err, check.IsNil)
	pk3, err := reopened.Put(nil, officialBson.M{"v": 3}, hdb.Overwrite)
	c.Assert(err, check.IsNil)
	c.Assert(string(pk3) == string(pk1) || string(pk3) == string(pk2), check.Equals, false)
}

func (s *TableSuite) TestNumericIndexOrdering(c *check.C) {
	err := s.table.EnsureIndex("n", tdb.NumericIndex, filepath.Join(s.dir, "c1.idx.num"))
	c.Assert(err, check.IsNil)
	for _, v := range []int32{100, 5, 42, 7} {
		_, err := s.table.Put(nil, officialBson.M{"n": v}, hdb.Overwrite)
		c.Assert(err, check.IsNil)
	}
	pks, err := s.table.IndexRange("n", nil, nil, 0)
	c.Assert(err, check.IsNil)
	var got []int32
	for _, pk := range pks {
		row, err := s.table.Get(pk)
		c.Assert(err, check.IsNil)
		got = append(got, row["n"].(int32))
	}
	c.Assert(got, check.DeepEquals, []int32{5, 7, 42, 100})
}

func (s *TableSuite) TestRebuildIndexAfterManualInserts(c *check.C) {
	for i := 0; i < 10; i++ {
		_, err := s.table.Put(nil, officialBson.M{"tag": fmt.Sprintf("g%d", i%3)}, hdb.Overwrite)
		c.Assert(err, check.IsNil)
	}
	err := s.table.EnsureIndex("tag", tdb.StringIndex, filepath.Join(s.dir, "c1.idx.tag"))
	c.Assert(err, check.IsNil)
	err = s.table.RebuildIndex("tag", tdb.StringIndex)
	c.Assert(err, check.IsNil)
}
