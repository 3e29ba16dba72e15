package query_test

import (
	"path/filepath"
	"testing"

	check "gopkg.in/check.v1"
	officialBson "go.mongodb.org/mongo-driver/bson"

	"github.com/kinfkong/ejdb/internal/bdb"
	"github.com/kinfkong/ejdb/internal/hdb"
	"github.com/kinfkong/ejdb/internal/query"
	"github.com/kinfkong/ejdb/internal/tdb"
)

func Test(t *testing.T) { check.TestingT(t) }

type ExecutorSuite struct {
	dir   string
	table *tdb.Table
}

var _ = check.Suite(&ExecutorSuite{})

func (s *ExecutorSuite) openIndex(path string, cmp bdb.Comparator) (*bdb.Tree, *hdb.File, error) {
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

func (s *ExecutorSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
	rec, err := hdb.Open(hdb.Options{Path: filepath.Join(s.dir, "people")})
	c.Assert(err, check.IsNil)
	table, err := tdb.Open(tdb.Options{Record: rec, NewIndex: s.openIndex})
	c.Assert(err, check.IsNil)
	s.table = table

	for _, row := range []officialBson.M{
		{"name": "Петров Петр", "age": int32(33), "tags": []interface{}{"admin", "staff"}},
		{"name": "Ivanov Ivan", "age": int32(21), "tags": []interface{}{"staff"}},
		{"name": "Sidorov Sidor", "age": int32(45), "tags": []interface{}{"guest"}},
	} {
		_, err := s.table.Put(nil, row, hdb.Overwrite)
		c.Assert(err, check.IsNil)
	}
}

func (s *ExecutorSuite) TearDownTest(c *check.C) {
	s.table.Close()
}

func (s *ExecutorSuite) TestEqualityScanFindsOne(c *check.C) {
	plan, err := query.Compile(officialBson.M{"age": int32(33)}, nil, nil)
	c.Assert(err, check.IsNil)

	res, err := query.NewExecutor(s.table).Execute(plan)
	c.Assert(err, check.IsNil)
	c.Assert(res.Count, check.Equals, 1)
	c.Assert(res.Docs[0]["name"], check.Equals, "Петров Петр")
}

func (s *ExecutorSuite) TestRangePredicate(c *check.C) {
	plan, err := query.Compile(officialBson.M{"age": officialBson.M{"$gt": int32(25)}}, nil, nil)
	c.Assert(err, check.IsNil)

	res, err := query.NewExecutor(s.table).Execute(plan)
	c.Assert(err, check.IsNil)
	c.Assert(res.Count, check.Equals, 2)
}

func (s *ExecutorSuite) TestEqualityViaIndexMatchesFullScan(c *check.C) {
	without, err := query.Compile(officialBson.M{"age": int32(21)}, nil, nil)
	c.Assert(err, check.IsNil)
	resBefore, err := query.NewExecutor(s.table).Execute(without)
	c.Assert(err, check.IsNil)

	c.Assert(s.table.EnsureIndex("age", tdb.NumericIndex, filepath.Join(s.dir, "people.idx.age")), check.IsNil)

	resAfter, err := query.NewExecutor(s.table).Execute(without)
	c.Assert(err, check.IsNil)
	c.Assert(resAfter.Count, check.Equals, resBefore.Count)
	c.Assert(resAfter.Docs[0]["name"], check.Equals, resBefore.Docs[0]["name"])
}

func (s *ExecutorSuite) TestNotNegatesPredicate(c *check.C) {
	plan, err := query.Compile(officialBson.M{"age": officialBson.M{"$not": officialBson.M{"$gt": int32(25)}}}, nil, nil)
	c.Assert(err, check.IsNil)

	res, err := query.NewExecutor(s.table).Execute(plan)
	c.Assert(err, check.IsNil)
	c.Assert(res.Count, check.Equals, 1)
	c.Assert(res.Docs[0]["name"], check.Equals, "Ivanov Ivan")
}

func (s *ExecutorSuite) TestOrBranches(c *check.C) {
	plan, err := query.Compile(
		officialBson.M{},
		[]officialBson.M{
			{"name": "Ivanov Ivan"},
			{"name": "Sidorov Sidor"},
		},
		nil,
	)
	c.Assert(err, check.IsNil)

	res, err := query.NewExecutor(s.table).Execute(plan)
	c.Assert(err, check.IsNil)
	c.Assert(res.Count, check.Equals, 2)
}

func (s *ExecutorSuite) TestStrandRequiresAllTokens(c *check.C) {
	plan, err := query.Compile(officialBson.M{"tags": officialBson.M{"$strand": []interface{}{"admin", "staff"}}}, nil, nil)
	c.Assert(err, check.IsNil)

	res, err := query.NewExecutor(s.table).Execute(plan)
	c.Assert(err, check.IsNil)
	c.Assert(res.Count, check.Equals, 1)
	c.Assert(res.Docs[0]["name"], check.Equals, "Петров Петр")
}

func (s *ExecutorSuite) TestOrderByAndSkipMax(c *check.C) {
	plan, err := query.Compile(officialBson.M{}, nil, officialBson.M{
		"orderby": officialBson.M{"age": int32(1)},
		"skip":    int32(1),
		"max":     int32(1),
	})
	c.Assert(err, check.IsNil)

	res, err := query.NewExecutor(s.table).Execute(plan)
	c.Assert(err, check.IsNil)
	c.Assert(res.Count, check.Equals, 1)
	c.Assert(res.Docs[0]["name"], check.Equals, "Петров Петр")
}

func (s *ExecutorSuite) TestSetUpdatePersists(c *check.C) {
	plan, err := query.Compile(officialBson.M{
		"name": "Ivanov Ivan",
		"$set": officialBson.M{"age": int32(22)},
	}, nil, nil)
	c.Assert(err, check.IsNil)

	res, err := query.NewExecutor(s.table).Execute(plan)
	c.Assert(err, check.IsNil)
	c.Assert(res.Count, check.Equals, 1)

	recheck, err := query.Compile(officialBson.M{"name": "Ivanov Ivan"}, nil, nil)
	c.Assert(err, check.IsNil)
	res2, err := query.NewExecutor(s.table).Execute(recheck)
	c.Assert(err, check.IsNil)
	c.Assert(res2.Docs[0]["age"], check.Equals, int32(22))
}

func (s *ExecutorSuite) TestIncUpdate(c *check.C) {
	plan, err := query.Compile(officialBson.M{
		"name": "Sidorov Sidor",
		"$inc": officialBson.M{"age": int32(5)},
	}, nil, nil)
	c.Assert(err, check.IsNil)

	_, err = query.NewExecutor(s.table).Execute(plan)
	c.Assert(err, check.IsNil)

	recheck, err := query.Compile(officialBson.M{"name": "Sidorov Sidor"}, nil, nil)
	c.Assert(err, check.IsNil)
	res, err := query.NewExecutor(s.table).Execute(recheck)
	c.Assert(err, check.IsNil)
	c.Assert(res.Docs[0]["age"], check.Equals, float64(50))
}

func (s *ExecutorSuite) TestProjectionKeepMode(c *check.C) {
	plan, err := query.Compile(officialBson.M{"name": "Петров Петр"}, nil, officialBson.M{
		"fields": officialBson.M{"age": int32(1)},
	})
	c.Assert(err, check.IsNil)

	res, err := query.NewExecutor(s.table).Execute(plan)
	c.Assert(err, check.IsNil)
	_, hasName := res.Docs[0]["name"]
	c.Assert(hasName, check.Equals, false)
	_, hasAge := res.Docs[0]["age"]
	c.Assert(hasAge, check.Equals, true)
}
