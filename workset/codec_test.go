package workset

import (
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(CodecTestSuite))

type CodecTestSuite struct{}

func (s *CodecTestSuite) TestWorkRecordRoundTrip(c *gc.C) {
	orig := workRecord{Superstep: 3, SrcKey: "a", Msg: float64(42)}
	data, err := encodeWorkRecord(orig)
	c.Assert(err, gc.IsNil)

	decoded, err := decodeWorkRecord(data)
	c.Assert(err, gc.IsNil)
	c.Assert(decoded, gc.DeepEquals, orig)
}

func (s *CodecTestSuite) TestSolutionRecordRoundTrip(c *gc.C) {
	entry := Entry{PrevStep: 0, PrevValue: 1.0, CurStep: 1, CurValue: 2.0}
	rec, err := EncodeSolutionRecord("v1", entry)
	c.Assert(err, gc.IsNil)
	c.Assert(string(rec.Key), gc.Equals, "v1")

	decoded, err := DecodeSolutionEntry(rec.Value)
	c.Assert(err, gc.IsNil)
	c.Assert(decoded, gc.DeepEquals, entry)
}

func (s *CodecTestSuite) TestWorkSeedRecordCarriesNilMessage(c *gc.C) {
	rec, err := EncodeWorkSeedRecord("v1")
	c.Assert(err, gc.IsNil)

	wr, err := decodeWorkRecord(rec.Value)
	c.Assert(err, gc.IsNil)
	c.Assert(wr.Superstep, gc.Equals, int32(0))
	c.Assert(wr.SrcKey, gc.Equals, "v1")
	c.Assert(wr.Msg, gc.IsNil)
}

func (s *CodecTestSuite) TestEdgeGroupRoundTrip(c *gc.C) {
	edges := []Edge{{DstID: "b", Value: 1.0}, {DstID: "c", Value: 4.0}}
	rec, err := EncodeEdgeGroupRecord("a", edges)
	c.Assert(err, gc.IsNil)

	decoded, err := DecodeEdgeGroup(rec.Value)
	c.Assert(err, gc.IsNil)
	c.Assert(decoded, gc.DeepEquals, edges)
}

func (s *CodecTestSuite) TestJSONCodecRoundTrip(c *gc.C) {
	var codec JSONCodec
	data, err := codec.Encode(map[string]interface{}{"x": 1.0})
	c.Assert(err, gc.IsNil)

	decoded, err := codec.Decode(data)
	c.Assert(err, gc.IsNil)
	c.Assert(decoded, gc.DeepEquals, map[string]interface{}{"x": 1.0})
}
