package workset

import (
	"encoding/json"

	"github.com/gopregel/engine/streamlog"
)

// workRecord is the on-wire envelope of a single work-set log entry: the
// triple (superstep, dstKey, srcKey, message), minus dstKey which is
// carried as the log record's key rather than its value. The envelope
// itself is always JSON — only the Msg field's shape is caller-defined —
// since the envelope is pipeline plumbing, not a user-facing value.
type workRecord struct {
	Superstep int32       `json:"superstep"`
	SrcKey    string      `json:"src"`
	Msg       interface{} `json:"msg"`
}

func encodeWorkRecord(rec workRecord) ([]byte, error) { return json.Marshal(rec) }

func decodeWorkRecord(data []byte) (workRecord, error) {
	var wr workRecord
	if err := json.Unmarshal(data, &wr); err != nil {
		return workRecord{}, err
	}
	return wr, nil
}

// solutionWire is the on-wire shape of a solutionSet log record's value:
// the (prevStep, prevValue, curStep, curValue) tuple.
type solutionWire struct {
	PrevStep  int32       `json:"prevStep"`
	PrevValue interface{} `json:"prevValue"`
	CurStep   int32       `json:"curStep"`
	CurValue  interface{} `json:"curValue"`
}

func encodeSolutionEntry(e Entry) ([]byte, error) {
	return json.Marshal(solutionWire{
		PrevStep:  e.PrevStep,
		PrevValue: e.PrevValue,
		CurStep:   e.CurStep,
		CurValue:  e.CurValue,
	})
}

func decodeSolutionEntry(data []byte) (Entry, error) {
	var w solutionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Entry{}, err
	}
	return Entry{PrevStep: w.PrevStep, PrevValue: w.PrevValue, CurStep: w.CurStep, CurValue: w.CurValue}, nil
}

// EncodeSolutionRecord builds the solutionSet log record seeding vertex id
// with entry, keyed for compaction by id.
func EncodeSolutionRecord(id string, e Entry) (streamlog.Record, error) {
	payload, err := encodeSolutionEntry(e)
	if err != nil {
		return streamlog.Record{}, err
	}
	return streamlog.Record{Key: []byte(id), Value: payload}, nil
}

// EncodeWorkSeedRecord builds the step-0 workSet log record seeding vertex
// id with no message, keyed by id for destination-based partitioning.
func EncodeWorkSeedRecord(id string) (streamlog.Record, error) {
	payload, err := encodeWorkRecord(workRecord{Superstep: 0, SrcKey: id, Msg: nil})
	if err != nil {
		return streamlog.Record{}, err
	}
	return streamlog.Record{Key: []byte(id), Value: payload}, nil
}

// DecodeSolutionEntry decodes a solutionSet log record's value back into an
// Entry. Exported for callers materializing a VertexSource/result view
// directly from a solutionSet-shaped topic.
func DecodeSolutionEntry(data []byte) (Entry, error) { return decodeSolutionEntry(data) }

// EncodeVertexRecord builds a vertices log record carrying a vertex's
// initial value, keyed by id for compaction.
func EncodeVertexRecord(id string, value interface{}) (streamlog.Record, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return streamlog.Record{}, err
	}
	return streamlog.Record{Key: []byte(id), Value: payload}, nil
}

// DecodeVertexValue decodes a vertices log record's value.
func DecodeVertexValue(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// edgeGroupWire is the on-wire shape of an edgesGroupedBySource log record's
// value: the out-edge list for a single source vertex.
type edgeGroupWire struct {
	Edges []Edge `json:"edges"`
}

// EncodeEdgeGroupRecord builds an edgesGroupedBySource log record carrying
// src's out-edges, keyed by src for compaction.
func EncodeEdgeGroupRecord(src string, edges []Edge) (streamlog.Record, error) {
	payload, err := json.Marshal(edgeGroupWire{Edges: edges})
	if err != nil {
		return streamlog.Record{}, err
	}
	return streamlog.Record{Key: []byte(src), Value: payload}, nil
}

// DecodeEdgeGroup decodes an edgesGroupedBySource log record's value.
func DecodeEdgeGroup(data []byte) ([]Edge, error) {
	var w edgeGroupWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return w.Edges, nil
}

// JSONCodec is a Codec built on encoding/json. No engine component calls a
// Codec: the record helpers in this file marshal vertex, edge, message and
// solution-set values with encoding/json directly, and the driver has no
// Codec setting. A generic interface{}-keyed wire format has no single
// idiomatic third-party serializer (protobuf requires a generated message
// type the engine's value types cannot supply), so this default falls back
// to the standard library; it is a pluggable seam, not a mandate.
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Decode(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
