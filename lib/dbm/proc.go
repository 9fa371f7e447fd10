package dbm

import (
	"bytes"
	"encoding/binary"
	"github.com/ValentinKolb/eDBM/lib/status"
)

// --------------------------------------------------------------------------
// Standard Processors
// --------------------------------------------------------------------------
//
// The basic record operations are thin derivations of Process, expressed
// as specialized processors. Engine implementations reuse them so the
// derived operations behave identically everywhere.

// GetProc captures the value of an existing record.
type GetProc struct {
	Value []byte
	Found bool
}

func (p *GetProc) ProcessFull(key, value []byte) ([]byte, Action) {
	// a present record with an empty value stays non-nil
	p.Value = append([]byte{}, value...)
	p.Found = true
	return nil, ActionNone
}

func (p *GetProc) ProcessEmpty(key []byte) ([]byte, Action) {
	return nil, ActionNone
}

// SetProc stores a value, overwriting an existing record.
type SetProc struct {
	Value []byte
}

func (p *SetProc) ProcessFull(key, value []byte) ([]byte, Action) {
	return p.Value, ActionSet
}

func (p *SetProc) ProcessEmpty(key []byte) ([]byte, Action) {
	return p.Value, ActionSet
}

// RemoveProc deletes a record and remembers whether one existed.
type RemoveProc struct {
	Removed bool
}

func (p *RemoveProc) ProcessFull(key, value []byte) ([]byte, Action) {
	p.Removed = true
	return nil, ActionRemove
}

func (p *RemoveProc) ProcessEmpty(key []byte) ([]byte, Action) {
	return nil, ActionNone
}

// AppendProc extends a record to old-value, delimiter, value. A missing
// record is set to the value without the delimiter.
type AppendProc struct {
	Value []byte
	Delim []byte
}

func (p *AppendProc) ProcessFull(key, value []byte) ([]byte, Action) {
	joined := make([]byte, 0, len(value)+len(p.Delim)+len(p.Value))
	joined = append(joined, value...)
	joined = append(joined, p.Delim...)
	joined = append(joined, p.Value...)
	return joined, ActionSet
}

func (p *AppendProc) ProcessEmpty(key []byte) ([]byte, Action) {
	return p.Value, ActionSet
}

// IncrementProc adds Inc to the 8 byte big-endian signed integer value of
// a record, starting a missing record at Init. A value of any other width
// sets Err and leaves the record untouched.
type IncrementProc struct {
	Inc     int64
	Init    int64
	Current int64
	Err     error
}

func (p *IncrementProc) ProcessFull(key, value []byte) ([]byte, Action) {
	if len(value) != 8 {
		p.Err = status.New(status.InvalidArgumentError, "the value is not a number")
		return nil, ActionNone
	}
	p.Current = int64(binary.BigEndian.Uint64(value)) + p.Inc
	return encodeInt64(p.Current), ActionSet
}

func (p *IncrementProc) ProcessEmpty(key []byte) ([]byte, Action) {
	p.Current = p.Init + p.Inc
	return encodeInt64(p.Current), ActionSet
}

func encodeInt64(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

// CompareExchangeProc swaps a record to Desired only when the current
// state equals Expected. A nil Expected means "absent", a nil Desired
// means "remove".
type CompareExchangeProc struct {
	Expected []byte
	Desired  []byte
	Matched  bool
}

func (p *CompareExchangeProc) ProcessFull(key, value []byte) ([]byte, Action) {
	if p.Expected == nil || !bytes.Equal(value, p.Expected) {
		return nil, ActionNone
	}
	p.Matched = true
	return p.desiredAction()
}

func (p *CompareExchangeProc) ProcessEmpty(key []byte) ([]byte, Action) {
	if p.Expected != nil {
		return nil, ActionNone
	}
	p.Matched = true
	return p.desiredAction()
}

func (p *CompareExchangeProc) desiredAction() ([]byte, Action) {
	if p.Desired == nil {
		return nil, ActionRemove
	}
	return p.Desired, ActionSet
}
