package types

import (
	"errors"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionRoundTrip(t *testing.T) {
	testCases := []struct {
		name     string
		position Position
		decode   func([]byte) (Position, error)
	}{
		{
			name:     "counter",
			position: CounterPosition{Version: 987654321},
			decode:   func(b []byte) (Position, error) { return CounterPositionFromBytes(b) },
		},
		{
			name:     "counter zero",
			position: CounterPosition{},
			decode:   func(b []byte) (Position, error) { return CounterPositionFromBytes(b) },
		},
		{
			name:     "lsn",
			position: LSNPosition{LSN: pglogrepl.LSN(0x16B3748)},
			decode:   func(b []byte) (Position, error) { return LSNPositionFromBytes(b) },
		},
		{
			name:     "binlog gtid only",
			position: NewGTIDPosition("3e11fa47-71ca-11e1-9e33-c80aa9429562:1-23"),
			decode:   func(b []byte) (Position, error) { return BinlogPositionFromBytes(b) },
		},
		{
			name:     "binlog empty gtid set",
			position: NewGTIDPosition(""),
			decode:   func(b []byte) (Position, error) { return BinlogPositionFromBytes(b) },
		},
		{
			name:     "binlog file only",
			position: NewFilePosition("mysql-bin.000003", 4),
			decode:   func(b []byte) (Position, error) { return BinlogPositionFromBytes(b) },
		},
		{
			name:     "binlog gtid with file",
			position: NewGTIDPosition("3e11fa47-71ca-11e1-9e33-c80aa9429562:1-5").WithFile("mysql-bin.000001", 1200),
			decode:   func(b []byte) (Position, error) { return BinlogPositionFromBytes(b) },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := tc.decode(tc.position.Bytes())
			require.NoError(t, err)
			assert.Equal(t, tc.position, decoded)

			cmp, err := tc.position.Compare(decoded)
			require.NoError(t, err)
			assert.Equal(t, 0, cmp)

			enveloped, err := DecodePosition(EncodePosition(tc.position))
			require.NoError(t, err)
			assert.Equal(t, tc.position, enveloped)
		})
	}
}

func TestFixedWidthEncoding(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2}, CounterPosition{Version: 258}.Bytes())
	assert.Equal(t, []byte{0, 0, 0, 1, 0, 0, 0, 0}, LSNPosition{LSN: 1 << 32}.Bytes())

	_, err := CounterPositionFromBytes([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, ErrPositionInvalid))
	_, err = LSNPositionFromBytes(nil)
	assert.True(t, errors.Is(err, ErrPositionInvalid))
}

func TestBinlogPositionJSONDistinguishesAbsentParts(t *testing.T) {
	assert.JSONEq(t, `{"gtid":""}`, string(NewGTIDPosition("").Bytes()))
	assert.JSONEq(t, `{"file":"bin.000001","pos":0}`, string(NewFilePosition("bin.000001", 0).Bytes()))

	decoded, err := BinlogPositionFromBytes([]byte(`{"file":"bin.000002","pos":77}`))
	require.NoError(t, err)
	assert.False(t, decoded.HasGTID())
	assert.True(t, decoded.HasFile())
}

func TestPositionCompare(t *testing.T) {
	testCases := []struct {
		name     string
		a, b     Position
		expected int
	}{
		{"counter less", CounterPosition{Version: 1}, CounterPosition{Version: 2}, -1},
		{"counter greater", CounterPosition{Version: 9}, CounterPosition{Version: 2}, 1},
		{"lsn equal", LSNPosition{LSN: 10}, LSNPosition{LSN: 10}, 0},
		{"lsn less", LSNPosition{LSN: 10}, LSNPosition{LSN: 11}, -1},
		{"file name first", NewFilePosition("bin.000001", 900), NewFilePosition("bin.000002", 4), -1},
		{"offset second", NewFilePosition("bin.000002", 900), NewFilePosition("bin.000002", 4), 1},
		{
			"gtid superset is later",
			NewGTIDPosition("3e11fa47-71ca-11e1-9e33-c80aa9429562:1-10"),
			NewGTIDPosition("3e11fa47-71ca-11e1-9e33-c80aa9429562:1-9"),
			1,
		},
		{
			"gtid subset is earlier",
			NewGTIDPosition("3e11fa47-71ca-11e1-9e33-c80aa9429562:1-3"),
			NewGTIDPosition("3e11fa47-71ca-11e1-9e33-c80aa9429562:1-9"),
			-1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.a.Compare(tc.b)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestPositionCompareRejectsMixedVariants(t *testing.T) {
	pairs := [][2]Position{
		{CounterPosition{Version: 1}, LSNPosition{LSN: 1}},
		{LSNPosition{LSN: 1}, NewFilePosition("bin.000001", 1)},
		{NewGTIDPosition("x:1"), CounterPosition{Version: 1}},
		{NewGTIDPosition("3e11fa47-71ca-11e1-9e33-c80aa9429562:1"), NewFilePosition("bin.000001", 1)},
		{CounterPosition{Version: 1}, nil},
	}
	for _, pair := range pairs {
		_, err := pair[0].Compare(pair[1])
		require.Error(t, err)
		assert.Equal(t, PositionInvalid, CodeOf(err))
	}
}

func TestDecodePositionRejectsUnknownKind(t *testing.T) {
	_, err := DecodePosition([]byte{42, 0, 0})
	assert.True(t, errors.Is(err, ErrPositionInvalid))

	_, err = DecodePosition(nil)
	assert.True(t, errors.Is(err, ErrPositionInvalid))
}
