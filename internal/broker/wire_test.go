package broker

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeRecord(isin, exchange string, lastPrice, prevClose float64, volume, ts int64) []byte {
	buf := make([]byte, 0, 64)
	buf = appendLenPrefixed(buf, isin)
	buf = appendLenPrefixed(buf, exchange)

	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(lastPrice))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(prevClose))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(volume))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(ts))
	buf = append(buf, tmp[:]...)

	return buf
}

func appendLenPrefixed(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func TestDecodeRecordsSingle(t *testing.T) {
	frame := encodeRecord("INE002A01018", "NSE", 2456.75, 2430.10, 150000, 1700000000)

	records, err := decodeRecords(frame)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "INE002A01018", rec.ISIN)
	assert.Equal(t, "NSE", rec.Exchange)
	assert.InDelta(t, 2456.75, rec.LastPrice, 0.0001)
	assert.InDelta(t, 2430.10, rec.PrevClose, 0.0001)
	assert.Equal(t, int64(150000), rec.Volume)
	assert.Equal(t, int64(1700000000), rec.TimestampUnix)
}

func TestDecodeRecordsBatch(t *testing.T) {
	var frame []byte
	frame = append(frame, encodeRecord("ISIN_A", "NSE", 100, 99, 10, 1)...)
	frame = append(frame, encodeRecord("ISIN_B", "BSE", 200, 198, 20, 2)...)
	frame = append(frame, encodeRecord("ISIN_C", "NSE", 300, 297, 30, 3)...)

	records, err := decodeRecords(frame)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "ISIN_A", records[0].ISIN)
	assert.Equal(t, "ISIN_B", records[1].ISIN)
	assert.Equal(t, "ISIN_C", records[2].ISIN)
}

func TestDecodeRecordsTruncatedTrailingKeepsGoodOnes(t *testing.T) {
	var frame []byte
	frame = append(frame, encodeRecord("ISIN_A", "NSE", 100, 99, 10, 1)...)
	frame = append(frame, []byte{0, 3, 'B', 'A'}...) // truncated second record

	records, err := decodeRecords(frame)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ISIN_A", records[0].ISIN)
}

func TestDecodeRecordsEmptyFrame(t *testing.T) {
	records, err := decodeRecords(nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDecodeRecordsMalformedFirstRecordErrors(t *testing.T) {
	_, err := decodeRecords([]byte{0, 5, 'a', 'b'})
	assert.Error(t, err)
}
