package broker

import (
	"encoding/binary"
	"fmt"
	"math"
)

// tickRecord is one decoded wire record: ISIN, last traded price, previous
// close, volume, and exchange timestamp. Order of records within a frame
// carries no meaning.
type tickRecord struct {
	ISIN          string
	LastPrice     float64
	PrevClose     float64
	Volume        int64
	TimestampUnix int64
	Exchange      string
}

// Wire layout, all integers big-endian:
//
//	u16 isinLen | isin bytes
//	u16 exchangeLen | exchange bytes
//	f64 lastPrice (as u64 bits)
//	f64 prevClose (as u64 bits)
//	i64 volume
//	i64 timestampUnix
//
// A frame from the broker websocket may batch several records back to back.

// decodeRecords decodes every record packed into a single frame, in wire
// order. A malformed trailing record truncates the batch rather than
// discarding records already decoded successfully.
func decodeRecords(raw []byte) ([]tickRecord, error) {
	var records []tickRecord
	buf := raw

	for len(buf) > 0 {
		rec, rest, err := decodeOne(buf)
		if err != nil {
			if len(records) > 0 {
				return records, nil
			}
			return nil, err
		}
		records = append(records, rec)
		buf = rest
	}

	return records, nil
}

func decodeOne(buf []byte) (tickRecord, []byte, error) {
	var rec tickRecord

	isin, rest, err := readLenPrefixedString(buf)
	if err != nil {
		return rec, nil, fmt.Errorf("isin: %w", err)
	}
	rec.ISIN = isin

	exchange, rest, err := readLenPrefixedString(rest)
	if err != nil {
		return rec, nil, fmt.Errorf("exchange: %w", err)
	}
	rec.Exchange = exchange

	if len(rest) < 32 {
		return rec, nil, fmt.Errorf("truncated record: need 32 bytes, have %d", len(rest))
	}

	rec.LastPrice = math.Float64frombits(binary.BigEndian.Uint64(rest[0:8]))
	rec.PrevClose = math.Float64frombits(binary.BigEndian.Uint64(rest[8:16]))
	rec.Volume = int64(binary.BigEndian.Uint64(rest[16:24]))
	rec.TimestampUnix = int64(binary.BigEndian.Uint64(rest[24:32]))

	return rec, rest[32:], nil
}

func readLenPrefixedString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("truncated length prefix")
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, fmt.Errorf("truncated string: need %d bytes, have %d", n, len(buf))
	}
	return string(buf[:n]), buf[n:], nil
}
