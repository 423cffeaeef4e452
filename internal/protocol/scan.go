package protocol

import "bottlesync/internal/domain"

// Result is the outcome of scanning one buffer.
type Result struct {
	Records []domain.DrinkRecord
	// Skipped counts candidate slices that failed to decode.
	Skipped int
}

// ScanFramed extracts records from a "PT" packet: fixed 13-byte strides from
// offset 6 until fewer than 13 bytes remain. A stride that fails to decode is
// skipped without resynchronising.
func ScanFramed(buf []byte) Result {
	var res Result
	if len(buf) < HeaderSize || Classify(buf) != PacketDrinkHistory {
		return res
	}
	for off := HeaderSize; off+RecordSize <= len(buf); off += RecordSize {
		r, ok := DecodeRecord(buf[off : off+RecordSize])
		if !ok {
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, r)
	}
	return res
}

// ScanResync walks a header-less buffer byte by byte after a 2-byte prefix,
// decoding a record wherever the tag byte starts a full 13-byte slice.
func ScanResync(buf []byte) Result {
	var res Result
	for off := resyncPrefix; off < len(buf); {
		if buf[off] != RecordTag {
			off++
			continue
		}
		if off+RecordSize > len(buf) {
			res.Skipped++
			off++
			continue
		}
		r, ok := DecodeRecord(buf[off : off+RecordSize])
		if !ok {
			res.Skipped++
			off++
			continue
		}
		res.Records = append(res.Records, r)
		off += RecordSize
	}
	return res
}

// Scan picks a strategy from the packet header. Status and ack packets carry
// no records. Drink packets are read framed and fall back to the
// resynchronising scan when framing yields nothing; anything else is scanned
// with resynchronisation.
func Scan(buf []byte) Result {
	switch Classify(buf) {
	case PacketStatus, PacketAck:
		return Result{}
	case PacketDrinkHistory:
		if res := ScanFramed(buf); len(res.Records) > 0 {
			return res
		}
	}
	return ScanResync(buf)
}

// ScanAll scans every packet in arrival order and concatenates the results.
func ScanAll(packets [][]byte) Result {
	var out Result
	for _, p := range packets {
		res := Scan(p)
		out.Records = append(out.Records, res.Records...)
		out.Skipped += res.Skipped
	}
	return out
}
