package protocol

import (
	"github.com/google/uuid"

	"bottlesync/internal/domain"
)

// DecodeRecord decodes a drink record from the first 13 bytes of b. It fails
// when b is too short or does not start with the record tag. Field values are
// copied verbatim; calendar validity is checked later by Timestamp.
func DecodeRecord(b []byte) (domain.DrinkRecord, bool) {
	if len(b) < RecordSize || b[0] != RecordTag {
		return domain.DrinkRecord{}, false
	}
	r := domain.DrinkRecord{
		ID:       uuid.NewString(),
		Month:    b[1],
		Day:      b[2],
		Hour:     b[3],
		Minute:   b[4],
		Second:   b[5],
		VolumeML: b[7],
	}
	copy(r.Trailer[:], b[8:RecordSize])
	return r, true
}
