package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Snowflake ids are 63-bit sortable integers: 41 bits of milliseconds since
// the 2022-01-01 epoch, 19 random bits, and a 3-bit type tag.
const snowflakeEpochMs int64 = 1640995200000

type IDKind uint8

const (
	KindPost IDKind = iota
	KindInteraction
	KindIdentity
	KindReport
	KindFollow
	KindTimelineEvent
	KindFanOut
	KindInboxMessage
)

// NewID mints a fresh snowflake for the given entity kind.
func NewID(kind IDKind) int64 {
	return idAt(time.Now(), kind)
}

func idAt(t time.Time, kind IDKind) int64 {
	ms := t.UnixMilli() - snowflakeEpochMs
	if ms < 0 {
		ms = 0
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	random := int64(binary.BigEndian.Uint32(buf[:])) & 0x7FFFF // 19 bits

	return (ms&0x1FFFFFFFFFF)<<22 | random<<3 | int64(kind)
}

// IDTime recovers the mint time embedded in a snowflake.
func IDTime(id int64) time.Time {
	ms := (id >> 22) & 0x1FFFFFFFFFF
	return time.UnixMilli(ms + snowflakeEpochMs).UTC()
}

// KindOf recovers the type tag of a snowflake.
func KindOf(id int64) IDKind {
	return IDKind(id & 0x7)
}
