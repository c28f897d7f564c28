package lotid

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"github.com/howeyc/crc16"
)

// LotID identifies a cost lot inside its (owner, item) partition.
type LotID struct {
	ClaimedAt time.Time
	Partition uint32
	Seq       uint16
}

// New builds an id for a lot of ownerID/itemID claimed at claimedAt.
func New(ownerID, itemID string, claimedAt time.Time, seq uint16) LotID {
	return LotID{
		ClaimedAt: claimedAt.UTC().Truncate(time.Millisecond),
		Partition: PartitionHash(ownerID, itemID),
		Seq:       seq,
	}
}

// PartitionHash is a crc32 over the partition key.
func PartitionHash(ownerID, itemID string) uint32 {
	return crc32.ChecksumIEEE([]byte(ownerID + "/" + itemID))
}

func (id LotID) String() string {
	return id.Hex()
}

func (id LotID) Hex() string {
	return "0x" + hex.EncodeToString(id.Bytes())
}

// Bytes returns the 16 byte big endian encoding:
// 8 bytes claim time in unix milliseconds,
// 4 bytes partition hash,
// 2 bytes sequence,
// 2 bytes crc16 of the preceding bytes.
func (id LotID) Bytes() []byte {
	out := make([]byte, 0, 16)
	out = binary.BigEndian.AppendUint64(out, uint64(id.ClaimedAt.UnixMilli()))
	out = binary.BigEndian.AppendUint32(out, id.Partition)
	out = binary.BigEndian.AppendUint16(out, id.Seq)
	out = binary.BigEndian.AppendUint16(out, crc16.Checksum(out, crc16.IBMTable))
	return out
}

var (
	ErrLength   = errors.New("lotid: encoded id must be 16 bytes")
	ErrChecksum = errors.New("lotid: checksum does not match")
)

// FromBytes decodes and verifies a 16 byte id.
func FromBytes(v []byte) (LotID, error) {
	if len(v) != 16 {
		return LotID{}, ErrLength
	}
	if crc16.Checksum(v[0:14], crc16.IBMTable) != binary.BigEndian.Uint16(v[14:16]) {
		return LotID{}, ErrChecksum
	}
	return LotID{
		ClaimedAt: time.UnixMilli(int64(binary.BigEndian.Uint64(v[0:8]))).UTC(),
		Partition: binary.BigEndian.Uint32(v[8:12]),
		Seq:       binary.BigEndian.Uint16(v[12:14]),
	}, nil
}

// FromHexString accepts the form produced by Hex, with or without 0x.
func FromHexString(s string) (LotID, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return LotID{}, fmt.Errorf("lotid: decode %q: %w", s, err)
	}
	return FromBytes(b)
}

// BelongsTo reports whether the id was issued for ownerID/itemID.
func (id LotID) BelongsTo(ownerID, itemID string) bool {
	return id.Partition == PartitionHash(ownerID, itemID)
}
