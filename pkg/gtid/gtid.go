package gtid

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// EncodedSize is the fixed on-disk/wire size of a GTID:
// 8 bytes generation followed by 8 bytes sequence, big endian.
const EncodedSize = 16

// GTID identifies one replicated write transaction. Gen is bumped on
// every promotion to primary so that ids minted under different primaries
// never collide; Seq restarts at 0 under each new Gen. Total order is
// lexicographic on (Gen, Seq).
type GTID struct {
	Gen uint64
	Seq uint64
}

func New(gen, seq uint64) GTID {
	return GTID{Gen: gen, Seq: seq}
}

func Compare(a, b GTID) int {
	if a.Gen != b.Gen {
		if a.Gen < b.Gen {
			return -1
		}
		return 1
	}
	if a.Seq == b.Seq {
		return 0
	}
	if a.Seq < b.Seq {
		return -1
	}
	return 1
}

// Next returns the id following this one under the same generation.
func (id GTID) Next() GTID {
	return GTID{Gen: id.Gen, Seq: id.Seq + 1}
}

// NextGen returns the first id of the following generation.
func (id GTID) NextGen() GTID {
	return GTID{Gen: id.Gen + 1, Seq: 0}
}

func (id GTID) IsZero() bool {
	return id.Gen == 0 && id.Seq == 0
}

func (id GTID) String() string {
	return fmt.Sprintf("(%d,%d)", id.Gen, id.Seq)
}

func (id GTID) WriteTo(w io.Writer) (err error) {
	if err = binary.Write(w, binary.BigEndian, id.Gen); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, id.Seq); err != nil {
		return
	}
	return
}

func (id *GTID) ReadFrom(r io.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &id.Gen); err != nil {
		return
	}
	if err = binary.Read(r, binary.BigEndian, &id.Seq); err != nil {
		return
	}
	return
}

func (id GTID) Marshal() (buf []byte, err error) {
	var bbuf bytes.Buffer
	if err = id.WriteTo(&bbuf); err != nil {
		return
	}
	buf = bbuf.Bytes()
	return
}

func (id *GTID) Unmarshal(buf []byte) error {
	bbuf := bytes.NewBuffer(buf)
	return id.ReadFrom(bbuf)
}

// Encode writes the fixed 16-byte layout into buf.
func (id GTID) Encode(buf []byte) {
	binary.BigEndian.PutUint64(buf, id.Gen)
	binary.BigEndian.PutUint64(buf[8:], id.Seq)
}

// Decode reads a GTID back from its fixed 16-byte layout.
func Decode(buf []byte) GTID {
	return GTID{
		Gen: binary.BigEndian.Uint64(buf),
		Seq: binary.BigEndian.Uint64(buf[8:]),
	}
}
