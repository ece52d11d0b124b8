package txn

import (
	"bytes"
	"encoding/binary"
	"io"

	"repldb/pkg/collection"
	"repldb/pkg/common"
	"repldb/pkg/gtid"
)

const (
	CmdInsert int16 = iota
	CmdCappedInsert
	CmdUpdate
	CmdDelete
	CmdComment
	CmdRecord
)

// OpCmd is one replicated operation inside an oplog record.
type OpCmd interface {
	WriteTo(io.Writer) error
	ReadFrom(io.Reader) error
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
	GetType() int16
}

type BaseCmd struct{}

type InsertCmd struct {
	BaseCmd
	Capped bool
	NS     string
	Key    collection.Key
	Doc    collection.Doc
}

type UpdateCmd struct {
	BaseCmd
	NS     string
	Key    collection.Key
	OldDoc collection.Doc
	NewDoc collection.Doc
}

type DeleteCmd struct {
	BaseCmd
	NS  string
	Key collection.Key
	Doc collection.Doc
}

type CommentCmd struct {
	BaseCmd
	Note []byte
}

// RecordCmd is the full oplog record of one transaction: its id plus the
// operations it performed, in order.
type RecordCmd struct {
	BaseCmd
	ID   gtid.GTID
	Cmds []OpCmd
}

func NewRecordCmd(id gtid.GTID, cmds []OpCmd) *RecordCmd {
	return &RecordCmd{ID: id, Cmds: cmds}
}

func (e *InsertCmd) GetType() int16 {
	if e.Capped {
		return CmdCappedInsert
	}
	return CmdInsert
}

func (e *InsertCmd) WriteTo(w io.Writer) (err error) {
	if err = binary.Write(w, binary.BigEndian, e.GetType()); err != nil {
		return
	}
	if _, err = common.WriteString(e.NS, w); err != nil {
		return
	}
	if _, err = common.WriteBytes(e.Key, w); err != nil {
		return
	}
	_, err = common.WriteBytes(e.Doc, w)
	return
}

func (e *InsertCmd) ReadFrom(r io.Reader) (err error) {
	if e.NS, _, err = common.ReadString(r); err != nil {
		return
	}
	var buf []byte
	if buf, _, err = common.ReadBytes(r); err != nil {
		return
	}
	e.Key = buf
	if buf, _, err = common.ReadBytes(r); err != nil {
		return
	}
	e.Doc = buf
	return
}

func (e *InsertCmd) Marshal() ([]byte, error)   { return marshalCmd(e) }
func (e *InsertCmd) Unmarshal(buf []byte) error { return unmarshalCmd(e, buf) }

func (e *UpdateCmd) GetType() int16 { return CmdUpdate }

func (e *UpdateCmd) WriteTo(w io.Writer) (err error) {
	if err = binary.Write(w, binary.BigEndian, e.GetType()); err != nil {
		return
	}
	if _, err = common.WriteString(e.NS, w); err != nil {
		return
	}
	if _, err = common.WriteBytes(e.Key, w); err != nil {
		return
	}
	if _, err = common.WriteBytes(e.OldDoc, w); err != nil {
		return
	}
	_, err = common.WriteBytes(e.NewDoc, w)
	return
}

func (e *UpdateCmd) ReadFrom(r io.Reader) (err error) {
	if e.NS, _, err = common.ReadString(r); err != nil {
		return
	}
	var buf []byte
	if buf, _, err = common.ReadBytes(r); err != nil {
		return
	}
	e.Key = buf
	if buf, _, err = common.ReadBytes(r); err != nil {
		return
	}
	e.OldDoc = buf
	if buf, _, err = common.ReadBytes(r); err != nil {
		return
	}
	e.NewDoc = buf
	return
}

func (e *UpdateCmd) Marshal() ([]byte, error)   { return marshalCmd(e) }
func (e *UpdateCmd) Unmarshal(buf []byte) error { return unmarshalCmd(e, buf) }

func (e *DeleteCmd) GetType() int16 { return CmdDelete }

func (e *DeleteCmd) WriteTo(w io.Writer) (err error) {
	if err = binary.Write(w, binary.BigEndian, e.GetType()); err != nil {
		return
	}
	if _, err = common.WriteString(e.NS, w); err != nil {
		return
	}
	if _, err = common.WriteBytes(e.Key, w); err != nil {
		return
	}
	_, err = common.WriteBytes(e.Doc, w)
	return
}

func (e *DeleteCmd) ReadFrom(r io.Reader) (err error) {
	if e.NS, _, err = common.ReadString(r); err != nil {
		return
	}
	var buf []byte
	if buf, _, err = common.ReadBytes(r); err != nil {
		return
	}
	e.Key = buf
	if buf, _, err = common.ReadBytes(r); err != nil {
		return
	}
	e.Doc = buf
	return
}

func (e *DeleteCmd) Marshal() ([]byte, error)   { return marshalCmd(e) }
func (e *DeleteCmd) Unmarshal(buf []byte) error { return unmarshalCmd(e, buf) }

func (e *CommentCmd) GetType() int16 { return CmdComment }

func (e *CommentCmd) WriteTo(w io.Writer) (err error) {
	if err = binary.Write(w, binary.BigEndian, e.GetType()); err != nil {
		return
	}
	_, err = common.WriteBytes(e.Note, w)
	return
}

func (e *CommentCmd) ReadFrom(r io.Reader) (err error) {
	e.Note, _, err = common.ReadBytes(r)
	return
}

func (e *CommentCmd) Marshal() ([]byte, error)   { return marshalCmd(e) }
func (e *CommentCmd) Unmarshal(buf []byte) error { return unmarshalCmd(e, buf) }

func (e *RecordCmd) GetType() int16 { return CmdRecord }

func (e *RecordCmd) WriteTo(w io.Writer) (err error) {
	if err = binary.Write(w, binary.BigEndian, e.GetType()); err != nil {
		return
	}
	if err = e.ID.WriteTo(w); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, uint32(len(e.Cmds))); err != nil {
		return
	}
	for _, cmd := range e.Cmds {
		if err = cmd.WriteTo(w); err != nil {
			return
		}
	}
	return
}

func (e *RecordCmd) ReadFrom(r io.Reader) (err error) {
	if err = e.ID.ReadFrom(r); err != nil {
		return
	}
	var cnt uint32
	if err = binary.Read(r, binary.BigEndian, &cnt); err != nil {
		return
	}
	e.Cmds = make([]OpCmd, cnt)
	for i := 0; i < int(cnt); i++ {
		if e.Cmds[i], err = BuildCommandFrom(r); err != nil {
			return
		}
	}
	return
}

func (e *RecordCmd) Marshal() ([]byte, error)   { return marshalCmd(e) }
func (e *RecordCmd) Unmarshal(buf []byte) error { return unmarshalCmd(e, buf) }

// BuildCommandFrom reads back any command written with WriteTo.
func BuildCommandFrom(r io.Reader) (cmd OpCmd, err error) {
	var typ int16
	if err = binary.Read(r, binary.BigEndian, &typ); err != nil {
		return
	}
	switch typ {
	case CmdInsert:
		cmd = &InsertCmd{}
	case CmdCappedInsert:
		cmd = &InsertCmd{Capped: true}
	case CmdUpdate:
		cmd = &UpdateCmd{}
	case CmdDelete:
		cmd = &DeleteCmd{}
	case CmdComment:
		cmd = &CommentCmd{}
	case CmdRecord:
		cmd = &RecordCmd{}
	default:
		return nil, ErrUnknownCommand
	}
	err = cmd.ReadFrom(r)
	return
}

func marshalCmd(cmd OpCmd) (buf []byte, err error) {
	var bbuf bytes.Buffer
	if err = cmd.WriteTo(&bbuf); err != nil {
		return
	}
	buf = bbuf.Bytes()
	return
}

func unmarshalCmd(cmd OpCmd, buf []byte) (err error) {
	bbuf := bytes.NewBuffer(buf)
	var typ int16
	if err = binary.Read(bbuf, binary.BigEndian, &typ); err != nil {
		return
	}
	return cmd.ReadFrom(bbuf)
}
