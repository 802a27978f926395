package histdb

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/histdb/abi"
)

// BlockPointer identifies a block by number and id.
type BlockPointer struct {
	Num uint32          `msgpack:"n"`
	ID  abi.Checksum256 `msgpack:"id"`
}

func (p BlockPointer) String() string {
	if p.Num == 0 {
		return "none"
	}
	return fmt.Sprintf("%d:%x", p.Num, p.ID[:4])
}

// FillStatus is the ingestion progress persisted alongside the data.
//
// Head is the last block applied, Irreversible the last irreversible block
// known when it was applied (never above Head), and First the lowest block
// for which "as of" queries are still answerable after trimming.
type FillStatus struct {
	Head         BlockPointer `msgpack:"head"`
	Irreversible BlockPointer `msgpack:"irr"`
	First        uint32       `msgpack:"first"`
}

func (s FillStatus) String() string {
	return fmt.Sprintf("head=%v irr=%v first=%d", s.Head, s.Irreversible, s.First)
}

// advance records a newly applied block.
func (s *FillStatus) advance(head, irreversible BlockPointer) {
	s.Head = head
	s.Irreversible = irreversible
	if s.Irreversible.Num > s.Head.Num {
		s.Irreversible = s.Head
	}
	if s.First == 0 || s.Head.Num < s.First {
		s.First = s.Head.Num
	}
}

func encodeMsgpack(v any) []byte {
	return must(msgpack.Marshal(v))
}

func decodeMsgpack(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return dataErrf(data, 0, err, "invalid %T", v)
	}
	return nil
}

type getter interface {
	Get(key []byte) []byte
}

func loadFillStatus(g getter) (FillStatus, error) {
	var st FillStatus
	data := g.Get(metaKey(metaFillStatus))
	if data == nil {
		return st, nil
	}
	return st, decodeMsgpack(data, &st)
}

func loadBlockPointer(g getter, block uint32) (BlockPointer, bool, error) {
	data := g.Get(recvdBlockKey(block))
	if data == nil {
		return BlockPointer{}, false, nil
	}
	var bp BlockPointer
	if err := decodeMsgpack(data, &bp); err != nil {
		return bp, false, err
	}
	return bp, true, nil
}

func loadABI(g getter) []byte {
	return g.Get(metaKey(metaABI))
}
