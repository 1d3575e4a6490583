package grant

import (
	"fmt"

	"github.com/zeebo/xxh3"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/signalsfoundry/ran-scheduler/model"
)

// Wire field numbers. The encoding is protobuf-compatible so results can be
// carried as opaque bytes over the control service.
const (
	fieldResultCell       protowire.Number = 1
	fieldResultSlot       protowire.Number = 2
	fieldResultNumerology protowire.Number = 3
	fieldResultGrant      protowire.Number = 4

	fieldKind     protowire.Number = 1
	fieldCell     protowire.Number = 2
	fieldSlot     protowire.Number = 3
	fieldUE       protowire.Number = 4
	fieldRNTI     protowire.Number = 5
	fieldSymStart protowire.Number = 6
	fieldSymStop  protowire.Number = 7
	fieldRBStart  protowire.Number = 8
	fieldRBStop   protowire.Number = 9
	fieldSS       protowire.Number = 10
	fieldAL       protowire.Number = 11
	fieldCCE      protowire.Number = 12
	fieldMCS      protowire.Number = 13
	fieldLayers   protowire.Number = 14
	fieldTBS      protowire.Number = 15
	fieldHARQ     protowire.Number = 16
	fieldNDI      protowire.Number = 17
	fieldNewTx    protowire.Number = 18
	fieldRetx     protowire.Number = 19
	fieldDelay    protowire.Number = 20
	fieldMu       protowire.Number = 21
	// fieldCtrlRBs is a packed list of [start, stop) pairs.
	fieldCtrlRBs protowire.Number = 22
)

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, 1)
}

func appendSlot(b []byte, num protowire.Number, s model.SlotPoint) []byte {
	if !s.Valid() {
		return b
	}
	// +1 keeps count 0 distinguishable from an absent slot
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(s.Count())+1)
}

func appendMask(b []byte, num protowire.Number, m model.RBMask) []byte {
	var runs [8]model.RBInterval
	list := m.Runs(runs[:0])
	if len(list) == 0 {
		return b
	}
	var packed []byte
	for _, iv := range list {
		packed = protowire.AppendVarint(packed, uint64(iv.Start))
		packed = protowire.AppendVarint(packed, uint64(iv.Stop))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func decodeMask(raw []byte) (model.RBMask, error) {
	var m model.RBMask
	for len(raw) > 0 {
		start, n := protowire.ConsumeVarint(raw)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		raw = raw[n:]
		stop, n := protowire.ConsumeVarint(raw)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		raw = raw[n:]
		if start >= stop || stop > model.MaxNofRBs {
			return m, fmt.Errorf("rb run [%d,%d) out of range", start, stop)
		}
		m.SetInterval(model.RBInterval{Start: uint16(start), Stop: uint16(stop)})
	}
	return m, nil
}

// AppendGrant appends the wire form of g to b.
func AppendGrant(b []byte, g model.Grant) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(g.Kind))
	b = appendUint(b, fieldCell, uint64(g.Cell))
	b = appendSlot(b, fieldSlot, g.Slot)
	b = appendUint(b, fieldMu, uint64(g.Slot.Numerology()))
	b = appendUint(b, fieldUE, uint64(g.UE))
	b = appendUint(b, fieldRNTI, uint64(g.RNTI))
	b = appendUint(b, fieldSymStart, uint64(g.Symbols.Start))
	b = appendUint(b, fieldSymStop, uint64(g.Symbols.Stop))
	b = appendUint(b, fieldRBStart, uint64(g.RBs.Start))
	b = appendUint(b, fieldRBStop, uint64(g.RBs.Stop))
	b = appendUint(b, fieldSS, uint64(g.SearchSpace))
	b = appendUint(b, fieldAL, uint64(g.AggregationLevel))
	b = appendUint(b, fieldCCE, uint64(g.CCE))
	b = appendMask(b, fieldCtrlRBs, g.ControlRBs)
	b = appendUint(b, fieldMCS, uint64(g.MCS))
	b = appendUint(b, fieldLayers, uint64(g.Layers))
	b = appendUint(b, fieldTBS, uint64(g.TBS))
	b = appendUint(b, fieldHARQ, uint64(g.HARQ))
	b = appendBool(b, fieldNDI, g.NDI)
	b = appendBool(b, fieldNewTx, g.NewTx)
	b = appendUint(b, fieldRetx, uint64(g.Retx))
	b = appendUint(b, fieldDelay, uint64(g.Delay))
	return b
}

// Encode returns the wire form of r. The digest is not encoded.
func Encode(r Result) []byte {
	b := make([]byte, 0, 16+len(r.Grants)*48)
	b = appendUint(b, fieldResultCell, uint64(r.Cell))
	b = appendSlot(b, fieldResultSlot, r.Slot)
	b = appendUint(b, fieldResultNumerology, uint64(r.Slot.Numerology()))
	var gb []byte
	for i := range r.Grants {
		gb = AppendGrant(gb[:0], r.Grants[i])
		b = protowire.AppendTag(b, fieldResultGrant, protowire.BytesType)
		b = protowire.AppendBytes(b, gb)
	}
	return b
}

// Digest returns the xxh3 hash of the wire form of r. Identical decisions
// yield identical digests across runs.
func Digest(r Result) uint64 { return xxh3.Hash(Encode(r)) }

type fieldVisitor func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error

func walk(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := visit(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := visit(num, typ, 0, raw); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// DecodeGrant parses one grant.
func DecodeGrant(b []byte) (model.Grant, error) {
	var g model.Grant
	var count uint64
	var numerology uint8
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		if num == fieldCtrlRBs && typ == protowire.BytesType {
			m, err := decodeMask(raw)
			g.ControlRBs = m
			return err
		}
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case fieldKind:
			g.Kind = model.GrantKind(v)
		case fieldCell:
			g.Cell = model.CellIndex(v)
		case fieldSlot:
			count = v
		case fieldMu:
			numerology = uint8(v)
		case fieldUE:
			g.UE = model.UEIndex(v)
		case fieldRNTI:
			g.RNTI = model.RNTI(v)
		case fieldSymStart:
			g.Symbols.Start = uint8(v)
		case fieldSymStop:
			g.Symbols.Stop = uint8(v)
		case fieldRBStart:
			g.RBs.Start = uint16(v)
		case fieldRBStop:
			g.RBs.Stop = uint16(v)
		case fieldSS:
			g.SearchSpace = uint8(v)
		case fieldAL:
			g.AggregationLevel = model.AggregationLevel(v)
		case fieldCCE:
			g.CCE = uint16(v)
		case fieldMCS:
			g.MCS = uint8(v)
		case fieldLayers:
			g.Layers = uint8(v)
		case fieldTBS:
			g.TBS = uint32(v)
		case fieldHARQ:
			g.HARQ = model.HARQID(v)
		case fieldNDI:
			g.NDI = v != 0
		case fieldNewTx:
			g.NewTx = v != 0
		case fieldRetx:
			g.Retx = uint8(v)
		case fieldDelay:
			g.Delay = uint8(v)
		}
		return nil
	})
	if err != nil {
		return model.Grant{}, fmt.Errorf("grant: decode: %w", err)
	}
	if count > 0 {
		g.Slot = model.SlotPointFromCount(numerology, count-1)
	}
	return g, nil
}

// Decode parses a result produced by Encode and recomputes its digest.
func Decode(b []byte) (Result, error) {
	var r Result
	var count uint64
	var numerology uint8
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case num == fieldResultCell && typ == protowire.VarintType:
			r.Cell = model.CellIndex(v)
		case num == fieldResultSlot && typ == protowire.VarintType:
			count = v
		case num == fieldResultNumerology && typ == protowire.VarintType:
			numerology = uint8(v)
		case num == fieldResultGrant && typ == protowire.BytesType:
			g, err := DecodeGrant(raw)
			if err != nil {
				return err
			}
			r.Grants = append(r.Grants, g)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("grant: decode: %w", err)
	}
	if count > 0 {
		r.Slot = model.SlotPointFromCount(numerology, count-1)
	}
	r.Digest = xxh3.Hash(b)
	return r, nil
}
