package model

import "fmt"

// GrantKind orders grants inside a slot result: control before data.
type GrantKind uint8

const (
	GrantDLControl GrantKind = iota
	GrantULControl
	GrantPDSCH
	GrantPUSCH
)

func (k GrantKind) String() string {
	switch k {
	case GrantDLControl:
		return "pdcch_dl"
	case GrantULControl:
		return "pdcch_ul"
	case GrantPDSCH:
		return "pdsch"
	case GrantPUSCH:
		return "pusch"
	default:
		return fmt.Sprintf("grant_kind(%d)", uint8(k))
	}
}

// Direction returns the data direction a grant belongs to.
func (k GrantKind) Direction() Direction {
	if k == GrantULControl || k == GrantPUSCH {
		return Uplink
	}
	return Downlink
}

// Grant is one immutable scheduling decision. Control grants carry the
// PDCCH placement; data grants carry the transport block description. Both
// carry their symbols; RBs of a control grant is the span of ControlRBs.
type Grant struct {
	Kind GrantKind
	Cell CellIndex
	// Slot is the slot in which the grant is transmitted over the air.
	Slot SlotPoint
	UE   UEIndex
	RNTI RNTI

	Symbols SymbolInterval
	RBs     RBInterval

	// Control placement.
	SearchSpace      uint8
	AggregationLevel AggregationLevel
	CCE              uint16
	ControlRBs       RBMask

	// Data description.
	MCS    uint8
	Layers uint8
	TBS    uint32 // bytes
	HARQ   HARQID
	NDI    bool
	NewTx  bool
	Retx   uint8
	// Delay is K1 for PDSCH (HARQ-ACK) and K2 for UL control (PUSCH).
	Delay uint8
}

func (g Grant) String() string {
	switch g.Kind {
	case GrantDLControl, GrantULControl:
		return fmt.Sprintf("%s cell=%d slot=%s ue=%d rnti=%#x sym=%s rb=%s ss=%d al=%d cce=%d",
			g.Kind, g.Cell, g.Slot, g.UE, g.RNTI, g.Symbols, g.ControlRBs.Runs(nil), g.SearchSpace, g.AggregationLevel, g.CCE)
	default:
		return fmt.Sprintf("%s cell=%d slot=%s ue=%d rnti=%#x sym=%s rb=%s mcs=%d layers=%d tbs=%d harq=%d newtx=%t retx=%d",
			g.Kind, g.Cell, g.Slot, g.UE, g.RNTI, g.Symbols, g.RBs, g.MCS, g.Layers, g.TBS, g.HARQ, g.NewTx, g.Retx)
	}
}
