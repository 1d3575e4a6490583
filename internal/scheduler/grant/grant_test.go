package grant

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/signalsfoundry/ran-scheduler/model"
)

func sl(n uint64) model.SlotPoint { return model.SlotPointFromCount(1, n) }

func mask(runs ...model.RBInterval) model.RBMask {
	var m model.RBMask
	for _, iv := range runs {
		m.SetInterval(iv)
	}
	return m
}

func sampleGrants(at model.SlotPoint) []model.Grant {
	coreset := model.SymbolInterval{Start: 0, Stop: 2}
	return []model.Grant{
		{Kind: model.GrantPDSCH, Slot: at, UE: 4, RNTI: 0x4605, Symbols: model.SymbolInterval{Start: 2, Stop: 14}, RBs: model.RBInterval{Start: 10, Stop: 20}, MCS: 17, Layers: 2, TBS: 1800, HARQ: 3, NDI: true, NewTx: true, Delay: 4},
		{Kind: model.GrantULControl, Slot: at, UE: 1, RNTI: 0x4602, Symbols: coreset, RBs: model.RBInterval{Start: 24, Stop: 48}, SearchSpace: 2, AggregationLevel: 4, CCE: 8, ControlRBs: mask(model.RBInterval{Start: 24, Stop: 30}, model.RBInterval{Start: 42, Stop: 48}), Delay: 4},
		{Kind: model.GrantDLControl, Slot: at, UE: 4, RNTI: 0x4605, Symbols: coreset, RBs: model.RBInterval{Start: 6, Stop: 12}, SearchSpace: 2, AggregationLevel: 2, CCE: 2, ControlRBs: mask(model.RBInterval{Start: 6, Stop: 12})},
		{Kind: model.GrantPDSCH, Slot: at, UE: 1, RNTI: 0x4602, RBs: model.RBInterval{Start: 0, Stop: 10}, TBS: 500, HARQ: 0, Retx: 1},
		{Kind: model.GrantDLControl, Slot: at, UE: 1, RNTI: 0x4602, SearchSpace: 2, AggregationLevel: 4, CCE: 12},
	}
}

func TestPublishOrdersGrants(t *testing.T) {
	rec := &Recorder{}
	p := NewPublisher(rec)
	res, err := p.Publish(0, sl(10), sampleGrants(sl(10)))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := []struct {
		kind model.GrantKind
		ue   model.UEIndex
	}{
		{model.GrantDLControl, 1},
		{model.GrantDLControl, 4},
		{model.GrantULControl, 1},
		{model.GrantPDSCH, 1},
		{model.GrantPDSCH, 4},
	}
	for i, w := range want {
		if res.Grants[i].Kind != w.kind || res.Grants[i].UE != w.ue {
			t.Fatalf("grant %d = %s ue %d, want %s ue %d", i, res.Grants[i].Kind, res.Grants[i].UE, w.kind, w.ue)
		}
	}
	if got := rec.Results(); len(got) != 1 || got[0].Digest != res.Digest {
		t.Fatalf("recorder got %d results", len(got))
	}
}

func TestPublishRejectsNonIncreasingSlots(t *testing.T) {
	p := NewPublisher()
	if _, err := p.Publish(2, sl(5), nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := p.Publish(2, sl(5), nil); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("duplicate slot error = %v, want ErrOutOfOrder", err)
	}
	if _, err := p.Publish(2, sl(4), nil); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("older slot error = %v, want ErrOutOfOrder", err)
	}
	// other cells have their own sequence
	if _, err := p.Publish(3, sl(1), nil); err != nil {
		t.Fatalf("Publish on another cell: %v", err)
	}
	p.ResetCell(2)
	if _, err := p.Publish(2, sl(1), nil); err != nil {
		t.Fatalf("Publish after reset: %v", err)
	}
}

func TestEmptyResultNotDelivered(t *testing.T) {
	rec := &Recorder{}
	p := NewPublisher(rec)
	if _, err := p.Publish(0, sl(1), nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(rec.Results()) != 0 {
		t.Fatalf("empty slot delivered")
	}
}

func TestDigestStableAcrossInputOrder(t *testing.T) {
	a := sampleGrants(sl(7))
	b := sampleGrants(sl(7))
	b[0], b[4] = b[4], b[0]

	ra, _ := NewPublisher().Publish(0, sl(7), a)
	rb, _ := NewPublisher().Publish(0, sl(7), b)
	if ra.Digest != rb.Digest {
		t.Fatalf("digests differ: %x vs %x", ra.Digest, rb.Digest)
	}
	rc, _ := NewPublisher().Publish(1, sl(7), a)
	if rc.Digest == ra.Digest {
		t.Fatalf("digest ignores the cell")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	res, _ := NewPublisher().Publish(1, sl(0), sampleGrants(sl(0)))
	got, err := Decode(Encode(res))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Cell != res.Cell || got.Slot != res.Slot || got.Digest != res.Digest || len(got.Grants) != len(res.Grants) {
		t.Fatalf("decoded header %+v, want cell %d slot %s", got, res.Cell, res.Slot)
	}
	for i := range res.Grants {
		if got.Grants[i] != res.Grants[i] {
			t.Fatalf("grant %d = %+v, want %+v", i, got.Grants[i], res.Grants[i])
		}
	}
	if _, err := Decode([]byte{0xff}); err == nil {
		t.Fatalf("Decode accepted truncated input")
	}
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	sink := NewChannelSink(1)
	p := NewPublisher(sink)
	p.Publish(0, sl(1), sampleGrants(sl(1)))
	p.Publish(0, sl(2), sampleGrants(sl(2)))
	if sink.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", sink.Dropped())
	}
	if delivered, dropped := p.Stats(); delivered != 1 || dropped != 1 {
		t.Fatalf("Stats = %d/%d, want 1/1", delivered, dropped)
	}
	if r := <-sink.C(); r.Slot != sl(1) {
		t.Fatalf("first buffered slot = %s, want %s", r.Slot, sl(1))
	}
}

func TestUnsubscribe(t *testing.T) {
	calls := 0
	p := NewPublisher()
	cancel := p.Subscribe(FuncSink(func(Result) bool { calls++; return true }))
	p.Publish(0, sl(1), sampleGrants(sl(1)))
	cancel()
	p.Publish(0, sl(2), sampleGrants(sl(2)))
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestControlResourceBlocksOnTheWire(t *testing.T) {
	g := sampleGrants(sl(3))[1]
	got, err := DecodeGrant(AppendGrant(nil, g))
	if err != nil {
		t.Fatalf("DecodeGrant: %v", err)
	}
	runs := got.ControlRBs.Runs(nil)
	if len(runs) != 2 || runs[0] != (model.RBInterval{Start: 24, Stop: 30}) || runs[1] != (model.RBInterval{Start: 42, Stop: 48}) {
		t.Fatalf("decoded control RBs %v", runs)
	}
	if got.Symbols != g.Symbols || got.RBs != got.ControlRBs.Span() {
		t.Fatalf("decoded control grant %s, want %s", got, g)
	}

	bad := protowire.AppendTag(nil, fieldCtrlRBs, protowire.BytesType)
	bad = protowire.AppendBytes(bad, protowire.AppendVarint(protowire.AppendVarint(nil, 270), 300))
	if _, err := DecodeGrant(bad); err == nil {
		t.Fatalf("DecodeGrant accepted RBs beyond the widest carrier")
	}
}
