package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/signalsfoundry/ran-scheduler/model"
)

func TestJSONRecordCarriesProcedureAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, Config{Level: "debug", Format: "json"})
	ctx, id := EnsureProcedureID(context.Background())

	log.With(Cell(2)).Info(ctx, "ue added", UE(7), Slot(model.NewSlotPoint(1, 3, 4)), Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v (%q)", err, buf.String())
	}
	if rec["procedure_id"] != id {
		t.Fatalf("procedure_id = %v, want %s", rec["procedure_id"], id)
	}
	if rec["cell"] != float64(2) || rec["ue"] != float64(7) {
		t.Fatalf("cell/ue = %v/%v, want 2/7", rec["cell"], rec["ue"])
	}
	if rec["slot"] != "3.4" {
		t.Fatalf("slot = %v, want 3.4", rec["slot"])
	}
	if rec["error"] != "boom" {
		t.Fatalf("error = %v, want boom", rec["error"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, Config{Level: "warn"})
	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestEnsureProcedureIDKeepsExisting(t *testing.T) {
	ctx := ContextWithProcedureID(context.Background(), "abc")
	ctx, id := EnsureProcedureID(ctx)
	if id != "abc" || ProcedureIDFromContext(ctx) != "abc" {
		t.Fatalf("procedure id = %q, want abc", id)
	}
}

func TestFromContextFallsBack(t *testing.T) {
	if FromContext(context.Background(), nil) == nil {
		t.Fatalf("FromContext returned nil")
	}
	l := Noop()
	ctx := ContextWithLogger(context.Background(), l)
	if FromContext(ctx, nil) != l {
		t.Fatalf("FromContext did not return stored logger")
	}
}
