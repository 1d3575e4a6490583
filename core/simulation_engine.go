package core

import (
	"context"

	"github.com/signalsfoundry/ran-scheduler/internal/runtime"
	"github.com/signalsfoundry/ran-scheduler/model"
)

// SimulationEngine steps an accelerated runtime with an emulated radio
// attached.
type SimulationEngine struct {
	Runtime  *runtime.Runtime
	Emulator *Emulator

	tickListeners []func(model.SlotPoint)
	detach        func()
}

// NewSimulationEngine attaches em to rt: em sees every slot boundary before
// the cells and receives every published result. It must be called before
// rt.Start.
func NewSimulationEngine(rt *runtime.Runtime, em *Emulator) *SimulationEngine {
	rt.Clock.AddListener(em.OnSlot)
	return &SimulationEngine{
		Runtime:  rt,
		Emulator: em,
		detach:   rt.Publisher.Subscribe(em),
	}
}

// RegisterTickListener adds fn, called after every completed slot.
func (se *SimulationEngine) RegisterTickListener(fn func(model.SlotPoint)) {
	se.tickListeners = append(se.tickListeners, fn)
}

// Run advances ticks slots, or until ctx is done when ticks is 0.
func (se *SimulationEngine) Run(ctx context.Context, ticks uint64) error {
	for tick := uint64(0); ticks == 0 || tick < ticks; tick++ {
		sl, err := se.Runtime.Step(ctx)
		if err != nil {
			return err
		}
		for _, fn := range se.tickListeners {
			fn(sl)
		}
	}
	return nil
}

// Close stops delivering results to the emulator.
func (se *SimulationEngine) Close() {
	if se.detach != nil {
		se.detach()
		se.detach = nil
	}
}
