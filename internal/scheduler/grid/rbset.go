package grid

import (
	"math/bits"

	"github.com/signalsfoundry/ran-scheduler/model"
)

const rbWords = (model.MaxNofRBs + 63) / 64

// RBSet is a fixed-size bitmap over the resource blocks of one symbol.
type RBSet [rbWords]uint64

// RBSetFromInterval returns the set covering iv.
func RBSetFromInterval(iv model.RBInterval) RBSet {
	var s RBSet
	s.SetInterval(iv)
	return s
}

// Set marks rb as used.
func (s *RBSet) Set(rb uint16) { s[rb>>6] |= 1 << (rb & 63) }

// Test reports whether rb is marked.
func (s *RBSet) Test(rb uint16) bool { return s[rb>>6]&(1<<(rb&63)) != 0 }

// SetInterval marks every RB of iv.
func (s *RBSet) SetInterval(iv model.RBInterval) {
	for rb := iv.Start; rb < iv.Stop; rb++ {
		s.Set(rb)
	}
}

// Count returns the number of marked RBs.
func (s *RBSet) Count() int {
	n := 0
	for _, w := range s {
		n += bits.OnesCount64(w)
	}
	return n
}

// Empty reports whether no RB is marked.
func (s *RBSet) Empty() bool {
	for _, w := range s {
		if w != 0 {
			return false
		}
	}
	return true
}

// Intersects reports whether s and o share any RB.
func (s *RBSet) Intersects(o *RBSet) bool {
	for i := range s {
		if s[i]&o[i] != 0 {
			return true
		}
	}
	return false
}

func (s *RBSet) or(o *RBSet) {
	for i := range s {
		s[i] |= o[i]
	}
}

func (s *RBSet) andNot(o *RBSet) {
	for i := range s {
		s[i] &^= o[i]
	}
}

// Max returns one past the highest marked RB, or 0 for an empty set.
func (s *RBSet) Max() uint16 {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != 0 {
			return uint16(i*64 + 64 - bits.LeadingZeros64(s[i]))
		}
	}
	return 0
}
