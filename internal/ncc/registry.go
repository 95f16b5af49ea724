package ncc

import (
	"fmt"
	"sort"

	"github.com/signalsfoundry/satmac-simulator/internal/beam"
	"github.com/signalsfoundry/satmac-simulator/internal/ctrlmsg"
	"github.com/signalsfoundry/satmac-simulator/internal/dama"
)

// Beam is what the NCC needs from a beam scheduler.
type Beam interface {
	beam.Target
	RemoveUt(ut dama.UtID)
	HasUt(ut dama.UtID) bool
	UtCrReceived(ut dama.UtID, cr dama.CapacityRequest)
	UpdateUtCno(ut dama.UtID, sample float64)
	UpdateSatelliteCno(sat uint32, sample float64)
	DeferTransfer(ut dama.UtID, dst beam.Target)
}

var _ Beam = (*beam.Scheduler)(nil)

// Registry maps (satellite, beam) to the scheduler of that beam. It is built
// by the simulation context and handed to the NCC.
type Registry struct {
	beams map[ctrlmsg.BeamID]Beam
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{beams: make(map[ctrlmsg.BeamID]Beam)}
}

// Add registers b under its own ID. Registering a beam twice is a
// configuration error.
func (r *Registry) Add(b Beam) error {
	id := b.ID()
	if _, ok := r.beams[id]; ok {
		return fmt.Errorf("%w: %s", ErrBeamExists, id)
	}
	r.beams[id] = b
	return nil
}

// Get looks a beam up.
func (r *Registry) Get(id ctrlmsg.BeamID) (Beam, bool) {
	b, ok := r.beams[id]
	return b, ok
}

// IDs lists every registered beam, ordered by satellite then beam.
func (r *Registry) IDs() []ctrlmsg.BeamID {
	ids := make([]ctrlmsg.BeamID, 0, len(r.beams))
	for id := range r.beams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Sat != ids[j].Sat {
			return ids[i].Sat < ids[j].Sat
		}
		return ids[i].Beam < ids[j].Beam
	})
	return ids
}

// Len returns the number of beams.
func (r *Registry) Len() int { return len(r.beams) }
