package sequence

import (
	"driply/models"
	"driply/store"
)

// Registry is the read-mostly lookup over admin-authored sequence
// definitions. The engine reads definitions fresh from it on every pass, so
// edits apply to future scheduling only and never move dispatched sends.
type Registry struct {
	Store *store.Store
}

func NewRegistry(st *store.Store) *Registry {
	return &Registry{Store: st}
}

// ListActiveSequencesFor returns every active sequence whose target source
// filter matches the tag. No matching campaign is a normal outcome: the
// result is an empty slice, never an error.
func (r *Registry) ListActiveSequencesFor(sourceTag string) ([]models.Sequence, error) {
	return r.Store.ListActiveSequencesForSource(sourceTag)
}

func (r *Registry) Get(id uint) (*models.Sequence, error) {
	return r.Store.GetSequence(id)
}

func (r *Registry) List() ([]models.Sequence, error) {
	return r.Store.ListSequences()
}

// Create validates the step invariants before persisting a definition.
func (r *Registry) Create(seq *models.Sequence) error {
	if err := seq.ValidateSteps(); err != nil {
		return err
	}
	return r.Store.CreateSequence(seq)
}
