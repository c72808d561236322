package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/formcard/model"
)

// snapshot is an immutable collection of all definitions indexed by ID.
type snapshot struct {
	cards    map[string]model.CardDefinition
	rows     map[string]model.RowDefinition
	checksum string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given files.
func NewRegistry(files []model.DefinitionFile) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given files. A later definition replaces an earlier one with the
// same id; Validate reports such duplicates.
func (r *Registry) Replace(files []model.DefinitionFile) {
	s := &snapshot{
		cards: make(map[string]model.CardDefinition),
		rows:  make(map[string]model.RowDefinition),
	}

	var checksumParts []string

	for _, f := range files {
		checksumParts = append(checksumParts, f.Checksum)
		for _, c := range f.Cards {
			s.cards[c.ID] = c
		}
		for _, row := range f.Rows {
			s.rows[row.ID] = row
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetCard returns the card definition with the given ID.
func (r *Registry) GetCard(id string) (model.CardDefinition, bool) {
	c, ok := r.current().cards[id]
	return c, ok
}

// GetRow returns the row definition with the given ID.
func (r *Registry) GetRow(id string) (model.RowDefinition, bool) {
	row, ok := r.current().rows[id]
	return row, ok
}

// AllCards returns every card definition sorted by ID.
func (r *Registry) AllCards() []model.CardDefinition {
	s := r.current()
	defs := make([]model.CardDefinition, 0, len(s.cards))
	for _, c := range s.cards {
		defs = append(defs, c)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// AllRows returns every row definition sorted by ID.
func (r *Registry) AllRows() []model.RowDefinition {
	s := r.current()
	defs := make([]model.RowDefinition, 0, len(s.rows))
	for _, row := range s.rows {
		defs = append(defs, row)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Len returns how many cards and rows are loaded.
func (r *Registry) Len() (cards, rows int) {
	s := r.current()
	return len(s.cards), len(s.rows)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
