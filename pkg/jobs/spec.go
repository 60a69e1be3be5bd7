package jobs

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/companion-lens/core/pkg/utils"
)

// MinPeriod is the shortest period accepted for a periodic job
const MinPeriod = 15 * time.Minute

// Precondition is an environmental condition that must hold for a trigger to fire
type Precondition int

const (
	RequiresCharging Precondition = iota + 1
	RequiresIdle
)

func (p Precondition) String() string {
	switch p {
	case RequiresCharging:
		return "charging"
	case RequiresIdle:
		return "idle"
	default:
		return "unknown(" + strconv.Itoa(int(p)) + ")"
	}
}

// ParsePrecondition maps the persisted name back to a Precondition
func ParsePrecondition(name string) (Precondition, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "charging":
		return RequiresCharging, true
	case "idle":
		return RequiresIdle, true
	}
	return 0, false
}

// PreconditionSet is an immutable, ordered set of preconditions
type PreconditionSet struct {
	items []Precondition
}

// NewPreconditionSet builds a set, dropping duplicates
func NewPreconditionSet(ps ...Precondition) PreconditionSet {
	seen := make(map[Precondition]bool, len(ps))
	items := make([]Precondition, 0, len(ps))
	for _, p := range ps {
		if seen[p] {
			continue
		}
		seen[p] = true
		items = append(items, p)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return PreconditionSet{items: items}
}

// Has reports whether p is in the set
func (s PreconditionSet) Has(p Precondition) bool {
	for _, item := range s.items {
		if item == p {
			return true
		}
	}
	return false
}

// Items returns a copy of the preconditions in ascending order
func (s PreconditionSet) Items() []Precondition {
	return append([]Precondition(nil), s.items...)
}

func (s PreconditionSet) Len() int {
	return len(s.items)
}

// Covers reports whether every precondition of s is present in other
func (s PreconditionSet) Covers(other PreconditionSet) bool {
	for _, p := range s.items {
		if !other.Has(p) {
			return false
		}
	}
	return true
}

func (s PreconditionSet) Equal(other PreconditionSet) bool {
	if len(s.items) != len(other.items) {
		return false
	}
	for i := range s.items {
		if s.items[i] != other.items[i] {
			return false
		}
	}
	return true
}

// String renders the set as a comma separated list, e.g. "charging,idle"
func (s PreconditionSet) String() string {
	names := make([]string, 0, len(s.items))
	for _, p := range s.items {
		names = append(names, p.String())
	}
	return strings.Join(names, ",")
}

// ParsePreconditionSet is the inverse of PreconditionSet.String
func ParsePreconditionSet(value string) (PreconditionSet, error) {
	if strings.TrimSpace(value) == "" {
		return NewPreconditionSet(), nil
	}
	var ps []Precondition
	for _, name := range strings.Split(value, ",") {
		p, ok := ParsePrecondition(name)
		if !ok {
			return PreconditionSet{}, newInvalidSpecf("unknown precondition %q", name)
		}
		ps = append(ps, p)
	}
	return NewPreconditionSet(ps...), nil
}

// JobSpec identifies a periodic job and the conditions it runs under.
// It is a value type; once registered it is never mutated.
type JobSpec struct {
	Namespace     string
	ID            int
	Period        time.Duration
	Preconditions PreconditionSet
}

// Key uniquely identifies the job within the trigger facility
func (s JobSpec) Key() string {
	return utils.NormalizeNamespace(s.Namespace) + "/" + strconv.Itoa(s.ID)
}

// Equal reports whether two specs carry identical registration parameters
func (s JobSpec) Equal(other JobSpec) bool {
	return s.Key() == other.Key() &&
		s.Period == other.Period &&
		s.Preconditions.Equal(other.Preconditions)
}

// Validate checks the spec against the periodic job rules
func (s JobSpec) Validate() error {
	return s.ValidateWithMin(MinPeriod)
}

// ValidateWithMin validates the spec with a custom minimum period.
// The period must always be positive.
func (s JobSpec) ValidateWithMin(minPeriod time.Duration) error {
	if utils.NormalizeNamespace(s.Namespace) == "" {
		return newInvalidSpecf("namespace is required")
	}
	if s.ID < 0 {
		return newInvalidSpecf("job id must not be negative, got %d", s.ID)
	}
	if s.Period <= 0 || s.Period < minPeriod {
		return newInvalidSpecf("period %s is shorter than the minimum %s", s.Period, minPeriod)
	}
	return nil
}
