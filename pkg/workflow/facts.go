package workflow

import (
	"sort"
	"strings"
)

// Fact is one ground relation instance, e.g. node-input(t1, d1).
type Fact struct {
	Pred string
	Args []string
}

func (f Fact) String() string {
	return f.Pred + "(" + strings.Join(f.Args, ", ") + ")"
}

// Facts is a set of ground facts keyed by their rendered form. The zero
// value is not usable; construct with NewFacts.
type Facts struct {
	set map[string]Fact
}

func NewFacts() Facts {
	return Facts{set: make(map[string]Fact)}
}

func (f Facts) Add(pred string, args ...string) {
	fact := Fact{Pred: pred, Args: args}
	f.set[fact.String()] = fact
}

func (f Facts) Has(pred string, args ...string) bool {
	_, ok := f.set[Fact{Pred: pred, Args: args}.String()]
	return ok
}

func (f Facts) Len() int { return len(f.set) }

// Clone returns an independent copy of the set.
func (f Facts) Clone() Facts {
	out := NewFacts()
	for k, v := range f.set {
		out.set[k] = v
	}
	return out
}

// Contains reports whether every fact in other is present in f.
func (f Facts) Contains(other Facts) bool {
	for k := range other.set {
		if _, ok := f.set[k]; !ok {
			return false
		}
	}
	return true
}

// Equal reports set equality.
func (f Facts) Equal(other Facts) bool {
	return len(f.set) == len(other.set) && f.Contains(other)
}

// Sorted returns the facts in stable lexicographic order of their rendered
// form, suitable for fingerprinting and backend encoding.
func (f Facts) Sorted() []Fact {
	keys := make([]string, 0, len(f.set))
	for k := range f.set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Fact, len(keys))
	for i, k := range keys {
		out[i] = f.set[k]
	}
	return out
}

// byPred groups the set by predicate for rule evaluation.
func (f Facts) byPred(pred string) []Fact {
	var out []Fact
	for _, fact := range f.set {
		if fact.Pred == pred {
			out = append(out, fact)
		}
	}
	return out
}
