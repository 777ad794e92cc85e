package save

import (
	"github.com/conduit-lang/cascade/internal/orm/cascade"
	"github.com/conduit-lang/cascade/internal/orm/draft"
)

// Classification is what a save did to one node
type Classification int

const (
	Unchanged Classification = iota
	Inserted
	Updated
	Attached
	Detached
)

// String returns the string representation of the classification
func (c Classification) String() string {
	switch c {
	case Inserted:
		return "INSERTED"
	case Updated:
		return "UPDATED"
	case Attached:
		return "ATTACHED"
	case Detached:
		return "DETACHED"
	default:
		return "UNCHANGED"
	}
}

// StatementKind is the SQL verb of a logged statement
type StatementKind string

const (
	InsertStatement StatementKind = "INSERT"
	UpdateStatement StatementKind = "UPDATE"
	DeleteStatement StatementKind = "DELETE"
)

// Statement is one executed mutation. Failed statements are logged too.
type Statement struct {
	// Index is the position in the statement log
	Index int
	// Node is the index of the plan node that issued the statement
	Node         int
	Table        string
	Kind         StatementKind
	SQL          string
	Columns      []string
	Args         []interface{}
	RowsAffected int64
	Err          error
}

// Outcome classifies one plan node
type Outcome struct {
	Node           *cascade.Node
	Classification Classification
}

// Result is the outcome of saving one root draft
type Result struct {
	Root       *draft.Draft
	RootID     interface{}
	Statements []*Statement
	Outcomes   []Outcome
	// Err is the failure of this root in a partial success batch
	Err error

	ids      map[*draft.Draft]interface{}
	versions map[*draft.Draft]interface{}
}

func newResult(root *draft.Draft) *Result {
	return &Result{
		Root:     root,
		ids:      make(map[*draft.Draft]interface{}),
		versions: make(map[*draft.Draft]interface{}),
	}
}

// Outcome returns the first classification recorded for d. Link nodes of a
// draft that also has a row node report the row classification.
func (r *Result) Outcome(d *draft.Draft) (Classification, bool) {
	for _, o := range r.Outcomes {
		if o.Node.Draft == d {
			return o.Classification, true
		}
	}
	return Unchanged, false
}

// Count returns how many nodes have classification c
func (r *Result) Count(c Classification) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Classification == c {
			n++
		}
	}
	return n
}

// ID returns the identifier resolved for d during the save
func (r *Result) ID(d *draft.Draft) (interface{}, bool) {
	if id, ok := r.ids[d]; ok {
		return id, true
	}
	return d.ID()
}

// Apply writes resolved identifiers and versions back onto the drafts. The
// client calls it once the transaction is committed.
func (r *Result) Apply() {
	for d, id := range r.ids {
		if _, ok := d.ID(); !ok {
			d.SetID(id)
		}
	}
	for d, v := range r.versions {
		d.Set(d.Type().Version().Name, v)
	}
}

func (r *Result) record(n *cascade.Node, c Classification) {
	r.Outcomes = append(r.Outcomes, Outcome{Node: n, Classification: c})
}
