package cascade

import (
	"fmt"
	"strings"

	"github.com/conduit-lang/cascade/internal/orm/draft"
	"github.com/conduit-lang/cascade/internal/orm/meta"
)

// Action is what the executor does for a node
type Action int

const (
	// Insert writes a new row
	Insert Action = iota
	// UpsertByKey locates the row by natural key, then updates or inserts
	UpsertByKey
	// UpsertByID locates the row by identifier, then updates or inserts
	UpsertByID
	// Attach ensures an association exists without touching the target row
	Attach
	// Detach removes an association
	Detach
)

// String returns the string representation of the action
func (a Action) String() string {
	switch a {
	case Insert:
		return "INSERT"
	case UpsertByKey:
		return "UPSERT_BY_KEY"
	case UpsertByID:
		return "UPSERT_BY_ID"
	case Attach:
		return "ATTACH"
	case Detach:
		return "DETACH"
	default:
		return "UNKNOWN"
	}
}

// IsRow reports whether the action writes the draft's own row
func (a Action) IsRow() bool {
	return a == Insert || a == UpsertByKey || a == UpsertByID
}

// Link locates the join table of an association, oriented from the parent
type Link struct {
	Table        string
	OwnerColumn  string
	TargetColumn string
}

// ForeignKey locates the child column referencing the parent row
type ForeignKey struct {
	Table        string
	Column       string
	Nullable     bool
	OnDissociate meta.DissociateAction
	Child        *meta.Type
}

// Node is one step of a save plan
type Node struct {
	Index  int
	Action Action
	Type   *meta.Type
	Table  string
	Draft  *draft.Draft

	// Parent and Prop identify the association the node was reached through
	Parent *draft.Draft
	Prop   *meta.Property

	// Link is set for join table attach and detach nodes
	Link *Link
	// ForeignKey is set when the child row stores the parent's identifier
	ForeignKey *ForeignKey

	// Alias is the first draft planned for the same identity; the executor
	// copies its identifier
	Alias *draft.Draft
	// All detaches every stored member of Prop
	All bool
}

func (n *Node) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s", n.Index, n.Action, n.Type.ShortName())
	if n.Prop != nil {
		fmt.Fprintf(&b, " via %s", n.Prop)
	}
	switch {
	case n.All:
		b.WriteString(" (all)")
	case n.Draft != nil:
		if id, ok := n.Draft.ID(); ok {
			fmt.Fprintf(&b, " id=%v", id)
		}
	}
	return b.String()
}
