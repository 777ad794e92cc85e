package meta

import (
	"fmt"
	"strings"

	strutil "github.com/conduit-lang/cascade/internal/util/strings"
)

// NamingStrategy derives table names for types without an explicit table.
// Name must be unique per strategy; table indexes are cached by it.
type NamingStrategy interface {
	Name() string
	TableName(typeName string) string
	JoinTableName(ownerTable, targetTable string) string
}

// SnakeCase maps BookStore to book_store
type SnakeCase struct{}

func (SnakeCase) Name() string { return "snake" }

func (SnakeCase) TableName(typeName string) string {
	return strutil.ToSnakeCase(typeName)
}

func (SnakeCase) JoinTableName(ownerTable, targetTable string) string {
	return ownerTable + "_" + targetTable + "_mapping"
}

// PluralSnakeCase maps BookStore to book_stores
type PluralSnakeCase struct{}

func (PluralSnakeCase) Name() string { return "plural" }

func (PluralSnakeCase) TableName(typeName string) string {
	return strutil.Pluralize(strutil.ToSnakeCase(typeName))
}

func (PluralSnakeCase) JoinTableName(ownerTable, targetTable string) string {
	return ownerTable + "_" + targetTable
}

// UpperSnakeCase maps BookStore to BOOK_STORE
type UpperSnakeCase struct{}

func (UpperSnakeCase) Name() string { return "upper" }

func (UpperSnakeCase) TableName(typeName string) string {
	return strings.ToUpper(strutil.ToSnakeCase(typeName))
}

func (UpperSnakeCase) JoinTableName(ownerTable, targetTable string) string {
	return ownerTable + "_" + targetTable + "_MAPPING"
}

// DefaultNaming is used when no strategy is configured
var DefaultNaming NamingStrategy = SnakeCase{}

// ParseNamingStrategy returns the built-in strategy with the given name
func ParseNamingStrategy(name string) (NamingStrategy, error) {
	switch name {
	case "", "snake":
		return SnakeCase{}, nil
	case "plural":
		return PluralSnakeCase{}, nil
	case "upper":
		return UpperSnakeCase{}, nil
	default:
		return nil, fmt.Errorf("unknown naming strategy: %s", name)
	}
}
