package registry

import (
	"context"

	"github.com/conduit-lang/cascade/internal/orm/meta"
	"github.com/conduit-lang/cascade/internal/orm/reload"
)

// FileSource enumerates registered entities by reading the catalog and the
// entity list on every call, so a reload sees edited files. With an empty
// listPath every entity of the catalog is registered.
func FileSource(catalogPath, listPath string) reload.Source {
	return func(ctx context.Context) ([]*meta.Type, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cat, err := LoadCatalogFile(catalogPath)
		if err != nil {
			return nil, err
		}
		if listPath == "" {
			return cat.Entities(), nil
		}
		names, err := ReadEntityListFile(listPath)
		if err != nil {
			return nil, err
		}
		return cat.Resolve(names)
	}
}
