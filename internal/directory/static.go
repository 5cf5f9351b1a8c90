package directory

import (
	"context"

	id "idlink/pkg/domain"
	dErrors "idlink/pkg/domain-errors"
)

// StaticResolver answers from a fixed alias table. Canonical aliases resolve
// to themselves.
type StaticResolver struct {
	table map[id.Alias]id.Alias
}

// NewStaticResolver builds a resolver from claimed -> canonical pairs. Pairs
// that do not parse as aliases are skipped.
func NewStaticResolver(entries map[string]string) *StaticResolver {
	table := make(map[id.Alias]id.Alias, len(entries)*2)
	for claimed, canonical := range entries {
		c, err := id.ParseAlias(claimed)
		if err != nil {
			continue
		}
		v, err := id.ParseAlias(canonical)
		if err != nil {
			continue
		}
		table[c] = v
		if _, ok := table[v]; !ok {
			table[v] = v
		}
	}
	return &StaticResolver{table: table}
}

func (r *StaticResolver) Resolve(_ context.Context, claimed id.Alias) (id.Alias, error) {
	alias, err := id.ParseAlias(claimed.String())
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeNotFound, "alias not in directory")
	}
	canonical, ok := r.table[alias]
	if !ok {
		return "", dErrors.New(dErrors.CodeNotFound, "alias not in directory")
	}
	return canonical, nil
}
