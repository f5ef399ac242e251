package types

import (
	"fmt"
	"strings"
)

// TableRef identifies a tracked table as schema.table.
type TableRef struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

// ParseTableRef splits "schema.table"; a bare name takes defaultSchema.
func ParseTableRef(qualified, defaultSchema string) (TableRef, error) {
	parts := strings.Split(strings.TrimSpace(qualified), ".")
	switch {
	case len(parts) == 1 && parts[0] != "":
		if defaultSchema == "" {
			return TableRef{}, fmt.Errorf("table %q has no schema and no default schema is configured", qualified)
		}
		return TableRef{Schema: defaultSchema, Name: parts[0]}, nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return TableRef{Schema: parts[0], Name: parts[1]}, nil
	}
	return TableRef{}, fmt.Errorf("invalid table name %q: expected schema.table", qualified)
}

// ParseTableRefs parses every entry into a set.
func ParseTableRefs(qualified []string, defaultSchema string) (*Set[TableRef], error) {
	tables := NewSet[TableRef]()
	for _, q := range qualified {
		ref, err := ParseTableRef(q, defaultSchema)
		if err != nil {
			return nil, err
		}
		tables.Insert(ref)
	}
	return tables, nil
}

func (t TableRef) ID() string {
	return fmt.Sprintf("%s.%s", t.Schema, t.Name)
}

func (t TableRef) String() string {
	return t.ID()
}
