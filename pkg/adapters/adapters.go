// Package adapters wires every built-in backend into a scheme table.
package adapters

import (
	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/adapters/document"
	"github.com/kadirpekel/conduit/pkg/adapters/plugin"
	"github.com/kadirpekel/conduit/pkg/adapters/relational"
	"github.com/kadirpekel/conduit/pkg/adapters/rest"
	"github.com/kadirpekel/conduit/pkg/adapters/spreadsheet"
	"github.com/kadirpekel/conduit/pkg/adapters/vector"
)

// Builtin returns a scheme table with every built-in backend. Relational
// sources share handles through pool.
func Builtin(pool *relational.Pool) (*adapter.Schemes, error) {
	s := adapter.NewSchemes()
	steps := []func(*adapter.Schemes) error{
		func(s *adapter.Schemes) error { return relational.Register(s, pool) },
		document.Register,
		vector.Register,
		rest.Register,
		spreadsheet.Register,
		plugin.Register,
	}
	for _, register := range steps {
		if err := register(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}
