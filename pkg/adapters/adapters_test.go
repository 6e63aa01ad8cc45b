package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conduit/pkg/adapters/relational"
)

func TestBuiltin(t *testing.T) {
	pool := relational.NewPool()
	defer pool.Close()

	s, err := Builtin(pool)
	require.NoError(t, err)
	for _, scheme := range []string{"postgres", "mysql", "sqlite", "mongodb", "qdrant", "pinecone", "rest", "shiprocket", "payu", "xlsx", "spreadsheet", "plugin"} {
		_, err := s.Factory(scheme)
		assert.NoError(t, err, scheme)
	}
	_, err = s.Factory("stripe")
	assert.Error(t, err)
}
