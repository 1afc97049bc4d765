package reflector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sampleEvent struct {
	Amount int
}

func Test_TypeInfoOf(t *testing.T) {
	ti := TypeInfoOf(sampleEvent{Amount: 1})
	require.Equal(t, "github.com/photoatomic/darc-go/internal/reflector.sampleEvent", ti.Name)

	// pointer and value resolve to the same type
	tp := TypeInfoOf(&sampleEvent{})
	require.Equal(t, ti.Name, tp.Name)
}

func Test_TypeInfoFor(t *testing.T) {
	require.Equal(t, TypeInfoOf(sampleEvent{}), TypeInfoFor[sampleEvent]())
}
