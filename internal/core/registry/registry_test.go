package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hierarchidb/core/internal/core/coreerr"
	"github.com/hierarchidb/core/internal/core/entity"
)

func newTestDefinition(tag string) *Definition {
	return &Definition{
		Tag:     tag,
		Handler: entity.NewBaseHandler(tag, nil, nil, func() string { return "id" }),
	}
}

func TestRegisterAppliesDefaultNamePattern(t *testing.T) {
	r := New()
	def := newTestDefinition("folder")
	require.NoError(t, r.Register(def))

	got, err := r.Resolve("folder")
	require.NoError(t, err)
	assert.Same(t, DefaultNamePattern, got.Validation.NamePattern)
}

func TestRegisterRejectsMissingTagOrHandler(t *testing.T) {
	r := New()
	assert.Error(t, r.Register(&Definition{Tag: "folder"}))
	assert.Error(t, r.Register(&Definition{Handler: entity.NewBaseHandler("x", nil, nil, nil)}))
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newTestDefinition("folder")))
	require.NoError(t, r.Register(newTestDefinition("folder")))
	assert.True(t, r.Has("folder"))
}

func TestResolveUnknownTagReturnsCoreError(t *testing.T) {
	r := New()
	_, err := r.Resolve("ghost")
	require.Error(t, err)
	var ce *coreerr.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, coreerr.UnknownNodeType, ce.Code)
}

func TestUnregisterRefusesWhileLiveNodesExist(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newTestDefinition("folder")))
	r.IncrementLive("folder")

	err := r.Unregister("folder")
	require.Error(t, err)
	assert.True(t, r.Has("folder"))

	r.DecrementLive("folder")
	require.NoError(t, r.Unregister("folder"))
	assert.False(t, r.Has("folder"))
}

func TestDecrementLiveNeverGoesNegative(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newTestDefinition("folder")))
	r.DecrementLive("folder")
	r.DecrementLive("folder")
	require.NoError(t, r.Unregister("folder"))
}

func TestIncrementDecrementTrashIndependentOfLiveCount(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newTestDefinition("folder")))
	r.IncrementLive("folder")
	r.IncrementTrash("folder")

	// Unregister guard only looks at liveCount, which trashing does not
	// change: a trashed node is still "live" in the registry's sense.
	err := r.Unregister("folder")
	require.Error(t, err)

	r.DecrementTrash("folder")
	r.DecrementLive("folder")
	require.NoError(t, r.Unregister("folder"))
}

func TestValidateNameEnforcesPatternAndLength(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newTestDefinition("folder")))

	assert.NoError(t, r.ValidateName("folder", "ok name"))
	assert.Error(t, r.ValidateName("folder", ""))
	assert.Error(t, r.ValidateName("folder", "bad\x00name"))
	assert.Error(t, r.ValidateName("folder", string(make([]byte, 256))))
}
