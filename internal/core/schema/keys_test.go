package schema

import (
	"bytes"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParentNameKeyIsPrefixedByParentNamePrefix(t *testing.T) {
	prefix := ParentNamePrefix("t1", "p1")
	key := ParentNameKey("t1", "p1", "readme.md")
	assert.True(t, bytes.HasPrefix(key, prefix))

	otherParent := ParentNameKey("t1", "p2", "readme.md")
	assert.False(t, bytes.HasPrefix(otherParent, prefix))
}

func TestParentUpdatedKeyOrdersChronologically(t *testing.T) {
	base := time.Now().UTC()
	k1 := ParentUpdatedKey("t1", "p1", base, "n1")
	k2 := ParentUpdatedKey("t1", "p1", base.Add(time.Second), "n2")
	k3 := ParentUpdatedKey("t1", "p1", base.Add(2*time.Second), "n3")

	keys := [][]byte{k3, k1, k2}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	assert.Equal(t, k1, keys[0])
	assert.Equal(t, k2, keys[1])
	assert.Equal(t, k3, keys[2])

	prefix := ParentUpdatedPrefix("t1", "p1")
	for _, k := range keys {
		assert.True(t, bytes.HasPrefix(k, prefix))
	}
}

func TestRemovedKeyOrdersChronologicallyWithinTree(t *testing.T) {
	base := time.Now().UTC()
	k1 := RemovedKey("t1", base, "n1")
	k2 := RemovedKey("t1", base.Add(time.Minute), "n2")
	assert.True(t, bytes.Compare(k1, k2) < 0)

	prefix := RemovedPrefix("t1")
	assert.True(t, bytes.HasPrefix(k1, prefix))
	assert.True(t, bytes.HasPrefix(k2, prefix))

	otherTree := RemovedKey("t2", base, "n3")
	assert.False(t, bytes.HasPrefix(otherTree, prefix))
}

func TestWorkingCopyViewKeyUniquePerSourceAndView(t *testing.T) {
	k1 := WorkingCopyViewKey("n1", "v1")
	k2 := WorkingCopyViewKey("n1", "v2")
	k3 := WorkingCopyViewKey("n2", "v1")
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Equal(t, k1, WorkingCopyViewKey("n1", "v1"))
}

func TestGroupEntityKeyOrdersByOrdinalWithinNode(t *testing.T) {
	prefix := GroupEntityPrefix("n1")
	k0 := GroupEntityKey("n1", 0)
	k1 := GroupEntityKey("n1", 1)
	k2 := GroupEntityKey("n1", 2)
	assert.True(t, bytes.HasPrefix(k0, prefix))
	assert.True(t, bytes.Compare(k0, k1) < 0)
	assert.True(t, bytes.Compare(k1, k2) < 0)
}

func TestUndoEntryKeyOrdersBySequence(t *testing.T) {
	k1 := UndoEntryKey(1)
	k2 := UndoEntryKey(2)
	k1000 := UndoEntryKey(1000)
	assert.True(t, bytes.Compare(k1, k2) < 0)
	assert.True(t, bytes.Compare(k2, k1000) < 0)
	assert.Equal(t, uint64(1000), DecodeUint64(k1000))
}
