package vector

import (
	"errors"
	"fmt"
	"hash/fnv"
)

// ItemType selects one of the indexed item collections.
type ItemType string

const (
	ItemTypeTool     ItemType = "tool"
	ItemTypePrompt   ItemType = "prompt"
	ItemTypeResource ItemType = "resource"
)

// Capacity is the number of point ids reserved per item type.
const Capacity int64 = 1_000_000

var offsets = map[ItemType]int64{
	ItemTypeTool:     0,
	ItemTypePrompt:   1_000_000,
	ItemTypeResource: 2_000_000,
}

// ErrOverflow is returned when a relational id falls outside its type's
// reserved point-id range. The affected write must be refused.
var ErrOverflow = errors.New("vector: point id capacity exhausted")

// PointID computes the deterministic point id for an item. The mapping is a
// bijection over db ids below Capacity; ids at or beyond it are refused.
func PointID(t ItemType, dbID int64) (int64, error) {
	offset, ok := offsets[t]
	if !ok {
		return 0, fmt.Errorf("vector: unknown item type %q", t)
	}
	if dbID < 0 {
		return 0, fmt.Errorf("vector: negative db id %d", dbID)
	}
	if dbID >= Capacity {
		return 0, fmt.Errorf("%w: %s id %d (capacity %d)", ErrOverflow, t, dbID, Capacity)
	}
	return offset + dbID, nil
}

// NearCapacity reports whether dbID has crossed the warn fraction of the
// type's capacity (e.g. 0.90 for a warning at 90%).
func NearCapacity(dbID int64, warnPct float64) bool {
	return float64(dbID) >= warnPct*float64(Capacity)
}

// SkillPointID derives the stable id for a skill embedding from the skill's
// string id.
func SkillPointID(skillID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(skillID))
	return h.Sum64()
}
