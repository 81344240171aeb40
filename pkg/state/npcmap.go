package state

import (
	"encoding/json"
	"fmt"
)

type NPCMap map[string]NPC

// UnmarshalJSON allows NPCMap to accept either a map or an array of names.
// Tool arguments from the narrator commonly arrive as a bare list.
func (m *NPCMap) UnmarshalJSON(data []byte) error {
	var asMap map[string]NPC
	if err := json.Unmarshal(data, &asMap); err == nil {
		*m = asMap
		return nil
	}
	var asArray []string
	if err := json.Unmarshal(data, &asArray); err == nil {
		result := make(map[string]NPC, len(asArray))
		for _, name := range asArray {
			result[name] = NPC{Name: name}
		}
		*m = result
		return nil
	}
	var asList []NPC
	if err := json.Unmarshal(data, &asList); err == nil {
		result := make(map[string]NPC, len(asList))
		for _, npc := range asList {
			result[npc.Name] = npc
		}
		*m = result
		return nil
	}
	return fmt.Errorf("npcs: not a map or array: %s", string(data))
}
