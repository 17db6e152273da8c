package repository

import (
	"encoding/json"
	"testing"

	"feedmill/internal/models"
)

func TestMarshalPatch(t *testing.T) {
	got, err := marshalPatch(nil)
	if err != nil || string(got) != "{}" {
		t.Errorf("marshalPatch(nil) = %s, %v", got, err)
	}

	raw := json.RawMessage(`{"cursor":7}`)
	got, err = marshalPatch(raw)
	if err != nil || string(got) != `{"cursor":7}` {
		t.Errorf("marshalPatch(raw) = %s, %v", got, err)
	}

	cur := int64(9)
	got, err = marshalPatch(models.CheckpointPatch{Cursor: &cur})
	if err != nil || string(got) != `{"cursor":9}` {
		t.Errorf("marshalPatch(typed) = %s, %v", got, err)
	}
}
