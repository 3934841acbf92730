package watcher

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventList_MergeTable(t *testing.T) {
	tests := []struct {
		name  string
		steps []Kind
		want  []Event
	}{
		{"create", []Kind{Create}, []Event{{Path: "/a", Kind: Create}}},
		{"update", []Kind{Update}, []Event{{Path: "/a", Kind: Update}}},
		{"delete", []Kind{Delete}, []Event{{Path: "/a", Kind: Delete}}},
		{"create then create", []Kind{Create, Create}, []Event{{Path: "/a", Kind: Create}}},
		{"create then update", []Kind{Create, Update}, []Event{{Path: "/a", Kind: Create}}},
		{"create then delete", []Kind{Create, Delete}, []Event{}},
		{"update then create", []Kind{Update, Create}, []Event{{Path: "/a", Kind: Create}}},
		{"update then update", []Kind{Update, Update}, []Event{{Path: "/a", Kind: Update}}},
		{"update then delete", []Kind{Update, Delete}, []Event{{Path: "/a", Kind: Delete}}},
		{"delete then create", []Kind{Delete, Create}, []Event{{Path: "/a", Kind: Update}}},
		{"delete then update", []Kind{Delete, Update}, []Event{{Path: "/a", Kind: Update}}},
		{"delete then delete", []Kind{Delete, Delete}, []Event{{Path: "/a", Kind: Delete}}},
		{"create delete create", []Kind{Create, Delete, Create}, []Event{{Path: "/a", Kind: Create}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewEventList()
			for _, k := range tt.steps {
				switch k {
				case Create:
					l.Create("/a")
				case Update:
					l.Update("/a")
				case Delete:
					l.Remove("/a")
				}
			}
			assert.Equal(t, tt.want, l.Events())
		})
	}
}

func TestEventList_MergeMatchesIndividualCalls(t *testing.T) {
	l := NewEventList()
	l.Merge([]Event{
		{Path: "/b", Kind: Delete},
		{Path: "/a", Kind: Create},
		{Path: "/b", Kind: Create},
		{Path: "/a", Kind: Update},
	})

	assert.Equal(t, []Event{
		{Path: "/a", Kind: Create},
		{Path: "/b", Kind: Update},
	}, l.Events())
}

func TestEventList_DrainClears(t *testing.T) {
	l := NewEventList()
	l.Create("/z")
	l.Update("/y")

	got := l.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "/y", got[0].Path)
	assert.Equal(t, "/z", got[1].Path)
	assert.Equal(t, 0, l.Len())

	l.Create("/x")
	l.Clear()
	assert.Empty(t, l.Events())
}

func TestEventList_JSON(t *testing.T) {
	l := NewEventList()
	l.Create("/a")
	l.Remove("/b")

	data, err := json.Marshal(l)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"path":"/a","type":"create"},{"path":"/b","type":"delete"}]`, string(data))

	var events []Event
	require.NoError(t, json.Unmarshal(data, &events))
	assert.Equal(t, l.Events(), events)
}

func TestKind_UnmarshalRejectsUnknown(t *testing.T) {
	var k Kind
	assert.Error(t, k.UnmarshalText([]byte("rename")))
	require.NoError(t, k.UnmarshalText([]byte("update")))
	assert.Equal(t, Update, k)
	assert.Equal(t, "update", k.String())
}
