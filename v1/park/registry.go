package park

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

var parked sync.Map // id -> *Thread

// Snapshot describes a parked thread.
type Snapshot struct {
	ID          uint64    `json:"id"`
	Name        string    `json:"name"`
	Blocker     string    `json:"blocker,omitempty"`
	Since       time.Time `json:"since"`
	Interrupted bool      `json:"interrupted"`
}

// Parked returns the threads currently blocked in a park call, ordered by id.
func Parked() []Snapshot {
	var out []Snapshot
	parked.Range(func(_, v any) bool {
		t := v.(*Thread)
		if !t.IsParked() {
			return true
		}
		at := t.parkedAt.Load()
		s := Snapshot{
			ID:          t.id,
			Name:        t.name,
			Since:       time.Unix(0, at),
			Interrupted: t.IsInterrupted(),
		}
		if b := t.Blocker(); b != nil {
			s.Blocker = describe(b)
		}
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func describe(b any) string {
	if s, ok := b.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", b)
}
