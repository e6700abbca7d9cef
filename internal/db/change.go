package db

// Op is the kind of write that produced a change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change describes one committed write, with enough of the row to decide
// who may be told about it.
type Change struct {
	Table     string  `json:"table"`
	ID        int64   `json:"id"`
	Op        Op      `json:"op"`
	Deleted   bool    `json:"deleted,omitempty"`
	Published bool    `json:"published,omitempty"`
	Public    bool    `json:"public,omitempty"`
	UserIDs   []int64 `json:"user_ids,omitempty"`
	StoryID   int64   `json:"story_id,omitempty"`
}

func (c Change) merge(base Change) Change {
	c.Table = base.Table
	c.ID = base.ID
	c.Op = base.Op
	c.Deleted = base.Deleted
	return c
}

// Subscribe registers fn to be called after every committed write. fn runs
// on the writer's goroutine and must not block.
func (db *DB) Subscribe(fn func(Change)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.listeners = append(db.listeners, fn)
}

func (db *DB) publish(c Change) {
	db.mu.RLock()
	listeners := db.listeners
	db.mu.RUnlock()

	for _, fn := range listeners {
		fn(c)
	}
}
