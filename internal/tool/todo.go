package tool

// TodoInfo represents a single item in a session's structured task list,
// as read and written by the todoread/todowrite tools.
type TodoInfo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`   // pending, in_progress, completed
	Priority string `json:"priority"` // high, medium, low
}
