// Package notify delivers de-bounced progress notifications to a caller.
package notify

// Kind identifies what the agent is doing.
type Kind string

const (
	KindBash       Kind = "bash"
	KindFile       Kind = "file"
	KindTool       Kind = "tool"
	KindThinking   Kind = "thinking"
	KindReasoning  Kind = "reasoning"
	KindPermission Kind = "permission"
	KindTodo       Kind = "todo"
)

// Notification is the payload handed to a Func. Tool is set for file and tool
// kinds, Count for bash, file and todo, Title for permission and todo.
type Notification struct {
	Kind  Kind   `json:"kind"`
	Tool  string `json:"tool,omitempty"`
	Count int    `json:"count,omitempty"`
	Title string `json:"title,omitempty"`
}

// Func receives progress notifications. It is called synchronously from the
// monitor loop and must not block.
type Func func(Notification)

// Deduper forwards a notification only when its kind differs from the one
// before it. The zero value with a nil Func drops everything.
type Deduper struct {
	fn   Func
	last Kind
}

// NewDeduper wraps fn. A nil fn yields a Deduper that never calls out.
func NewDeduper(fn Func) *Deduper {
	return &Deduper{fn: fn}
}

// Notify forwards n unless it repeats the previous kind. It reports whether
// n was forwarded.
func (d *Deduper) Notify(n Notification) bool {
	if d == nil || n.Kind == d.last {
		return false
	}
	d.last = n.Kind
	if d.fn == nil {
		return false
	}
	d.fn(n)
	return true
}

// Last returns the kind of the most recent notification, forwarded or not.
func (d *Deduper) Last() Kind {
	if d == nil {
		return ""
	}
	return d.last
}
