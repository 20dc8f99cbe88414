package routes

var (
	BearerAuth = []map[string][]string{
		{"bearer": {}},
	}
)

type Tag string

const (
	TagRuns   Tag = "agent-runs"
	TagHealth Tag = "health"
)

func (t Tag) String() string { return string(t) }
