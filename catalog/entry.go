package catalog

import "fmt"

// Entry is a resource reported by the platform. It is either a Resource (typed, as flavors and
// images are returned) or a Record (loosely structured, as networks are returned).
type Entry interface {
	entry()
}

type Resource struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

type Record map[string]any

// Resource and Record implement Entry
var (
	_ Entry = Resource{}
	_ Entry = Record{}
)

func (Resource) entry() {}
func (Record) entry()   {}

func (r Resource) String() string {
	return fmt.Sprintf("%s (%s)", r.Name, r.ID)
}

func (r Record) ID() string {
	return r.field("id")
}

func (r Record) Name() string {
	return r.field("name")
}

func (r Record) field(key string) string {
	if value, ok := r[key].(string); ok {
		return value
	}
	return ""
}

func (r Record) String() string {
	return fmt.Sprintf("%s (%s)", r.Name(), r.ID())
}
