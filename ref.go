package ensemble

import (
	"strings"

	"github.com/google/uuid"
)

// Ref addresses an actor by definition name plus an optional ordered key.
// Singleton actors omit the key. Two Refs with the same name and key always
// resolve to the same instance.
type Ref struct {
	Name string
	Key  []string
}

func NewRef(name string, key ...string) Ref {
	return Ref{Name: name, Key: key}
}

// Keyed reports whether the ref carries a key. Keyless refs skip region
// allocation entirely.
func (r Ref) Keyed() bool {
	return len(r.Key) > 0
}

func (r Ref) String() string {
	if len(r.Key) == 0 {
		return r.Name
	}
	return r.Name + ":" + strings.Join(r.Key, "/")
}

// canonical returns the map-key form of the ref. Key parts are joined with
// a unit separator so "a/b" and ["a","b"] cannot collide.
func (r Ref) canonical() string {
	if len(r.Key) == 0 {
		return r.Name
	}
	return r.Name + "\x1f" + strings.Join(r.Key, "\x1f")
}

// InstanceID is the globally unique, immutable identity of an actor
// instance. The owning region is embedded as a prefix and never changes.
type InstanceID string

func newInstanceID(region string) InstanceID {
	return InstanceID(region + "." + uuid.NewString())
}

// Region extracts the owning region from the id.
func (id InstanceID) Region() string {
	s := string(id)
	if i := strings.IndexByte(s, '.'); i > 0 {
		return s[:i]
	}
	return ""
}

func (id InstanceID) String() string {
	return string(id)
}
