// Package activity keeps a journal of card and connection changes: which
// card changed, how, and whether the change came from this backend, another
// process or an agent.
package activity

import "time"

// Actor identifies who made a change.
type Actor string

const (
	ActorLocal    Actor = "local"    // this backend or a view it serves
	ActorExternal Actor = "external" // another process writing the data file
	ActorAgent    Actor = "agent"    // the MCP server
)

// DefaultRetention is how long entries are kept before Prune drops them.
const DefaultRetention = 90 * 24 * time.Hour

// Entry is a single journal record.
type Entry struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	CardID string    `json:"cardId,omitempty"`
	Actor  Actor     `json:"actor"`
	Origin string    `json:"origin,omitempty"`
	Keys   []string  `json:"keys,omitempty"`
}
