// Package types defines the core data model for the crawl: vertices, edges,
// relationship types, and run bookkeeping shared between the storage layer,
// the iteration engine, and the CLI.
package types

import "fmt"

// PID is a FamilySearch person identifier. It is an opaque short string
// assigned by the remote service; equality is exact string equality.
type PID = string

// Color is the gender marker carried on a vertex.
type Color int

const (
	ColorUnknown Color = 0
	ColorMale    Color = 1
	ColorFemale  Color = -1
)

// ParseColor maps a GedcomX gender type URI to a Color.
func ParseColor(genderType string) Color {
	switch genderType {
	case "http://gedcomx.org/Male":
		return ColorMale
	case "http://gedcomx.org/Female":
		return ColorFemale
	default:
		return ColorUnknown
	}
}

func (c Color) String() string {
	switch c {
	case ColorMale:
		return "male"
	case ColorFemale:
		return "female"
	default:
		return "unknown"
	}
}

// Vertex is the record for one resolved person.
type Vertex struct {
	ID        PID    `json:"id"`
	Color     Color  `json:"color"`
	Surname   string `json:"surname"`
	GivenName string `json:"given_name"`
	Iteration int    `json:"iteration"`
	Lifespan  string `json:"lifespan"`
}

// RelationshipType classifies a parent->child edge.
//
// UnspecifiedParentType, AssumedBiological and BiologicalParent are the
// "biological-ish" types followed by downstream graph readers. Resolve marks
// an edge whose type is ambiguous and must be authoritatively fetched.
type RelationshipType string

const (
	UnspecifiedParentType RelationshipType = "UnspecifiedParentType"
	AssumedBiological     RelationshipType = "AssumedBiological"
	BiologicalParent      RelationshipType = "BiologicalParent"
	NonBiological         RelationshipType = "NonBiological"
	Resolve               RelationshipType = "Resolve"
)

// BiologicalIsh reports whether downstream graph readers follow this edge.
func (t RelationshipType) BiologicalIsh() bool {
	switch t {
	case UnspecifiedParentType, AssumedBiological, BiologicalParent:
		return true
	}
	return false
}

// Replaceable reports whether the relationship resolver may rewrite this
// type. Authoritative types (BiologicalParent, NonBiological) are final.
func (t RelationshipType) Replaceable() bool {
	switch t {
	case UnspecifiedParentType, AssumedBiological, Resolve:
		return true
	}
	return false
}

// DefaultPrecedence orders types from weakest to strongest when multiple
// sources disagree. NonBiological sits above the ladder: it is applied only
// when the resolver returns it explicitly.
var DefaultPrecedence = []RelationshipType{
	UnspecifiedParentType,
	AssumedBiological,
	BiologicalParent,
}

// Stronger reports whether candidate outranks current under the given
// precedence order. Types absent from the order rank lowest.
func Stronger(order []RelationshipType, candidate, current RelationshipType) bool {
	rank := func(t RelationshipType) int {
		for i, o := range order {
			if o == t {
				return i
			}
		}
		return -1
	}
	return rank(candidate) > rank(current)
}

// Edge is a directed parent->child link. Source is the parent, Destination
// the child. The triple (Source, Destination, RelID) is the edge key.
type Edge struct {
	Source      PID              `json:"source"`
	Destination PID              `json:"destination"`
	Type        RelationshipType `json:"type"`
	RelID       string           `json:"id"`
}

// EdgeCounts buckets edges by how far each endpoint has been resolved.
//
// Within: both endpoints are vertices. Spanning: exactly one endpoint is a
// vertex. Frontier: neither endpoint has been resolved yet.
type EdgeCounts struct {
	Within   int `json:"edges"`
	Spanning int `json:"spanning_edges"`
	Frontier int `json:"frontier_edges"`
}

// IterationRecord is one committed row of the iteration log.
type IterationRecord struct {
	Iteration int     `json:"iteration"`
	Duration  float64 `json:"duration"`
	Vertices  int     `json:"vertices"`
	Frontier  int     `json:"frontier"`
	Edges     EdgeCounts
}

// RunStatus is the coarse lifecycle state recorded in job metadata.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusResolving RunStatus = "resolving"
	StatusDone      RunStatus = "done"
	StatusAborted   RunStatus = "aborted"
)

// ParseRunStatus validates a status string read back from job metadata.
func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case StatusIdle, StatusRunning, StatusPaused, StatusResolving, StatusDone, StatusAborted:
		return RunStatus(s), nil
	}
	return "", fmt.Errorf("unknown run status %q", s)
}

// Status is the operator-facing snapshot returned by the store.
type Status struct {
	FrontierDepth   int       `json:"frontier_depth"`
	ProcessingDepth int       `json:"processing_depth"`
	VertexCount     int       `json:"vertex_count"`
	EdgeCount       int       `json:"edge_count"`
	LastIteration   int       `json:"last_iteration"` // -1 when no iteration has completed
	RunStatus       RunStatus `json:"run_status"`
	ThrottleConfig  string    `json:"throttle_config,omitempty"`
}
