package fsapi

import (
	"net/url"
	"strings"

	"github.com/redblackgraph/fscrawl/internal/types"
)

// GedcomX relationship kinds we act on. Anything else in the payload is
// logged and skipped.
const (
	RelationshipCouple      = "http://gedcomx.org/Couple"
	RelationshipParentChild = "http://gedcomx.org/ParentChild"
)

// Fact types that assert a non-biological parent relationship.
var nonBiologicalFacts = map[string]bool{
	"AdoptiveParent":     true,
	"FosterParent":       true,
	"GuardianParent":     true,
	"StepParent":         true,
	"SociologicalParent": true,
	"SurrogateParent":    true,
}

// PersonsPayload is the response shape of the persons resource.
type PersonsPayload struct {
	Persons       []Person       `json:"persons"`
	Relationships []Relationship `json:"relationships"`
}

// RelationshipPayload is the response shape of the
// child-and-parents-relationships resource.
type RelationshipPayload struct {
	ChildAndParentsRelationships []ChildAndParentsRelationship `json:"childAndParentsRelationships"`
}

type Person struct {
	ID      types.PID `json:"id"`
	Gender  *Gender   `json:"gender"`
	Names   []Name    `json:"names"`
	Display *Display  `json:"display"`
}

type Gender struct {
	Type string `json:"type"`
}

type Name struct {
	NameForms []NameForm `json:"nameForms"`
}

type NameForm struct {
	Parts []NamePart `json:"parts"`
}

type NamePart struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Display struct {
	Lifespan string `json:"lifespan"`
}

// Relationship is a generic relationship entry of the persons payload:
// either a Couple or a ParentChild, per its Type.
type Relationship struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Person1 *ResourceRef `json:"person1"`
	Person2 *ResourceRef `json:"person2"`
	Facts   []Fact       `json:"facts"`
}

// ChildAndParentsRelationship is one entry of the dedicated
// child-and-parents resource, with per-parent fact lists.
type ChildAndParentsRelationship struct {
	ID           string       `json:"id"`
	Child        *ResourceRef `json:"child"`
	Parent1      *ResourceRef `json:"parent1"`
	Parent2      *ResourceRef `json:"parent2"`
	Parent1Facts []Fact       `json:"parent1Facts"`
	Parent2Facts []Fact       `json:"parent2Facts"`
}

type ResourceRef struct {
	ResourceID types.PID `json:"resourceId"`
}

type Fact struct {
	Type string `json:"type"`
}

// Vertex converts a person entry into a graph vertex resolved at the
// given iteration.
func (p Person) Vertex(iteration int) *types.Vertex {
	v := &types.Vertex{ID: p.ID, Iteration: iteration}
	if p.Gender != nil {
		v.Color = types.ParseColor(p.Gender.Type)
	}
	if len(p.Names) > 0 && len(p.Names[0].NameForms) > 0 {
		for _, part := range p.Names[0].NameForms[0].Parts {
			switch factName(part.Type) {
			case "Given":
				v.GivenName = part.Value
			case "Surname":
				v.Surname = part.Value
			}
		}
	}
	if p.Display != nil {
		v.Lifespan = p.Display.Lifespan
	}
	return v
}

// RelID returns the relationship identifier with the API's 2-character
// resource prefix stripped; persons-payload ParentChild entries carry it,
// the dedicated child-and-parents resource does not.
func (r Relationship) RelID() string {
	if len(r.ID) > 2 {
		return r.ID[2:]
	}
	return r.ID
}

// ParentType derives the relationship type from a fact list:
// BiologicalParent when asserted, NonBiological for adoptive/foster/etc.
// facts, UnspecifiedParentType when the server sent no usable fact. Later
// facts in the list win, matching server ordering.
func ParentType(facts []Fact) types.RelationshipType {
	typ := types.UnspecifiedParentType
	for _, f := range facts {
		switch name := factName(f.Type); {
		case name == string(types.BiologicalParent):
			typ = types.BiologicalParent
		case nonBiologicalFacts[name]:
			typ = types.NonBiological
		}
	}
	return typ
}

// factName reduces a GedcomX type URI ("http://gedcomx.org/Surname") to
// its bare name.
func factName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return strings.Trim(u.Path, "/")
}
