package fsapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/redblackgraph/fscrawl/internal/types"
)

const (
	personsPath      = "/platform/tree/persons/.json?pids="
	relationshipPath = "/platform/tree/child-and-parents-relationships/%s.json"
)

// Client wraps a Session with the two tree resources the crawl uses.
type Client struct {
	session *Session
}

func NewClient(session *Session) *Client {
	return &Client{session: session}
}

// RequestCount reports the session's total request count.
func (c *Client) RequestCount() uint64 {
	return c.session.RequestCount()
}

// Persons fetches one batch of person records with their relationship
// entries. The batch must already respect MaxPersonsPerRequest.
func (c *Client) Persons(ctx context.Context, pids []types.PID) (*PersonsPayload, error) {
	if len(pids) == 0 {
		return &PersonsPayload{}, nil
	}
	if len(pids) > MaxPersonsPerRequest {
		return nil, fmt.Errorf("batch of %d exceeds the %d person limit", len(pids), MaxPersonsPerRequest)
	}
	ids := make([]string, len(pids))
	for i, pid := range pids {
		ids[i] = string(pid)
	}
	var payload PersonsPayload
	if err := c.session.GetJSON(ctx, personsPath+strings.Join(ids, ","), &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ResolvedParent is one parent edge of a child-and-parents record with
// its fact-derived type.
type ResolvedParent struct {
	Parent types.PID
	Child  types.PID
	Type   types.RelationshipType
}

// Relationship fetches one child-and-parents record by its (already
// prefix-stripped) id and derives a typed edge per present parent.
func (c *Client) Relationship(ctx context.Context, relID string) ([]ResolvedParent, error) {
	var payload RelationshipPayload
	if err := c.session.GetJSON(ctx, fmt.Sprintf(relationshipPath, relID), &payload); err != nil {
		return nil, err
	}
	var out []ResolvedParent
	for _, rel := range payload.ChildAndParentsRelationships {
		if rel.Child == nil {
			continue
		}
		if rel.Parent1 != nil {
			out = append(out, ResolvedParent{
				Parent: rel.Parent1.ResourceID,
				Child:  rel.Child.ResourceID,
				Type:   ParentType(rel.Parent1Facts),
			})
		}
		if rel.Parent2 != nil {
			out = append(out, ResolvedParent{
				Parent: rel.Parent2.ResourceID,
				Child:  rel.Child.ResourceID,
				Type:   ParentType(rel.Parent2Facts),
			})
		}
	}
	return out, nil
}
