package service

import (
	"slices"

	"github.com/creamcroissant/nodeboard/internal/repository"
)

// SelectNodes returns the active nodes a plan's criteria admit, in input order.
// A node qualifies when (no tag constraint or a shared tag) and (no id
// constraint or its id is listed). Empty criteria admit every active node.
func SelectNodes(criteria repository.NodeCriteria, nodes []*repository.Node) []*repository.Node {
	out := make([]*repository.Node, 0, len(nodes))
	for _, node := range nodes {
		if NodeQualifies(criteria, node) {
			out = append(out, node)
		}
	}
	return out
}

// NodeQualifies evaluates criteria for a single node.
func NodeQualifies(criteria repository.NodeCriteria, node *repository.Node) bool {
	if node == nil || !node.Active {
		return false
	}
	if len(criteria.Tags) > 0 && !slices.ContainsFunc(node.Tags, func(tag string) bool {
		return slices.Contains(criteria.Tags, tag)
	}) {
		return false
	}
	if len(criteria.NodeIDs) > 0 && !slices.Contains(criteria.NodeIDs, node.ID) {
		return false
	}
	return true
}
