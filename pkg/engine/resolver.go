package engine

import "fmt"

// indexResources builds the (kind, name) lookup index and rejects duplicates.
func indexResources(resources []*Resource) (map[Key]*Resource, error) {
	index := make(map[Key]*Resource, len(resources))
	for _, res := range resources {
		if err := res.Validate(); err != nil {
			return nil, err
		}
		if _, exists := index[res.Key]; exists {
			return nil, NewPermanentError(
				fmt.Sprintf("duplicate resource %s", res.Key), nil).
				WithCode(ErrCodeValidation)
		}
		index[res.Key] = res
	}
	return index, nil
}

// resolveEdges scans every attribute tree for references and rewrites them
// into consumer -> producer edges. A reference to an undeclared resource is a
// configuration error.
func resolveEdges(index map[Key]*Resource) (map[Key][]Key, error) {
	edges := make(map[Key][]Key, len(index))
	for key, res := range index {
		seen := make(map[Key]bool)
		var resolveErr error
		for name, v := range res.Attributes {
			attrName := name
			walkRefs(v, func(r Ref) {
				if resolveErr != nil {
					return
				}
				// A self-reference becomes a self edge and is rejected as a
				// cycle during graph construction.
				target := r.Target()
				if _, declared := index[target]; !declared {
					resolveErr = &UnresolvedReferenceError{
						Consumer:  key,
						Attribute: attrName,
						Target:    target,
					}
					return
				}
				if !seen[target] {
					seen[target] = true
					edges[key] = append(edges[key], target)
				}
			})
			if resolveErr != nil {
				return nil, resolveErr
			}
		}
	}
	return edges, nil
}
