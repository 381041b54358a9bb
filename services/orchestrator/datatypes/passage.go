// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"strings"
)

// RetrievedPassage is one ranked chunk returned by the search index.
//
// AccessTags lists the groups (or object ids) allowed to read the passage.
// An empty set marks the passage as public.
type RetrievedPassage struct {
	SourceID       string   `json:"source_id"`
	Content        string   `json:"content"`
	RelevanceScore float64  `json:"relevance_score"`
	AccessTags     []string `json:"access_tags"`
	Category       string   `json:"category,omitempty"`
}

// IsPublic reports whether the passage carries no access restriction.
func (p RetrievedPassage) IsPublic() bool {
	return len(p.AccessTags) == 0
}

// GroundingLine renders the passage as "<source_id>: <content>" on one line
// so the model can cite the source in square brackets.
func (p RetrievedPassage) GroundingLine() string {
	content := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(p.Content)
	return fmt.Sprintf("%s: %s", p.SourceID, content)
}

// GroundingBlock joins the grounding lines of every passage, one per line,
// preserving order.
func GroundingBlock(passages []RetrievedPassage) string {
	lines := make([]string, 0, len(passages))
	for _, p := range passages {
		lines = append(lines, p.GroundingLine())
	}
	return strings.Join(lines, "\n")
}
