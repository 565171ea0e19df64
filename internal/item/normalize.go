package item

import (
	"time"
)

// Normalize converts one raw, duck-typed tracker payload into a WorkItem.
// It tolerates every field-shape variant seen in the wild:
//
//   - identifier under "number" or "id", numeric or float-decoded
//   - body under "body" or "description"
//   - labels as [{"name": ...}], ["bug", ...], or {"nodes": [...]}
//   - creation time under "created_at" or "createdAt"
//   - comments as a count, an array of comment objects, or {"totalCount": n}
//   - reactions as {"+1": n}, a grouped list of {content, count}, or a flat
//     array of reaction objects whose content is "+1"/"thumbs_up"
//
// Unknown or missing fields normalize to zero values; Normalize never fails.
func Normalize(raw map[string]any, repo string) WorkItem {
	w := WorkItem{Repo: repo}

	w.Number = asInt(firstOf(raw, "number", "id"))
	w.Title = asString(raw["title"])
	w.Body = asString(firstOf(raw, "body", "description"))
	w.Labels = normalizeLabels(raw["labels"])
	w.CreatedAt = asTime(firstOf(raw, "created_at", "createdAt"))
	w.Comments = normalizeCount(raw["comments"])
	w.PlusOneReactions = normalizePlusOnes(raw["reactions"])
	w.Assignees = normalizeCount(raw["assignees"])
	w.HasMilestone = raw["milestone"] != nil

	return w
}

func normalizeLabels(v any) []Label {
	// Linear-style connection wrapper: {"nodes": [...]}.
	if m, ok := v.(map[string]any); ok {
		return normalizeLabels(m["nodes"])
	}

	list, ok := v.([]any)
	if !ok {
		return nil
	}
	labels := make([]Label, 0, len(list))
	for _, entry := range list {
		switch e := entry.(type) {
		case string:
			labels = append(labels, Label{Name: e})
		case map[string]any:
			if name := asString(e["name"]); name != "" {
				labels = append(labels, Label{Name: name})
			}
		}
	}
	return labels
}

// normalizeCount accepts a scalar count, an array (length counts), or a
// connection object carrying totalCount.
func normalizeCount(v any) int {
	switch c := v.(type) {
	case nil:
		return 0
	case []any:
		return len(c)
	case map[string]any:
		return asInt(firstOf(c, "totalCount", "total_count", "count"))
	default:
		return asInt(v)
	}
}

func normalizePlusOnes(v any) int {
	switch r := v.(type) {
	case map[string]any:
		// GitHub flat form: {"+1": 3, "-1": 0, ...}.
		if n, ok := r["+1"]; ok {
			return asInt(n)
		}
		// Grouped connection form: {"nodes": [...]}.
		if nodes, ok := r["nodes"]; ok {
			return normalizePlusOnes(nodes)
		}
		return 0
	case []any:
		// Either grouped entries {content, count|users} or one entry per
		// individual reaction.
		total := 0
		for _, entry := range r {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			content := asString(firstOf(m, "content", "emoji"))
			if content != "+1" && content != "thumbs_up" && content != "👍" {
				continue
			}
			if count, ok := m["count"]; ok {
				total += asInt(count)
			} else {
				total++
			}
		}
		return total
	default:
		return 0
	}
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		// encoding/json decodes all JSON numbers to float64.
		return int(n)
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05Z0700", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
