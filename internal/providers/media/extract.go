package media

import (
	"sort"
	"strings"
)

// hintKeys are checked, in order, before any other key of an object.
var hintKeys = []string{"url", "output", "image", "video", "uri", "output_url", "result"}

// FindOutputURL returns the first http(s) URL found in payload, searching
// objects by hint keys first and then the remaining keys in sorted order.
func FindOutputURL(payload any) string {
	return findURL(payload, 0)
}

func findURL(v any, depth int) string {
	if depth > 32 {
		return ""
	}
	switch node := v.(type) {
	case string:
		s := strings.TrimSpace(node)
		lower := strings.ToLower(s)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			return s
		}
	case []any:
		for _, item := range node {
			if u := findURL(item, depth+1); u != "" {
				return u
			}
		}
	case []string:
		for _, item := range node {
			if u := findURL(item, depth+1); u != "" {
				return u
			}
		}
	case map[string]any:
		for _, key := range hintKeys {
			if child, ok := node[key]; ok {
				if u := findURL(child, depth+1); u != "" {
					return u
				}
			}
		}
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if isHintKey(k) {
				continue
			}
			if u := findURL(node[k], depth+1); u != "" {
				return u
			}
		}
	}
	return ""
}

func isHintKey(k string) bool {
	for _, h := range hintKeys {
		if h == k {
			return true
		}
	}
	return false
}
