package domain

import "strings"

// DotPathSet walks (creating as needed) nested map[string]any values
// described by a dot-separated path and sets the leaf to value. It is
// the building block for emittedEvents deep-merges and for
// index-update metadata patches, where a literal "." in a key is
// forbidden.
//
// A nil value is a deletion marker: DotPathSet removes the leaf key
// (and, recursively, any parent map left empty) rather than storing
// nil.
func DotPathSet(root map[string]any, path string, value any) {
	keys := strings.Split(path, ".")
	setPath(root, keys, value)
}

func setPath(node map[string]any, keys []string, value any) {
	key := keys[0]
	if len(keys) == 1 {
		if value == nil {
			delete(node, key)
			return
		}
		node[key] = value
		return
	}

	child, ok := node[key].(map[string]any)
	if !ok {
		if value == nil {
			return
		}
		child = map[string]any{}
		node[key] = child
	}
	setPath(child, keys[1:], value)
	if value == nil && len(child) == 0 {
		delete(node, key)
	}
}

// DotPathGet reads the leaf value at a dot-separated path, returning
// (nil, false) if any intermediate segment is missing or not a map.
func DotPathGet(root map[string]any, path string) (any, bool) {
	keys := strings.Split(path, ".")
	var node any = map[string]any(root)
	for _, key := range keys {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// DeepMergeInto merges src into dst in place with "updates win"
// semantics: scalars and non-map values in src overwrite dst; nested
// maps are merged key by key; a nil value in src deletes the
// corresponding key in dst. A src key containing "." is taken as a
// dot-separated path into dst. Used by index.updateWithRetry-style
// merges and by the emittedEvents deep-merge.
func DeepMergeInto(dst, src map[string]any) {
	for k, v := range src {
		if strings.Contains(k, ".") {
			if _, isMap := v.(map[string]any); isMap {
				DeepMergeInto(dst, BuildNestedFromPath(k, v))
			} else {
				DotPathSet(dst, k, v)
			}
			continue
		}
		if v == nil {
			delete(dst, k)
			continue
		}
		if srcMap, ok := v.(map[string]any); ok {
			dstMap, ok := dst[k].(map[string]any)
			if !ok {
				dstMap = map[string]any{}
				dst[k] = dstMap
			}
			DeepMergeInto(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
}

// BuildNestedFromPath builds a nested map[string]any whose only leaf,
// at the given dot-separated path, is value. Used to turn an emit's
// "a.b.c" name into the nested shape DeepMergeInto expects.
func BuildNestedFromPath(path string, value any) map[string]any {
	keys := strings.Split(path, ".")
	root := map[string]any{}
	setPath(root, keys, value)
	return root
}
