package adaptor

import (
	"github.com/tidwall/gjson"

	"github.com/duogate/duogate/internal/protocol"
)

// maxScanDepth bounds recursive payload walks; nesting past it is treated
// as absence.
const maxScanDepth = 32

// HasImage reports whether the payload carries an image: any message
// content block of an image kind with a usable source, or any top-level
// attachment of an image kind. Works on the raw body so it is dialect
// agnostic.
func HasImage(raw []byte) bool {
	found := false
	gjson.GetBytes(raw, "attachments").ForEach(func(_, att gjson.Result) bool {
		switch att.Get("type").String() {
		case protocol.PartImage, protocol.PartInputImage, protocol.PartImageURL:
			found = true
		}
		return !found
	})
	if found {
		return true
	}

	gjson.GetBytes(raw, "messages").ForEach(func(_, msg gjson.Result) bool {
		msg.Get("content").ForEach(func(_, part gjson.Result) bool {
			if partHasImage(part) {
				found = true
			}
			return !found
		})
		return !found
	})
	return found
}

func partHasImage(part gjson.Result) bool {
	switch part.Get("type").String() {
	case protocol.PartImage, protocol.PartInputImage:
		if iu := part.Get("image_url"); iu.Type == gjson.String && iu.String() != "" {
			return true
		}
		src := part.Get("source")
		return src.Exists() && (src.Get("data").String() != "" || src.Get("url").String() != "")
	case protocol.PartImageURL:
		if iu := part.Get("image_url"); iu.Type == gjson.String {
			return iu.String() != ""
		}
		return part.Get("image_url.url").String() != ""
	}
	return false
}

// HasCacheControl walks the payload looking for a cache_control key
// anywhere, to decide whether the prompt-caching beta header should be
// added upstream. The walk is depth-bounded.
func HasCacheControl(raw []byte) bool {
	return scanForKey(gjson.ParseBytes(raw), "cache_control", 0)
}

func scanForKey(value gjson.Result, key string, depth int) bool {
	if depth >= maxScanDepth {
		return false
	}
	found := false
	switch {
	case value.IsObject():
		value.ForEach(func(k, v gjson.Result) bool {
			if k.String() == key {
				found = true
				return false
			}
			if scanForKey(v, key, depth+1) {
				found = true
				return false
			}
			return true
		})
	case value.IsArray():
		value.ForEach(func(_, v gjson.Result) bool {
			if scanForKey(v, key, depth+1) {
				found = true
				return false
			}
			return true
		})
	}
	return found
}
