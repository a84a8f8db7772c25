package room

import (
	"github.com/mitchellh/mapstructure"
)

// decodeContent decodes a raw content map into a json-tagged struct. A bad
// event never fails a batch: decoding errors leave the target at its zero
// value and the caller ignores the event at point of use.
func decodeContent(content map[string]interface{}, out interface{}) bool {
	if content == nil {
		return false
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return false
	}
	if err := dec.Decode(content); err != nil {
		logger.Debugf("ignoring malformed content: %v", err)
		return false
	}
	return true
}

// stringSlice pulls a list-of-strings field out of a raw content map,
// returning ok=false when the field is absent or not an array. Used for
// ephemeral payloads (m.typing user_ids) where a malformed value must be
// ignored rather than coerced.
func stringSlice(content map[string]interface{}, field string) ([]string, bool) {
	raw, ok := content[field]
	if !ok {
		return nil, false
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, entry := range list {
		s, ok := entry.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
