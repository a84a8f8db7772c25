package room

// Filter is the admission rule of a filtered timeline set. Zero-value
// fields mean "no constraint".
type Filter struct {
	ID string

	Types      []string
	NotTypes   []string
	Senders    []string
	NotSenders []string

	// ContainsURL, when set, requires the content url field to be present
	// (true) or absent (false).
	ContainsURL *bool
}

// Matches applies the admission rule to one event.
func (f *Filter) Matches(ev *Event) bool {
	if f == nil {
		return true
	}
	evType := ev.EffectiveType()
	sender := string(ev.Sender)

	for _, t := range f.NotTypes {
		if t == evType {
			return false
		}
	}
	if len(f.Types) > 0 && !containsString(f.Types, evType) {
		return false
	}
	for _, s := range f.NotSenders {
		if s == sender {
			return false
		}
	}
	if len(f.Senders) > 0 && !containsString(f.Senders, sender) {
		return false
	}
	if f.ContainsURL != nil {
		_, hasURL := ev.Content()["url"]
		if hasURL != *f.ContainsURL {
			return false
		}
	}
	return true
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
