package docker

import "strings"

// keysyms maps canonical key names (lowercase, as the agent hands them
// down) to X11 keysyms understood by xdotool. Names not listed pass
// through unchanged, which already covers single characters and proper
// keysyms.
var keysyms = map[string]string{
	"enter":     "Return",
	"tab":       "Tab",
	"escape":    "Escape",
	"esc":       "Escape",
	"backspace": "BackSpace",
	"delete":    "Delete",
	"space":     "space",
	"up":        "Up",
	"down":      "Down",
	"left":      "Left",
	"right":     "Right",
	"home":      "Home",
	"end":       "End",
	"pageup":    "Page_Up",
	"pagedown":  "Page_Down",
	"ctrl":      "ctrl",
	"alt":       "alt",
	"shift":     "shift",
	"super":     "super",
}

// keysym resolves a key name, handling chords like "ctrl+c" part by part.
func keysym(key string) string {
	parts := strings.Split(key, "+")
	for i, p := range parts {
		if mapped, ok := keysyms[strings.ToLower(p)]; ok {
			parts[i] = mapped
		}
	}
	return strings.Join(parts, "+")
}
