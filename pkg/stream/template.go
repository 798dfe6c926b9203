package stream

import "strings"

// Placeholders returns the {name} placeholders of a path template in order
// of first appearance.
func Placeholders(template string) []string {
	var names []string
	seen := make(map[string]bool)
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			return names
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return names
		}
		name := rest[open+1 : open+end]
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		rest = rest[open+end+1:]
	}
}
