// Package tmpl renders the tiny mustache dialect used by notification
// templates.
//
// Two constructs are supported: `{{name}}` substitutes a variable, and
// `{{#if name}}...{{/if}}` keeps its body only when the variable is truthy.
// A variable is truthy when it is defined, non-empty, and not the literal
// string "false". Missing variables substitute as empty; malformed tags are
// left verbatim.
package tmpl

import "strings"

const (
	openTag    = "{{"
	closeTag   = "}}"
	ifPrefix   = "{{#if "
	endIfToken = "{{/if}}"
)

// Vars supplies substitution values.
type Vars map[string]string

// Render expands tpl against vars.
func Render(tpl string, vars Vars) string {
	var b strings.Builder
	b.Grow(len(tpl))
	for len(tpl) > 0 {
		open := strings.Index(tpl, openTag)
		if open < 0 {
			b.WriteString(tpl)
			break
		}
		b.WriteString(tpl[:open])
		tpl = tpl[open:]

		if strings.HasPrefix(tpl, ifPrefix) {
			rendered, rest, ok := renderIf(tpl, vars)
			if !ok {
				// Unterminated conditional stays as written.
				b.WriteString(tpl)
				break
			}
			b.WriteString(rendered)
			tpl = rest
			continue
		}

		end := strings.Index(tpl, closeTag)
		if end < 0 {
			b.WriteString(tpl)
			break
		}
		name := strings.TrimSpace(tpl[len(openTag):end])
		if name == "" || strings.HasPrefix(name, "#") || strings.HasPrefix(name, "/") {
			// Not a variable tag; emit verbatim.
			b.WriteString(tpl[:end+len(closeTag)])
		} else {
			b.WriteString(vars[name])
		}
		tpl = tpl[end+len(closeTag):]
	}
	return b.String()
}

// renderIf consumes a leading {{#if name}}...{{/if}} block, returning the
// rendered block and the remainder of the template. ok is false when the
// block never closes.
func renderIf(tpl string, vars Vars) (rendered, rest string, ok bool) {
	headEnd := strings.Index(tpl, closeTag)
	if headEnd < 0 {
		return "", "", false
	}
	name := strings.TrimSpace(tpl[len(ifPrefix):headEnd])
	bodyStart := headEnd + len(closeTag)

	// Find the matching {{/if}}, skipping nested conditionals.
	depth := 1
	i := bodyStart
	for depth > 0 {
		next := strings.Index(tpl[i:], openTag)
		if next < 0 {
			return "", "", false
		}
		i += next
		switch {
		case strings.HasPrefix(tpl[i:], endIfToken):
			depth--
			if depth == 0 {
				body := tpl[bodyStart:i]
				rest = tpl[i+len(endIfToken):]
				if truthy(vars, name) {
					return Render(body, vars), rest, true
				}
				return "", rest, true
			}
			i += len(endIfToken)
		case strings.HasPrefix(tpl[i:], ifPrefix):
			depth++
			i += len(ifPrefix)
		default:
			i += len(openTag)
		}
	}
	return "", "", false
}

func truthy(vars Vars, name string) bool {
	v, defined := vars[name]
	return defined && v != "" && v != "false"
}
