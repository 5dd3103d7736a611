//go:build !cgo

package layout

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	structOpenRegexp  = regexp.MustCompile(`(?s)\b(typedef\s+)?struct\s*((?:__attribute__\s*\(\([^;{]*?\)\)\s*)?)([A-Za-z_][A-Za-z0-9_]*)?\s*((?:__attribute__\s*\(\([^;{]*?\)\)\s*)?)\{`)
	typedefTailRegexp = regexp.MustCompile(`^\s*((?:__attribute__\s*\(\([^;]*?\)\)\s*)?)([A-Za-z_][A-Za-z0-9_]*)\s*;`)
	blockCommentsRe   = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineCommentsRe    = regexp.MustCompile(`(?m)//.*$`)
	preprocLineRe     = regexp.MustCompile(`(?m)^[ \t]*#.*$`)
	arrayDeclRegexp   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*\[\s*([^\]]+)\s*\]$`)
)

// parseStructs is the regex fallback used when cgo (and so tree-sitter) is
// unavailable. It understands the subset of C that sensor headers use.
func parseStructs(src []byte, path string, defines map[string]int, packs []packRegion) ([]Struct, error) {
	content := string(src)
	var out []Struct
	for _, m := range structOpenRegexp.FindAllStringSubmatchIndex(content, -1) {
		open := m[1] - 1
		closeIdx, ok := matchBrace(content, open)
		if !ok {
			return nil, fmt.Errorf("%s:%d: unterminated struct body", path, lineAt(src, m[0]))
		}
		isTypedef := m[2] >= 0
		name := ""
		if m[6] >= 0 {
			name = content[m[6]:m[7]]
		}
		attrs := submatch(content, m, 2) + submatch(content, m, 4)
		if isTypedef {
			if tail := typedefTailRegexp.FindStringSubmatch(content[closeIdx+1:]); tail != nil {
				attrs += tail[1]
				name = tail[2]
			}
		}
		if name == "" {
			continue
		}

		line := lineAt(src, m[0])
		raw, err := parseBody(content[open+1:closeIdx], defines, line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: struct %s: %w", path, line, name, err)
		}
		packed := packAt(packs, m[0]) == 1 || packedAttrRegexp.MatchString(attrs)
		fields, size, err := layoutFields(name, raw, packed)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, Struct{Name: name, Packed: packed, ByteSize: size, Fields: fields, Line: line})
	}
	return out, nil
}

func parseBody(body string, defines map[string]int, line int) ([]rawField, error) {
	clean := blockCommentsRe.ReplaceAllString(body, "")
	clean = lineCommentsRe.ReplaceAllString(clean, "")
	clean = preprocLineRe.ReplaceAllString(clean, "")

	var out []rawField
	for _, seg := range strings.Split(clean, ";") {
		decl := strings.TrimSpace(seg)
		if decl == "" {
			continue
		}
		if strings.ContainsAny(decl, "*&():{}") {
			return nil, fmt.Errorf("unsupported field syntax %q", decl)
		}
		parts := strings.Split(decl, ",")
		head := strings.Fields(parts[0])
		if len(head) < 2 {
			return nil, fmt.Errorf("invalid field declaration %q", decl)
		}
		first := head[len(head)-1]
		ctype := strings.Join(head[:len(head)-1], " ")
		// Re-join "name [4]" style spacing.
		if strings.HasPrefix(first, "[") && len(head) >= 3 {
			first = head[len(head)-2] + first
			ctype = strings.Join(head[:len(head)-2], " ")
		}
		if strings.Contains(ctype, "struct") || strings.Contains(ctype, "union") {
			return nil, fmt.Errorf("unsupported nested declaration %q", decl)
		}

		names := append([]string{first}, parts[1:]...)
		for _, n := range names {
			f, err := parseDeclarator(strings.TrimSpace(n), ctype, defines, line)
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		}
	}
	return out, nil
}

func parseDeclarator(decl, ctype string, defines map[string]int, line int) (rawField, error) {
	count := 1
	name := decl
	if m := arrayDeclRegexp.FindStringSubmatch(decl); m != nil {
		n, err := resolveCount(m[2], defines)
		if err != nil {
			return rawField{}, err
		}
		name, count = m[1], n
	}
	if !identRegexp.MatchString(name) {
		return rawField{}, fmt.Errorf("invalid field name %q", decl)
	}
	return rawField{name: name, ctype: ctype, count: count, line: line}, nil
}

func matchBrace(s string, open int) (int, bool) {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func submatch(s string, m []int, group int) string {
	if m[2*group] < 0 {
		return ""
	}
	return s[m[2*group]:m[2*group+1]]
}
