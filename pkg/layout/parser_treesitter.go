//go:build cgo

package layout

import (
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/cpp"
)

// parseStructs walks a C++ syntax tree. The C++ grammar also accepts plain
// C headers, and handles structs nested in classes.
func parseStructs(src []byte, path string, defines map[string]int, packs []packRegion) ([]Struct, error) {
	root := sitter.Parse(src, cpp.GetLanguage())

	var out []Struct
	err := walkNode(root, func(node *sitter.Node) error {
		if node.Type() != "struct_specifier" {
			return nil
		}
		body := node.ChildByFieldName("body")
		if body == nil || body.IsNull() {
			return nil
		}
		st, ok, err := parseStructNode(node, body, src, path, defines, packs)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseStructNode(node, body *sitter.Node, src []byte, path string, defines map[string]int, packs []packRegion) (Struct, bool, error) {
	name := ""
	if n := node.ChildByFieldName("name"); n != nil && !n.IsNull() {
		name = strings.TrimSpace(n.Content(src))
	}
	outer := node
	if parent := node.Parent(); parent != nil && !parent.IsNull() && parent.Type() == "type_definition" {
		outer = parent
		if decl := parent.ChildByFieldName("declarator"); decl != nil && !decl.IsNull() {
			if id := findFirstNodeByType(decl, "type_identifier"); id != nil {
				name = strings.TrimSpace(id.Content(src))
			}
		}
	}
	if name == "" {
		return Struct{}, false, nil
	}
	line := int(node.StartPoint().Row) + 1

	var raw []rawField
	for i := 0; i < int(body.NamedChildCount()); i++ {
		child := body.NamedChild(i)
		if child == nil || child.IsNull() || child.Type() != "field_declaration" {
			continue
		}
		fields, err := parseFieldDeclaration(child, src, defines)
		if err != nil {
			return Struct{}, false, fmt.Errorf("%s:%d: struct %s: %w", path, int(child.StartPoint().Row)+1, name, err)
		}
		raw = append(raw, fields...)
	}

	packed := packAt(packs, int(node.StartByte())) == 1 ||
		packedAttrRegexp.MatchString(outer.Content(src))
	fields, size, err := layoutFields(name, raw, packed)
	if err != nil {
		return Struct{}, false, fmt.Errorf("%s:%d: %w", path, line, err)
	}
	return Struct{Name: name, Packed: packed, ByteSize: size, Fields: fields, Line: line}, true, nil
}

func parseFieldDeclaration(node *sitter.Node, src []byte, defines map[string]int) ([]rawField, error) {
	if hasNodeType(node, "bitfield_clause") {
		return nil, fmt.Errorf("unsupported bitfield")
	}
	typeNode := node.ChildByFieldName("type")
	if typeNode == nil || typeNode.IsNull() {
		return nil, fmt.Errorf("field declaration missing type")
	}
	switch typeNode.Type() {
	case "struct_specifier", "union_specifier", "enum_specifier", "class_specifier":
		return nil, fmt.Errorf("unsupported nested declaration")
	}
	ctype := strings.TrimSpace(typeNode.Content(src))
	line := int(node.StartPoint().Row) + 1

	decls := childNodesByFieldName(node, "declarator")
	if len(decls) == 0 {
		return nil, fmt.Errorf("field declaration without a name")
	}
	out := make([]rawField, 0, len(decls))
	for _, decl := range decls {
		if hasNodeType(decl, "pointer_declarator") || hasNodeType(decl, "function_declarator") || hasNodeType(decl, "reference_declarator") {
			return nil, fmt.Errorf("unsupported field syntax %q", decl.Content(src))
		}
		count := 1
		target := decl
		if decl.Type() == "array_declarator" {
			inner := decl.ChildByFieldName("declarator")
			if inner == nil || inner.IsNull() || inner.Type() == "array_declarator" {
				return nil, fmt.Errorf("unsupported multi-dimensional array %q", decl.Content(src))
			}
			sizeNode := decl.ChildByFieldName("size")
			if sizeNode == nil || sizeNode.IsNull() {
				return nil, fmt.Errorf("array %q has no size", decl.Content(src))
			}
			n, err := resolveCount(sizeNode.Content(src), defines)
			if err != nil {
				return nil, err
			}
			count = n
			target = inner
		}
		name := strings.TrimSpace(target.Content(src))
		if !identRegexp.MatchString(name) {
			return nil, fmt.Errorf("invalid field name %q", name)
		}
		out = append(out, rawField{name: name, ctype: ctype, count: count, line: line})
	}
	return out, nil
}

func findFirstNodeByType(node *sitter.Node, nodeType string) *sitter.Node {
	if node == nil || node.IsNull() {
		return nil
	}
	if node.Type() == nodeType {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if found := findFirstNodeByType(node.Child(i), nodeType); found != nil {
			return found
		}
	}
	return nil
}

func hasNodeType(node *sitter.Node, nodeType string) bool {
	return findFirstNodeByType(node, nodeType) != nil
}

func childNodesByFieldName(node *sitter.Node, field string) []*sitter.Node {
	out := make([]*sitter.Node, 0)
	for i := 0; i < int(node.ChildCount()); i++ {
		if node.FieldNameForChild(i) == field {
			out = append(out, node.Child(i))
		}
	}
	return out
}

func walkNode(node *sitter.Node, visit func(*sitter.Node) error) error {
	if node == nil || node.IsNull() {
		return nil
	}
	if err := visit(node); err != nil {
		return err
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if err := walkNode(node.Child(i), visit); err != nil {
			return err
		}
	}
	return nil
}
