// Package layout reads the firmware's packed sensor struct from a C or C++
// header and checks it against the host field table, so the two sides of
// the link cannot drift apart silently.
package layout

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"sensorlink/pkg/protocol"
)

const DefaultStruct = "Sensors"

var ErrMismatch = errors.New("layout: firmware struct does not match field table")

// Field is one member of a parsed struct. Size is the element size; arrays
// have Count > 1.
type Field struct {
	Name   string
	CType  string
	Count  int
	Size   int
	Offset int
	Line   int
}

func (f Field) Width() int {
	return f.Count * f.Size
}

type Struct struct {
	Name     string
	Packed   bool
	ByteSize int
	Fields   []Field
	Line     int
}

// Header is everything the checker extracts from one file.
type Header struct {
	Path    string
	Structs []Struct
	// Defines holds object-like macros with integer values.
	Defines map[string]int
}

func (h Header) Struct(name string) (Struct, bool) {
	for _, st := range h.Structs {
		if st.Name == name {
			return st, true
		}
	}
	return Struct{}, false
}

// Bits returns the *_BIT defines ordered by value.
func (h Header) Bits() []Bit {
	out := make([]Bit, 0)
	for name, v := range h.Defines {
		if stem, ok := strings.CutSuffix(name, "_BIT"); ok && stem != "" {
			out = append(out, Bit{Name: stem, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value == out[j].Value {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	return out
}

type Bit struct {
	Name  string
	Value int
}

func ParseFile(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse extracts struct definitions and integer defines from src.
func Parse(src []byte, path string) (Header, error) {
	defines := scanDefines(string(src))
	packs := scanPackRegions(string(src))
	structs, err := parseStructs(src, path, defines, packs)
	if err != nil {
		return Header{}, err
	}
	return Header{Path: path, Structs: structs, Defines: defines}, nil
}

// Check parses path and compares structName against the host field table.
// A non-empty mismatch list is also reported as ErrMismatch.
func Check(path, structName string) ([]string, error) {
	if structName == "" {
		structName = DefaultStruct
	}
	h, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	st, ok := h.Struct(structName)
	if !ok {
		return nil, fmt.Errorf("struct %s not found in %s", structName, path)
	}
	problems := Compare(st, protocol.Fields())
	problems = append(problems, CompareBits(h.Bits(), protocol.Fields())...)
	if len(problems) > 0 {
		return problems, fmt.Errorf("%w: %s in %s (%d problems)", ErrMismatch, structName, path, len(problems))
	}
	return nil, nil
}

// Compare lists every difference between st and want: packing, field count,
// order, element type, element count and payload offset.
func Compare(st Struct, want []protocol.FieldSpec) []string {
	var problems []string
	if !st.Packed {
		problems = append(problems, fmt.Sprintf("struct %s is not packed", st.Name))
	}
	if len(st.Fields) != len(want) {
		problems = append(problems, fmt.Sprintf("struct %s has %d fields, field table has %d", st.Name, len(st.Fields), len(want)))
	}

	offset := 0
	for i := 0; i < min(len(st.Fields), len(want)); i++ {
		got, spec := st.Fields[i], want[i]
		if got.Name != spec.Name {
			problems = append(problems, fmt.Sprintf("field %d: firmware %s, host %s", i, got.Name, spec.Name))
		}
		if protocol.NormalizeCType(got.CType) != protocol.NormalizeCType(spec.CType) {
			problems = append(problems, fmt.Sprintf("field %s: type %s, host %s", got.Name, got.CType, spec.CType))
		}
		if got.Count != spec.Count {
			problems = append(problems, fmt.Sprintf("field %s: %d elements, host %d", got.Name, got.Count, spec.Count))
		}
		if got.Offset != offset {
			problems = append(problems, fmt.Sprintf("field %s: offset %d, host %d", got.Name, got.Offset, offset))
		}
		offset += spec.Width()
	}
	if len(problems) == 0 && st.ByteSize != protocol.MaskAll.Width() {
		problems = append(problems, fmt.Sprintf("struct %s is %d bytes, host payload %d", st.Name, st.ByteSize, protocol.MaskAll.Width()))
	}
	return problems
}

// CompareBits checks that the *_BIT defines, if any, number the fields in
// table order: bit i's stem must prefix field i's upper-cased name.
func CompareBits(bits []Bit, want []protocol.FieldSpec) []string {
	if len(bits) == 0 {
		return nil
	}
	var problems []string
	if len(bits) != len(want) {
		problems = append(problems, fmt.Sprintf("%d *_BIT defines, field table has %d fields", len(bits), len(want)))
	}
	for _, b := range bits {
		if b.Value < 0 || b.Value >= len(want) {
			problems = append(problems, fmt.Sprintf("%s_BIT = %d is outside the field table", b.Name, b.Value))
			continue
		}
		field := strings.ToUpper(want[b.Value].Name)
		if !strings.HasPrefix(field, b.Name) {
			problems = append(problems, fmt.Sprintf("%s_BIT = %d, but bit %d is %s", b.Name, b.Value, b.Value, want[b.Value].Name))
		}
	}
	return problems
}

var (
	defineRegexp = regexp.MustCompile(`(?m)^[ \t]*#[ \t]*define[ \t]+([A-Za-z_][A-Za-z0-9_]*)[ \t]+([^\r\n]+?)[ \t]*(?://[^\r\n]*)?$`)
	pragmaRegexp = regexp.MustCompile(`(?m)^[ \t]*#[ \t]*pragma[ \t]+pack[ \t]*\(([^)]*)\)`)
	identRegexp  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	packedAttrRegexp = regexp.MustCompile(`__attribute__\s*\(\(\s*(?:__)?packed(?:__)?\s*\)\)`)
)

func scanDefines(src string) map[string]int {
	out := make(map[string]int)
	for _, m := range defineRegexp.FindAllStringSubmatch(src, -1) {
		raw := strings.TrimSpace(m[2])
		raw = strings.TrimSuffix(strings.TrimPrefix(raw, "("), ")")
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 0, 32)
		if err != nil {
			continue
		}
		out[m[1]] = int(v)
	}
	return out
}

// packRegion records the packing in effect from offset on. A value of 0
// means the compiler default.
type packRegion struct {
	offset int
	pack   int
}

// scanPackRegions replays #pragma pack push/pop directives in file order.
func scanPackRegions(src string) []packRegion {
	regions := []packRegion{{offset: 0, pack: 0}}
	stack := []int{}
	current := 0
	for _, m := range pragmaRegexp.FindAllStringSubmatchIndex(src, -1) {
		args := strings.Split(src[m[2]:m[3]], ",")
		for i := range args {
			args[i] = strings.TrimSpace(args[i])
		}
		switch {
		case len(args) == 1 && args[0] == "":
			current = 0
		case args[0] == "push":
			stack = append(stack, current)
			if len(args) > 1 {
				current = parsePack(args[len(args)-1], current)
			}
		case args[0] == "pop":
			if len(stack) > 0 {
				current = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
			} else {
				current = 0
			}
		default:
			current = parsePack(args[0], current)
		}
		regions = append(regions, packRegion{offset: m[1], pack: current})
	}
	return regions
}

func parsePack(raw string, fallback int) int {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// packAt returns the packing in effect at byte offset off.
func packAt(regions []packRegion, off int) int {
	pack := 0
	for _, r := range regions {
		if r.offset > off {
			break
		}
		pack = r.pack
	}
	return pack
}

type rawField struct {
	name  string
	ctype string
	count int
	line  int
}

// layoutFields assigns offsets. pack == 1 (or the packed attribute) places
// fields back to back; otherwise each field aligns to its element size.
func layoutFields(structName string, raw []rawField, packed bool) ([]Field, int, error) {
	if len(raw) == 0 {
		return nil, 0, fmt.Errorf("struct %s has no supported fields", structName)
	}
	fields := make([]Field, 0, len(raw))
	offset := 0
	maxAlign := 1
	for _, f := range raw {
		size, ok := protocol.CTypeSize(f.ctype)
		if !ok {
			return nil, 0, fmt.Errorf("struct %s field %s: unsupported c type %q (line %d)", structName, f.name, f.ctype, f.line)
		}
		if !packed {
			maxAlign = max(maxAlign, size)
			offset = alignUp(offset, size)
		}
		fields = append(fields, Field{
			Name:   f.name,
			CType:  protocol.NormalizeCType(f.ctype),
			Count:  f.count,
			Size:   size,
			Offset: offset,
			Line:   f.line,
		})
		offset += size * f.count
	}
	if !packed {
		offset = alignUp(offset, maxAlign)
	}
	return fields, offset, nil
}

func resolveCount(raw string, defines map[string]int) (int, error) {
	raw = strings.TrimSpace(raw)
	if v, err := strconv.ParseInt(raw, 0, 32); err == nil && v > 0 {
		return int(v), nil
	}
	if v, ok := defines[raw]; ok && v > 0 {
		return v, nil
	}
	return 0, fmt.Errorf("unsupported array size %q", raw)
}

func alignUp(value int, align int) int {
	if align <= 1 {
		return value
	}
	rem := value % align
	if rem == 0 {
		return value
	}
	return value + (align - rem)
}

func lineAt(src []byte, off int) int {
	return strings.Count(string(src[:min(off, len(src))]), "\n") + 1
}
