package classfile

import (
	"fmt"
	"strings"
)

// MethodDescriptor is a parsed method descriptor such as "(IJLjava/lang/String;)V".
type MethodDescriptor struct {
	Params []string // field descriptors, in order
	Return string   // field descriptor, or "V"
}

// ArgSlots returns the number of local slots the parameters occupy,
// not counting a receiver.
func (d *MethodDescriptor) ArgSlots() int {
	n := 0
	for _, p := range d.Params {
		n += SlotWidth(p)
	}
	return n
}

// ParseMethodDescriptor splits a method descriptor into its parts.
func ParseMethodDescriptor(desc string) (*MethodDescriptor, error) {
	if len(desc) < 3 || desc[0] != '(' {
		return nil, fmt.Errorf("%w: %q", ErrBadDescriptor, desc)
	}
	md := &MethodDescriptor{}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n := fieldDescriptorLen(desc[i:])
		if n == 0 {
			return nil, fmt.Errorf("%w: %q", ErrBadDescriptor, desc)
		}
		md.Params = append(md.Params, desc[i:i+n])
		i += n
	}
	if i >= len(desc) {
		return nil, fmt.Errorf("%w: %q", ErrBadDescriptor, desc)
	}
	ret := desc[i+1:]
	if ret != "V" && fieldDescriptorLen(ret) != len(ret) {
		return nil, fmt.Errorf("%w: %q", ErrBadDescriptor, desc)
	}
	md.Return = ret
	return md, nil
}

// ValidFieldDescriptor reports whether s is exactly one field descriptor.
func ValidFieldDescriptor(s string) bool {
	return s != "" && fieldDescriptorLen(s) == len(s)
}

// fieldDescriptorLen returns the length of the field descriptor at the start
// of s, or 0 if s does not start with one.
func fieldDescriptorLen(s string) int {
	dims := 0
	for dims < len(s) && s[dims] == '[' {
		dims++
	}
	if dims > 255 || dims >= len(s) {
		return 0
	}
	switch s[dims] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return dims + 1
	case 'L':
		end := strings.IndexByte(s[dims:], ';')
		if end <= 1 {
			return 0
		}
		name := s[dims+1 : dims+end]
		if strings.ContainsAny(name, ".[") {
			return 0
		}
		return dims + end + 1
	}
	return 0
}

// SlotWidth returns 2 for long and double descriptors and 1 otherwise.
func SlotWidth(fieldDesc string) int {
	if fieldDesc == "J" || fieldDesc == "D" {
		return 2
	}
	return 1
}

// ClassNameOf returns the internal name an object descriptor refers to:
// "Ljava/lang/String;" gives "java/lang/String". Array descriptors are
// already internal names and come back unchanged.
func ClassNameOf(fieldDesc string) string {
	if len(fieldDesc) > 2 && fieldDesc[0] == 'L' && fieldDesc[len(fieldDesc)-1] == ';' {
		return fieldDesc[1 : len(fieldDesc)-1]
	}
	return fieldDesc
}
