// Package hierarchy is the default class hierarchy used by the verifier: a
// registry of class shapes seeded with the core java.lang classes and
// extended with parsed class files.
package hierarchy

import (
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/jverify/classfile"
	"github.com/chazu/jverify/verifier"
)

var log = commonlog.GetLogger("jverify.hierarchy")

// ErrUnknownClass is returned for classes the registry has never seen. It
// wraps verifier.ErrResolution.
var ErrUnknownClass = fmt.Errorf("%w: unknown class", verifier.ErrResolution)

// maxDepth bounds superclass walks so a cyclic registration cannot hang.
const maxDepth = 1024

// Member is a field or method of a registered class.
type Member struct {
	Name        string
	Descriptor  string
	AccessFlags uint16
}

// Class is the shape of one class as far as verification cares.
type Class struct {
	Name        string
	Super       string // "" only for java/lang/Object
	Interfaces  []string
	IsInterface bool
	Fields      []Member
	Methods     []Member
}

type entry struct {
	class   Class
	fields  map[string]uint16 // name+descriptor -> access flags
	methods map[string]uint16
}

func newEntry(c Class) *entry {
	e := &entry{
		class:   c,
		fields:  make(map[string]uint16, len(c.Fields)),
		methods: make(map[string]uint16, len(c.Methods)),
	}
	for _, f := range c.Fields {
		e.fields[f.Name+f.Descriptor] = f.AccessFlags
	}
	for _, m := range c.Methods {
		e.methods[m.Name+m.Descriptor] = m.AccessFlags
	}
	return e
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry implements verifier.ClassHierarchy. It is safe for concurrent
// use; lookups take a read lock.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*entry
	lenient bool
}

var _ verifier.ClassHierarchy = (*Registry)(nil)

// New returns a registry holding the built-in java.lang classes.
func New() *Registry {
	r := &Registry{classes: make(map[string]*entry)}
	for _, c := range builtins {
		r.classes[c.Name] = newEntry(c)
	}
	return r
}

// SetLenient controls how unknown classes are answered. A lenient registry
// treats them as non-interface classes extending java/lang/Object with no
// members instead of failing with ErrUnknownClass.
func (r *Registry) SetLenient(lenient bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lenient = lenient
}

// Define registers c, replacing any class of the same name.
func (r *Registry) Define(c Class) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[c.Name] = newEntry(c)
}

// Add registers the shape of a parsed class file.
func (r *Registry) Add(cf *classfile.ClassFile) {
	c := Class{
		Name:        cf.Name(),
		Super:       cf.SuperName(),
		Interfaces:  cf.InterfaceNames(),
		IsInterface: cf.IsInterface(),
	}
	for _, f := range cf.Fields {
		c.Fields = append(c.Fields, Member{Name: f.Name, Descriptor: f.Descriptor, AccessFlags: f.AccessFlags})
	}
	for _, m := range cf.Methods {
		c.Methods = append(c.Methods, Member{Name: m.Name, Descriptor: m.Descriptor, AccessFlags: m.AccessFlags})
	}
	log.Debugf("registered %s (super %s)", c.Name, c.Super)
	r.Define(c)
}

// AddDir parses every .class file under dir and registers it. It returns
// the number of classes added.
func (r *Registry) AddDir(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".class") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		cf, err := classfile.Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		r.Add(cf)
		n++
		return nil
	})
	return n, err
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.classes[name]
	return ok
}

// Len returns the number of registered classes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.classes)
}

// Names returns all registered class names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fingerprint hashes everything a lookup can observe: the lenient flag and
// the shape of every registered class. Registries with equal fingerprints
// answer every query the same way.
func (r *Registry) Fingerprint() [32]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := sha256.New()
	fmt.Fprintf(h, "lenient=%t\x00", r.lenient)
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e := r.classes[name]
		fmt.Fprintf(h, "%s\x00%s\x00%t\x00%s\x00", name, e.class.Super, e.class.IsInterface,
			strings.Join(e.class.Interfaces, ","))
		writeMembers(h, "f", e.fields)
		writeMembers(h, "m", e.methods)
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func writeMembers(w io.Writer, kind string, members map[string]uint16) {
	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s %s %04x\x00", kind, k, members[k])
	}
}

// lookup returns the entry for name. Unknown classes yield nil in lenient
// mode and ErrUnknownClass otherwise. Callers hold r.mu.
func (r *Registry) lookup(name string) (*entry, error) {
	if e, ok := r.classes[name]; ok {
		return e, nil
	}
	if r.lenient {
		return nil, nil
	}
	return nil, fmt.Errorf("%w %s", ErrUnknownClass, name)
}

func superOf(name string, e *entry) string {
	if e != nil {
		return e.class.Super
	}
	if name == verifier.ObjectClass {
		return ""
	}
	return verifier.ObjectClass
}

// ---------------------------------------------------------------------------
// verifier.ClassHierarchy
// ---------------------------------------------------------------------------

func (r *Registry) IsInterface(name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.lookup(name)
	if err != nil || e == nil {
		return false, err
	}
	return e.class.IsInterface, nil
}

func (r *Registry) IsSubclassOf(name, super string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for depth := 0; name != "" && depth < maxDepth; depth++ {
		if name == super {
			return true, nil
		}
		e, err := r.lookup(name)
		if err != nil {
			return false, err
		}
		name = superOf(name, e)
	}
	return false, nil
}

func (r *Registry) Superclass(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	return superOf(name, e), nil
}

func (r *Registry) LookupMember(class, name, descriptor string, isMethod bool) (verifier.MemberInfo, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := name + descriptor
	for depth := 0; class != "" && depth < maxDepth; depth++ {
		e, err := r.lookup(class)
		if err != nil {
			return verifier.MemberInfo{}, false, err
		}
		if e == nil {
			return verifier.MemberInfo{}, false, nil
		}
		members := e.fields
		if isMethod {
			members = e.methods
		}
		if flags, ok := members[key]; ok {
			return verifier.MemberInfo{Owner: class, AccessFlags: flags}, true, nil
		}
		class = e.class.Super
	}
	return verifier.MemberInfo{}, false, nil
}
