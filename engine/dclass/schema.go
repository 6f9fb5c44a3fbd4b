// Package dclass loads the distributed class schema and encodes/decodes field values
//
// A schema is a YAML file listing classes in order. Classes are numbered from 1 in file order,
// fields are numbered from 1 across the whole schema in file order. A class may extend one class
// declared before it, in which case it starts with all fields of its parent.
package dclass

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/common"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownClass is returned when a class id or name is not in the schema
	ErrUnknownClass = errors.New("unknown class")
	// ErrUnknownField is returned when a field id or name is not in the schema or the class
	ErrUnknownField = errors.New("unknown field")
	// ErrMalformedValue is returned when field bytes or values can not be decoded or encoded
	ErrMalformedValue = errors.New("malformed field value")
	// ErrBadSchema is returned when the schema file is invalid
	ErrBadSchema = errors.New("bad schema")
)

type schemaFile struct {
	Classes []classDecl `yaml:"classes"`
}

type classDecl struct {
	Name    string      `yaml:"name"`
	Extends string      `yaml:"extends"`
	Fields  []fieldDecl `yaml:"fields"`
}

type fieldDecl struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Keywords  []string `yaml:"keywords"`
	Molecular []string `yaml:"molecular"`
}

// Schema is the set of classes shared by every component of one process
type Schema struct {
	classes      []*Class
	classByName  map[string]*Class
	fields       []*Field
	fieldsByName map[string]*Field
}

// LoadFile loads the schema from a YAML file
func LoadFile(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open schema %s", path)
	}
	defer f.Close()

	schema, err := Load(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "load schema %s", path)
	}
	return schema, nil
}

// Load loads the schema from YAML
func Load(r io.Reader) (*Schema, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var sf schemaFile
	if err := dec.Decode(&sf); err != nil {
		return nil, errors.Wrap(ErrBadSchema, err.Error())
	}

	schema := &Schema{
		classByName:  map[string]*Class{},
		fieldsByName: map[string]*Field{},
	}
	for _, cd := range sf.Classes {
		if err := schema.addClass(cd); err != nil {
			return nil, err
		}
	}
	return schema, nil
}

func (s *Schema) addClass(cd classDecl) error {
	if cd.Name == "" {
		return errors.Wrap(ErrBadSchema, "class without name")
	}
	if _, ok := s.classByName[cd.Name]; ok {
		return errors.Wrapf(ErrBadSchema, "duplicate class %s", cd.Name)
	}

	cls := &Class{
		ID:         common.ClassID(len(s.classes) + 1),
		Name:       cd.Name,
		fieldsByID: map[common.FieldID]*Field{},
		byName:     map[string]*Field{},
	}

	if cd.Extends != "" {
		parent, ok := s.classByName[cd.Extends]
		if !ok {
			return errors.Wrapf(ErrBadSchema, "class %s extends unknown class %s", cd.Name, cd.Extends)
		}
		cls.Parent = parent
		for _, f := range parent.Fields {
			cls.addField(f)
		}
	}

	for _, fd := range cd.Fields {
		f, err := s.newField(cls, fd)
		if err != nil {
			return errors.WithMessagef(err, "class %s", cd.Name)
		}
		cls.addField(f)
	}

	s.classes = append(s.classes, cls)
	s.classByName[cls.Name] = cls
	return nil
}

func (s *Schema) newField(cls *Class, fd fieldDecl) (*Field, error) {
	if fd.Name == "" {
		return nil, errors.Wrap(ErrBadSchema, "field without name")
	}
	if _, ok := s.fieldsByName[fd.Name]; ok {
		return nil, errors.Wrapf(ErrBadSchema, "duplicate field %s", fd.Name)
	}

	f := &Field{
		ID:    common.FieldID(len(s.fields) + 1),
		Name:  fd.Name,
		Class: cls,
	}

	for _, kwname := range fd.Keywords {
		kw, ok := keywordByName[kwname]
		if !ok {
			return nil, errors.Wrapf(ErrBadSchema, "field %s: unknown keyword %s", fd.Name, kwname)
		}
		f.keywords |= kw
	}

	if len(fd.Molecular) > 0 {
		if fd.Type != "" {
			return nil, errors.Wrapf(ErrBadSchema, "molecular field %s can not have a type", fd.Name)
		}
		f.Type = FT_MOLECULAR
		for _, aname := range fd.Molecular {
			atomic := cls.byName[aname]
			if atomic == nil {
				return nil, errors.Wrapf(ErrBadSchema, "molecular field %s: unknown atomic %s", fd.Name, aname)
			}
			if atomic.IsMolecular() {
				return nil, errors.Wrapf(ErrBadSchema, "molecular field %s: %s is molecular", fd.Name, aname)
			}
			f.atomics = append(f.atomics, atomic)
			f.keywords |= atomic.keywords
		}
	} else {
		ft, ok := fieldTypeByName[fd.Type]
		if !ok {
			return nil, errors.Wrapf(ErrBadSchema, "field %s: unknown type %q", fd.Name, fd.Type)
		}
		f.Type = ft
	}

	s.fields = append(s.fields, f)
	s.fieldsByName[f.Name] = f
	return f, nil
}

// NumClasses returns the number of classes
func (s *Schema) NumClasses() int {
	return len(s.classes)
}

// ClassByID returns the class of the id
func (s *Schema) ClassByID(id common.ClassID) (*Class, error) {
	if id == 0 || int(id) > len(s.classes) {
		return nil, errors.Wrapf(ErrUnknownClass, "class id %d", id)
	}
	return s.classes[id-1], nil
}

// ClassByName returns the class of the name
func (s *Schema) ClassByName(name string) (*Class, error) {
	cls, ok := s.classByName[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownClass, "class %s", name)
	}
	return cls, nil
}

// FieldByID returns the field of the id
func (s *Schema) FieldByID(id common.FieldID) (*Field, error) {
	if id == 0 || int(id) > len(s.fields) {
		return nil, errors.Wrapf(ErrUnknownField, "field id %d", id)
	}
	return s.fields[id-1], nil
}

// FieldByName returns the field of the name
func (s *Schema) FieldByName(name string) (*Field, error) {
	f, ok := s.fieldsByName[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownField, "field %s", name)
	}
	return f, nil
}

// Class is a distributed class
type Class struct {
	ID     common.ClassID
	Name   string
	Parent *Class
	// Fields are in declaration order, starting with the fields of the parent class
	Fields []*Field

	fieldsByID map[common.FieldID]*Field
	byName     map[string]*Field
	required   []*Field
}

func (cls *Class) addField(f *Field) {
	cls.Fields = append(cls.Fields, f)
	cls.fieldsByID[f.ID] = f
	cls.byName[f.Name] = f
	if !f.IsMolecular() && f.HasKeyword(KW_REQUIRED) {
		cls.required = append(cls.required, f)
	}
}

func (cls *Class) String() string {
	return cls.Name
}

// RequiredFields returns the atomic required fields in declaration order
func (cls *Class) RequiredFields() []*Field {
	return cls.required
}

// HasField returns if the field belongs to the class
func (cls *Class) HasField(id common.FieldID) bool {
	_, ok := cls.fieldsByID[id]
	return ok
}

// Field returns the field of the class
func (cls *Class) Field(id common.FieldID) (*Field, error) {
	f, ok := cls.fieldsByID[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownField, "field %d not in class %s", id, cls.Name)
	}
	return f, nil
}

// FieldByName returns the field of the class by name
func (cls *Class) FieldByName(name string) (*Field, error) {
	f, ok := cls.byName[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownField, "field %s not in class %s", name, cls.Name)
	}
	return f, nil
}
