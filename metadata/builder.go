package metadata

// Builder assembles a Container in memory. Tests and tools use it
// instead of hand-maintaining type-name pools; descriptors are interned
// into the pool on first use.
type Builder struct {
	name    string
	types   map[string]TypeIdx
	names   []string
	classes []*ClassBuilder
}

// NewBuilder returns a builder for a container with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:  name,
		types: make(map[string]TypeIdx),
	}
}

// Type interns a descriptor into the type-name pool and returns its index.
func (b *Builder) Type(descriptor string) TypeIdx {
	if idx, ok := b.types[descriptor]; ok {
		return idx
	}
	idx := TypeIdx(len(b.names))
	b.types[descriptor] = idx
	b.names = append(b.names, descriptor)
	return idx
}

// Class starts a class definition. The superclass defaults to the root
// object type "Lcore/Object;" and the metadata version to the newest
// supported one; use the ClassBuilder to override either.
func (b *Builder) Class(descriptor string, flags uint32) *ClassBuilder {
	cb := &ClassBuilder{
		b: b,
		def: ClassDef{
			Descriptor:  b.Type(descriptor),
			AccessFlags: flags,
			Superclass:  b.Type("Lcore/Object;"),
			Version:     MinVersionDefaultMethods,
		},
	}
	b.classes = append(b.classes, cb)
	return cb
}

// Build assembles and validates the container.
func (b *Builder) Build() (*Container, error) {
	c := &Container{
		Format:    FormatVersion,
		Name:      b.name,
		TypeNames: b.names,
	}
	for _, cb := range b.classes {
		c.Classes = append(c.Classes, cb.def)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	sum, err := Checksum(c)
	if err != nil {
		return nil, err
	}
	c.Checksum = sum
	return c, nil
}

// MustBuild is Build for fixtures that are known to be well-formed.
func (b *Builder) MustBuild() *Container {
	c, err := b.Build()
	if err != nil {
		panic(err)
	}
	return c
}

// ClassBuilder accumulates one class definition.
type ClassBuilder struct {
	b   *Builder
	def ClassDef
}

// Super sets the superclass descriptor.
func (cb *ClassBuilder) Super(descriptor string) *ClassBuilder {
	cb.def.Superclass = cb.b.Type(descriptor)
	return cb
}

// NoSuper marks the class as having no superclass. Only the root object
// type may do this.
func (cb *ClassBuilder) NoSuper() *ClassBuilder {
	cb.def.Superclass = NoIndex
	return cb
}

// Implements appends direct superinterfaces in declaration order.
func (cb *ClassBuilder) Implements(descriptors ...string) *ClassBuilder {
	for _, d := range descriptors {
		cb.def.Interfaces = append(cb.def.Interfaces, cb.b.Type(d))
	}
	return cb
}

// Version sets the per-class metadata version.
func (cb *ClassBuilder) Version(v uint32) *ClassBuilder {
	cb.def.Version = v
	return cb
}

// Field appends an instance or static field.
func (cb *ClassBuilder) Field(name, typeDescriptor string, flags uint32) *ClassBuilder {
	cb.def.Fields = append(cb.def.Fields, FieldDef{
		Name:        name,
		Type:        cb.b.Type(typeDescriptor),
		AccessFlags: flags,
	})
	return cb
}

// StaticField appends a static field with an initializer constant.
func (cb *ClassBuilder) StaticField(name, typeDescriptor string, flags uint32, init *InitValue) *ClassBuilder {
	cb.def.Fields = append(cb.def.Fields, FieldDef{
		Name:        name,
		Type:        cb.b.Type(typeDescriptor),
		AccessFlags: flags | AccStatic,
		Init:        init,
	})
	return cb
}

// Method appends a method. codeOff zero means no body.
func (cb *ClassBuilder) Method(name, signature string, flags uint32, codeOff uint32) *ClassBuilder {
	cb.def.Methods = append(cb.def.Methods, MethodDef{
		Name:        name,
		Signature:   signature,
		AccessFlags: flags,
		CodeOff:     codeOff,
	})
	return cb
}

// IntInit returns an integral initializer constant.
func IntInit(v int64) *InitValue { return &InitValue{Kind: InitInt, Int: v} }

// FloatInit returns a floating-point initializer constant.
func FloatInit(v float64) *InitValue { return &InitValue{Kind: InitFloat, Float: v} }

// StringInit returns a string initializer constant.
func StringInit(s string) *InitValue { return &InitValue{Kind: InitString, Str: s} }

// NullInit returns a null reference initializer.
func NullInit() *InitValue { return &InitValue{Kind: InitNull} }
