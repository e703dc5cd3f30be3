package server

import (
	"context"
	"errors"
	"sort"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chazu/kiln/vm"
)

// ---------------------------------------------------------------------------
// Inspect service
// ---------------------------------------------------------------------------

// inspectService answers the inspection RPCs against a live runtime.
// All four methods are read-mostly; EnsureInitialized is the one call
// that drives the class machinery forward.
type inspectService struct {
	rt   *vm.Runtime
	fd   *desc.FileDescriptor
	msgs map[string]*desc.MessageDescriptor
	log  commonlog.Logger
}

// inspectServer is the contract RegisterService checks the registered
// implementation against.
type inspectServer interface {
	listClasses(ctx context.Context, req *dynamic.Message) (*dynamic.Message, error)
	getClass(ctx context.Context, req *dynamic.Message) (*dynamic.Message, error)
	ensureInitialized(ctx context.Context, req *dynamic.Message) (*dynamic.Message, error)
	stats(ctx context.Context, req *dynamic.Message) (*dynamic.Message, error)
	newMessage(name string) *dynamic.Message
}

func newInspectService(rt *vm.Runtime) (*inspectService, error) {
	fd, err := buildInspectFile()
	if err != nil {
		return nil, err
	}
	s := &inspectService{
		rt:   rt,
		fd:   fd,
		msgs: make(map[string]*desc.MessageDescriptor),
		log:  commonlog.GetLogger("kiln.server"),
	}
	for _, name := range []string{
		"ClassSummary", "MethodEntry", "InterfaceEntry", "ImtSlotEntry", "FieldEntry",
		"ListClassesRequest", "ListClassesResponse",
		"GetClassRequest", "GetClassResponse",
		"EnsureInitializedRequest", "EnsureInitializedResponse",
		"StatsRequest", "StatsResponse",
	} {
		s.msgs[name] = messageDesc(fd, name)
	}
	return s, nil
}

// newMessage returns an empty message of the named schema type.
func (s *inspectService) newMessage(name string) *dynamic.Message {
	return dynamic.NewMessage(s.msgs[name])
}

// serviceDesc hand-rolls the registration record generated stubs would
// normally carry.
func (s *inspectService) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: InspectServiceName,
		HandlerType: (*inspectServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ListClasses", Handler: listClassesHandler},
			{MethodName: "GetClass", Handler: getClassHandler},
			{MethodName: "EnsureInitialized", Handler: ensureInitializedHandler},
			{MethodName: "Stats", Handler: statsHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: inspectProtoFile,
	}
}

// ---------------------------------------------------------------------------
// Method implementations
// ---------------------------------------------------------------------------

func (s *inspectService) listClasses(_ context.Context, req *dynamic.Message) (*dynamic.Message, error) {
	loader, err := s.loaderArg(req)
	if err != nil {
		return nil, err
	}

	var classes []*vm.Class
	s.rt.EachClass(loader, func(c *vm.Class) bool {
		classes = append(classes, c)
		return true
	})
	sort.Slice(classes, func(i, j int) bool {
		return classes[i].Descriptor() < classes[j].Descriptor()
	})

	resp := s.newMessage("ListClassesResponse")
	for _, c := range classes {
		resp.AddRepeatedFieldByName("classes", s.summarize(c))
	}
	s.log.Debugf("ListClasses(%s): %d classes", loaderLabel(loader), len(classes))
	return resp, nil
}

func (s *inspectService) getClass(_ context.Context, req *dynamic.Message) (*dynamic.Message, error) {
	loader, err := s.loaderArg(req)
	if err != nil {
		return nil, err
	}
	descriptor, _ := req.GetFieldByName("descriptor").(string)
	c := s.rt.LookupClass(descriptor, loader)
	if c == nil {
		return nil, status.Errorf(codes.NotFound, "class %s is not registered to loader %s",
			descriptor, loaderLabel(loader))
	}

	resp := s.newMessage("GetClassResponse")
	resp.SetFieldByName("summary", s.summarize(c))
	if sup := c.Super(); sup != nil {
		resp.SetFieldByName("super", sup.Descriptor())
	}

	for slot, m := range c.VTable() {
		resp.AddRepeatedFieldByName("vtable", s.methodEntry(slot, m))
	}
	resp.SetFieldByName("vtable_inherited", c.VTableOwner() != c.Handle())

	for _, e := range c.IfTable() {
		entry := s.newMessage("InterfaceEntry")
		if iface := s.rt.Class(e.Interface()); iface != nil {
			entry.SetFieldByName("descriptor", iface.Descriptor())
		}
		for slot, m := range e.Methods() {
			if m == nil {
				continue
			}
			entry.AddRepeatedFieldByName("methods", s.methodEntry(slot, m))
		}
		resp.AddRepeatedFieldByName("interfaces", entry)
	}

	if imt := c.Imt(); imt != nil {
		resp.SetFieldByName("imt_shared", imt.Owner() != c.Handle())
		for i := uint16(0); i < vm.ImtSize; i++ {
			m := imt.Get(i)
			if m == nil || s.rt.Unimplemented(m) {
				continue
			}
			slot := s.newMessage("ImtSlotEntry")
			slot.SetFieldByName("index", uint32(i))
			slot.SetFieldByName("method", m.String())
			if ct := m.ConflictTable(); ct != nil {
				for _, p := range ct.Pairs() {
					slot.AddRepeatedFieldByName("conflicts", p.Interface.String())
				}
			}
			resp.AddRepeatedFieldByName("imt", slot)
		}
	}

	for _, f := range c.InstanceFields() {
		resp.AddRepeatedFieldByName("fields", s.fieldEntry(f))
	}
	for _, f := range c.StaticFields() {
		resp.AddRepeatedFieldByName("fields", s.fieldEntry(f))
	}
	resp.SetFieldByName("static_size", c.StaticSize())
	resp.SetFieldByName("reference_bitmap", c.ReferenceOffsets())
	resp.SetFieldByName("reference_fields", uint32(c.NumReferenceFields()))
	if err := c.Failure(); err != nil {
		resp.SetFieldByName("failure", err.Error())
	}
	return resp, nil
}

func (s *inspectService) ensureInitialized(_ context.Context, req *dynamic.Message) (*dynamic.Message, error) {
	loader, err := s.loaderArg(req)
	if err != nil {
		return nil, err
	}
	descriptor, _ := req.GetFieldByName("descriptor").(string)
	canInit, _ := req.GetFieldByName("can_init").(bool)
	canInitParents, _ := req.GetFieldByName("can_init_parents").(bool)

	th := s.rt.Attach()
	defer th.Detach()

	c, err := s.rt.FindClass(th, descriptor, loader)
	if err != nil {
		return nil, rpcError(err)
	}
	if err := s.rt.EnsureInitialized(th, c, canInit, canInitParents); err != nil {
		return nil, rpcError(err)
	}
	s.rt.FlushVisibility(th)

	s.log.Infof("EnsureInitialized(%s@%s) -> %s", descriptor, loaderLabel(loader), c.Status())
	resp := s.newMessage("EnsureInitializedResponse")
	resp.SetFieldByName("descriptor", c.Descriptor())
	resp.SetFieldByName("status", c.Status().String())
	return resp, nil
}

func (s *inspectService) stats(_ context.Context, _ *dynamic.Message) (*dynamic.Message, error) {
	st := s.rt.Stats()
	resp := s.newMessage("StatsResponse")
	resp.SetFieldByName("live_classes", uint32(st.LiveClasses))
	resp.SetFieldByName("arena_bytes", st.ArenaBytes)
	resp.SetFieldByName("boot_classes", uint32(st.BootClasses))
	resp.SetFieldByName("loaders", uint32(st.Loaders))
	resp.SetFieldByName("threads", uint32(st.Threads))
	resp.SetFieldByName("heap_used", st.HeapUsed)
	resp.SetFieldByName("publish_mode", s.rt.VisibilityMode().String())
	return resp, nil
}

// ---------------------------------------------------------------------------
// Response assembly
// ---------------------------------------------------------------------------

func (s *inspectService) summarize(c *vm.Class) *dynamic.Message {
	m := s.newMessage("ClassSummary")
	m.SetFieldByName("descriptor", c.Descriptor())
	m.SetFieldByName("status", c.Status().String())
	m.SetFieldByName("loader", loaderLabel(c.DefiningLoader()))
	m.SetFieldByName("access_flags", c.AccessFlags())
	m.SetFieldByName("object_size", c.ObjectSize())
	m.SetFieldByName("interface", c.IsInterface())
	m.SetFieldByName("array", c.IsArray())
	return m
}

func (s *inspectService) methodEntry(slot int, m *vm.Method) *dynamic.Message {
	e := s.newMessage("MethodEntry")
	e.SetFieldByName("slot", uint32(slot))
	e.SetFieldByName("name", m.Name())
	e.SetFieldByName("signature", m.Signature())
	if d := m.DeclaringClass(); d != nil {
		e.SetFieldByName("declared_by", d.Descriptor())
	}
	e.SetFieldByName("copied", m.IsCopied())
	e.SetFieldByName("abstract", m.IsAbstract())
	e.SetFieldByName("conflict", m.IsDefaultConflict() || m.IsImtConflict())
	return e
}

func (s *inspectService) fieldEntry(f *vm.Field) *dynamic.Message {
	e := s.newMessage("FieldEntry")
	e.SetFieldByName("name", f.Name())
	e.SetFieldByName("type", f.Type().String())
	e.SetFieldByName("offset", f.Offset())
	e.SetFieldByName("static", f.IsStatic())
	return e
}

// loaderArg resolves the request's loader field; "" and "boot" name the
// boot loader.
func (s *inspectService) loaderArg(req *dynamic.Message) (*vm.Loader, error) {
	name, _ := req.GetFieldByName("loader").(string)
	l, ok := s.rt.LoaderByName(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "loader %q is not registered", name)
	}
	return l, nil
}

func loaderLabel(l *vm.Loader) string {
	if l == nil {
		return "boot"
	}
	return l.Name()
}

// rpcError maps class machinery failures onto gRPC codes.
func rpcError(err error) error {
	switch {
	case errors.Is(err, vm.ErrClassNotFound), errors.Is(err, vm.ErrNoClassDefFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, vm.ErrInitDeferred):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, vm.ErrIllegalAccess):
		return status.Error(codes.PermissionDenied, err.Error())
	case vm.IsVMError(err):
		return status.Error(codes.Aborted, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ---------------------------------------------------------------------------
// Transport handlers
// ---------------------------------------------------------------------------

func methodFullName(method string) string {
	return "/" + InspectServiceName + "/" + method
}

func unaryHandler(
	srv interface{}, ctx context.Context,
	dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
	method, reqType string,
	call func(inspectServer, context.Context, *dynamic.Message) (*dynamic.Message, error),
) (interface{}, error) {
	impl := srv.(inspectServer)
	in := impl.newMessage(reqType)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return call(impl, ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodFullName(method)}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return call(impl, ctx, req.(*dynamic.Message))
	})
}

func listClassesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler(srv, ctx, dec, interceptor, "ListClasses", "ListClassesRequest", (inspectServer).listClasses)
}

func getClassHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler(srv, ctx, dec, interceptor, "GetClass", "GetClassRequest", (inspectServer).getClass)
}

func ensureInitializedHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler(srv, ctx, dec, interceptor, "EnsureInitialized", "EnsureInitializedRequest", (inspectServer).ensureInitialized)
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler(srv, ctx, dec, interceptor, "Stats", "StatsRequest", (inspectServer).stats)
}
