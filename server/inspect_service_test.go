package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/jhump/protoreflect/dynamic/grpcdynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/chazu/kiln/metadata"
	"github.com/chazu/kiln/vm"
)

// demoContainer defines one interface with a default method and one
// implementing class, enough to light up every GetClass section.
func demoContainer() *metadata.Container {
	b := metadata.NewBuilder("demo")
	b.Class("Lapp/Shape;", metadata.AccPublic|metadata.AccInterface|metadata.AccAbstract).
		Method("area", "()D", metadata.AccPublic|metadata.AccAbstract, 0).
		Method("name", "()Lcore/Text;", metadata.AccPublic, 10)
	b.Class("Lapp/Circle;", metadata.AccPublic).
		Implements("Lapp/Shape;").
		Field("radius", "D", metadata.AccPrivate).
		Method("<init>", "()V", metadata.AccPublic, 20).
		Method("area", "()D", metadata.AccPublic, 21)
	return b.MustBuild()
}

// startServer runs an inspect server over an in-memory transport and
// hands back a dynamic stub bound to it.
func startServer(t *testing.T) (*vm.Runtime, grpcdynamic.Stub, *desc.ServiceDescriptor) {
	t.Helper()
	rt, err := vm.NewRuntime(vm.Options{
		BootPath:     []*metadata.Container{demoContainer()},
		PublishMode:  vm.PublishFence,
		PublishBatch: 1,
	})
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}

	srv, err := New(rt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	sd := srv.File().FindService(InspectServiceName)
	if sd == nil {
		t.Fatal("inspect service descriptor missing from schema")
	}
	return rt, grpcdynamic.NewStub(conn), sd
}

// call invokes an RPC and fails the test on error.
func call(t *testing.T, stub grpcdynamic.Stub, sd *desc.ServiceDescriptor, method string, fields map[string]interface{}) *dynamic.Message {
	t.Helper()
	resp, err := tryCall(t, stub, sd, method, fields)
	if err != nil {
		t.Fatalf("%s failed: %v", method, err)
	}
	return resp
}

func tryCall(t *testing.T, stub grpcdynamic.Stub, sd *desc.ServiceDescriptor, method string, fields map[string]interface{}) (*dynamic.Message, error) {
	t.Helper()
	md := sd.FindMethodByName(method)
	if md == nil {
		t.Fatalf("method %s missing from schema", method)
	}
	req := dynamic.NewMessage(md.GetInputType())
	for name, v := range fields {
		req.SetFieldByName(name, v)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := stub.InvokeRpc(ctx, md, req)
	if err != nil {
		return nil, err
	}
	out, err := dynamic.AsDynamicMessage(resp)
	if err != nil {
		t.Fatalf("%s: converting response: %v", method, err)
	}
	return out, nil
}

func TestInspectStats(t *testing.T) {
	_, stub, sd := startServer(t)

	resp := call(t, stub, sd, "Stats", nil)
	if got := resp.GetFieldByName("boot_classes").(uint32); got != 13 {
		t.Errorf("boot_classes = %d, want 13", got)
	}
	if got := resp.GetFieldByName("live_classes").(uint32); got != 13 {
		t.Errorf("live_classes = %d, want 13 before any definition", got)
	}
	if got := resp.GetFieldByName("publish_mode").(string); got != "fence" {
		t.Errorf("publish_mode = %q, want %q", got, "fence")
	}
}

func TestInspectListClasses(t *testing.T) {
	_, stub, sd := startServer(t)

	resp := call(t, stub, sd, "ListClasses", nil)
	before := resp.GetFieldByName("classes").([]interface{})
	if len(before) != 13 {
		t.Fatalf("boot listing has %d classes, want 13", len(before))
	}

	call(t, stub, sd, "EnsureInitialized", map[string]interface{}{
		"descriptor":       "Lapp/Circle;",
		"can_init":         true,
		"can_init_parents": true,
	})

	resp = call(t, stub, sd, "ListClasses", nil)
	var circle *dynamic.Message
	for _, raw := range resp.GetFieldByName("classes").([]interface{}) {
		sum := raw.(*dynamic.Message)
		if sum.GetFieldByName("descriptor").(string) == "Lapp/Circle;" {
			circle = sum
		}
	}
	if circle == nil {
		t.Fatal("Lapp/Circle; missing from listing after initialization")
	}
	if got := circle.GetFieldByName("status").(string); got != "visibly-initialized" {
		t.Errorf("circle status = %q, want visibly-initialized", got)
	}
	if got := circle.GetFieldByName("loader").(string); got != "boot" {
		t.Errorf("circle loader = %q, want boot", got)
	}
}

func TestInspectListClassesUnknownLoader(t *testing.T) {
	_, stub, sd := startServer(t)

	_, err := tryCall(t, stub, sd, "ListClasses", map[string]interface{}{"loader": "nope"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("unknown loader: code = %v, want NotFound", status.Code(err))
	}
}

func TestInspectEnsureInitialized(t *testing.T) {
	_, stub, sd := startServer(t)

	// Without the capability the request must defer, not initialize.
	_, err := tryCall(t, stub, sd, "EnsureInitialized", map[string]interface{}{
		"descriptor": "Lapp/Circle;",
	})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("deferred init: code = %v, want FailedPrecondition", status.Code(err))
	}

	resp := call(t, stub, sd, "EnsureInitialized", map[string]interface{}{
		"descriptor":       "Lapp/Circle;",
		"can_init":         true,
		"can_init_parents": true,
	})
	if got := resp.GetFieldByName("status").(string); got != "visibly-initialized" {
		t.Errorf("status = %q, want visibly-initialized", got)
	}

	_, err = tryCall(t, stub, sd, "EnsureInitialized", map[string]interface{}{
		"descriptor": "Lapp/Missing;",
		"can_init":   true,
	})
	if status.Code(err) != codes.NotFound {
		t.Errorf("missing class: code = %v, want NotFound", status.Code(err))
	}
}

func TestInspectGetClass(t *testing.T) {
	_, stub, sd := startServer(t)

	call(t, stub, sd, "EnsureInitialized", map[string]interface{}{
		"descriptor":       "Lapp/Circle;",
		"can_init":         true,
		"can_init_parents": true,
	})

	resp := call(t, stub, sd, "GetClass", map[string]interface{}{"descriptor": "Lapp/Circle;"})

	sum := resp.GetFieldByName("summary").(*dynamic.Message)
	if got := sum.GetFieldByName("status").(string); got != "visibly-initialized" {
		t.Errorf("summary status = %q, want visibly-initialized", got)
	}
	if got := resp.GetFieldByName("super").(string); got != "Lcore/Object;" {
		t.Errorf("super = %q, want Lcore/Object;", got)
	}

	// area plus the copied default name.
	vtable := resp.GetFieldByName("vtable").([]interface{})
	if len(vtable) != 2 {
		t.Fatalf("vtable has %d entries, want 2", len(vtable))
	}
	byName := map[string]*dynamic.Message{}
	for _, raw := range vtable {
		e := raw.(*dynamic.Message)
		byName[e.GetFieldByName("name").(string)] = e
	}
	if e := byName["area"]; e == nil || e.GetFieldByName("copied").(bool) {
		t.Errorf("area entry = %v, want declared (not copied)", e)
	}
	if e := byName["name"]; e == nil || !e.GetFieldByName("copied").(bool) {
		t.Errorf("name entry = %v, want a copied default", e)
	}

	ifaces := resp.GetFieldByName("interfaces").([]interface{})
	if len(ifaces) != 1 {
		t.Fatalf("interfaces has %d entries, want 1", len(ifaces))
	}
	ie := ifaces[0].(*dynamic.Message)
	if got := ie.GetFieldByName("descriptor").(string); got != "Lapp/Shape;" {
		t.Errorf("interface descriptor = %q, want Lapp/Shape;", got)
	}
	if got := len(ie.GetFieldByName("methods").([]interface{})); got != 2 {
		t.Errorf("interface resolution has %d methods, want 2", got)
	}

	if shared := resp.GetFieldByName("imt_shared").(bool); shared {
		t.Error("imt_shared = true, want an owned table with mappings")
	}
	if got := len(resp.GetFieldByName("imt").([]interface{})); got == 0 {
		t.Error("imt listing is empty, want at least one claimed slot")
	}

	fields := resp.GetFieldByName("fields").([]interface{})
	if len(fields) != 1 {
		t.Fatalf("fields has %d entries, want 1", len(fields))
	}
	fe := fields[0].(*dynamic.Message)
	if got := fe.GetFieldByName("offset").(uint32); got != vm.ObjectHeaderSize {
		t.Errorf("radius offset = %d, want %d", got, vm.ObjectHeaderSize)
	}

	_, err := tryCall(t, stub, sd, "GetClass", map[string]interface{}{"descriptor": "Lapp/Absent;"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("absent class: code = %v, want NotFound", status.Code(err))
	}
}

func TestInspectGetClassIsPassive(t *testing.T) {
	rt, stub, sd := startServer(t)

	// GetClass must not define anything: the class is on the boot path
	// but has never been resolved.
	_, err := tryCall(t, stub, sd, "GetClass", map[string]interface{}{"descriptor": "Lapp/Circle;"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("unresolved class: code = %v, want NotFound", status.Code(err))
	}
	if c := rt.LookupClass("Lapp/Circle;", nil); c != nil {
		t.Error("GetClass defined the class as a side effect")
	}
}
