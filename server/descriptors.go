package server

import (
	"fmt"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/builder"
)

// ---------------------------------------------------------------------------
// Wire schema
// ---------------------------------------------------------------------------

// The inspection surface has no generated stubs. The protobuf file is
// assembled at startup with descriptor builders and served through
// dynamic messages, so the schema below is the single source of truth.

const (
	inspectProtoFile   = "kiln/inspect/v1/inspect.proto"
	inspectPackageName = "kiln.inspect.v1"

	// InspectServiceName is the fully qualified gRPC service name.
	InspectServiceName = "kiln.inspect.v1.InspectService"
)

func field(name string, typ *builder.FieldType, num int32) *builder.FieldBuilder {
	return builder.NewField(name, typ).SetNumber(num)
}

func repeated(name string, typ *builder.FieldType, num int32) *builder.FieldBuilder {
	return builder.NewField(name, typ).SetNumber(num).SetRepeated()
}

// buildInspectFile assembles the descriptor for the whole inspection
// schema: one file, one service, and the request/response messages.
func buildInspectFile() (*desc.FileDescriptor, error) {
	classSummary := builder.NewMessage("ClassSummary").
		AddField(field("descriptor", builder.FieldTypeString(), 1)).
		AddField(field("status", builder.FieldTypeString(), 2)).
		AddField(field("loader", builder.FieldTypeString(), 3)).
		AddField(field("access_flags", builder.FieldTypeUInt32(), 4)).
		AddField(field("object_size", builder.FieldTypeUInt32(), 5)).
		AddField(field("interface", builder.FieldTypeBool(), 6)).
		AddField(field("array", builder.FieldTypeBool(), 7))

	methodEntry := builder.NewMessage("MethodEntry").
		AddField(field("slot", builder.FieldTypeUInt32(), 1)).
		AddField(field("name", builder.FieldTypeString(), 2)).
		AddField(field("signature", builder.FieldTypeString(), 3)).
		AddField(field("declared_by", builder.FieldTypeString(), 4)).
		AddField(field("copied", builder.FieldTypeBool(), 5)).
		AddField(field("abstract", builder.FieldTypeBool(), 6)).
		AddField(field("conflict", builder.FieldTypeBool(), 7))

	interfaceEntry := builder.NewMessage("InterfaceEntry").
		AddField(field("descriptor", builder.FieldTypeString(), 1)).
		AddField(repeated("methods", builder.FieldTypeMessage(methodEntry), 2))

	imtSlotEntry := builder.NewMessage("ImtSlotEntry").
		AddField(field("index", builder.FieldTypeUInt32(), 1)).
		AddField(field("method", builder.FieldTypeString(), 2)).
		AddField(repeated("conflicts", builder.FieldTypeString(), 3))

	fieldEntry := builder.NewMessage("FieldEntry").
		AddField(field("name", builder.FieldTypeString(), 1)).
		AddField(field("type", builder.FieldTypeString(), 2)).
		AddField(field("offset", builder.FieldTypeUInt32(), 3)).
		AddField(field("static", builder.FieldTypeBool(), 4))

	listClassesRequest := builder.NewMessage("ListClassesRequest").
		AddField(field("loader", builder.FieldTypeString(), 1))
	listClassesResponse := builder.NewMessage("ListClassesResponse").
		AddField(repeated("classes", builder.FieldTypeMessage(classSummary), 1))

	getClassRequest := builder.NewMessage("GetClassRequest").
		AddField(field("descriptor", builder.FieldTypeString(), 1)).
		AddField(field("loader", builder.FieldTypeString(), 2))
	getClassResponse := builder.NewMessage("GetClassResponse").
		AddField(field("summary", builder.FieldTypeMessage(classSummary), 1)).
		AddField(field("super", builder.FieldTypeString(), 2)).
		AddField(repeated("vtable", builder.FieldTypeMessage(methodEntry), 3)).
		AddField(field("vtable_inherited", builder.FieldTypeBool(), 4)).
		AddField(repeated("interfaces", builder.FieldTypeMessage(interfaceEntry), 5)).
		AddField(repeated("imt", builder.FieldTypeMessage(imtSlotEntry), 6)).
		AddField(field("imt_shared", builder.FieldTypeBool(), 7)).
		AddField(repeated("fields", builder.FieldTypeMessage(fieldEntry), 8)).
		AddField(field("static_size", builder.FieldTypeUInt32(), 9)).
		AddField(field("reference_bitmap", builder.FieldTypeUInt32(), 10)).
		AddField(field("reference_fields", builder.FieldTypeUInt32(), 11)).
		AddField(field("failure", builder.FieldTypeString(), 12))

	ensureInitializedRequest := builder.NewMessage("EnsureInitializedRequest").
		AddField(field("descriptor", builder.FieldTypeString(), 1)).
		AddField(field("loader", builder.FieldTypeString(), 2)).
		AddField(field("can_init", builder.FieldTypeBool(), 3)).
		AddField(field("can_init_parents", builder.FieldTypeBool(), 4))
	ensureInitializedResponse := builder.NewMessage("EnsureInitializedResponse").
		AddField(field("descriptor", builder.FieldTypeString(), 1)).
		AddField(field("status", builder.FieldTypeString(), 2))

	statsRequest := builder.NewMessage("StatsRequest")
	statsResponse := builder.NewMessage("StatsResponse").
		AddField(field("live_classes", builder.FieldTypeUInt32(), 1)).
		AddField(field("arena_bytes", builder.FieldTypeUInt64(), 2)).
		AddField(field("boot_classes", builder.FieldTypeUInt32(), 3)).
		AddField(field("loaders", builder.FieldTypeUInt32(), 4)).
		AddField(field("threads", builder.FieldTypeUInt32(), 5)).
		AddField(field("heap_used", builder.FieldTypeInt64(), 6)).
		AddField(field("publish_mode", builder.FieldTypeString(), 7))

	service := builder.NewService("InspectService").
		AddMethod(builder.NewMethod("ListClasses",
			builder.RpcTypeMessage(listClassesRequest, false),
			builder.RpcTypeMessage(listClassesResponse, false))).
		AddMethod(builder.NewMethod("GetClass",
			builder.RpcTypeMessage(getClassRequest, false),
			builder.RpcTypeMessage(getClassResponse, false))).
		AddMethod(builder.NewMethod("EnsureInitialized",
			builder.RpcTypeMessage(ensureInitializedRequest, false),
			builder.RpcTypeMessage(ensureInitializedResponse, false))).
		AddMethod(builder.NewMethod("Stats",
			builder.RpcTypeMessage(statsRequest, false),
			builder.RpcTypeMessage(statsResponse, false)))

	file := builder.NewFile(inspectProtoFile).
		SetPackageName(inspectPackageName).
		SetProto3(true).
		AddMessage(classSummary).
		AddMessage(methodEntry).
		AddMessage(interfaceEntry).
		AddMessage(imtSlotEntry).
		AddMessage(fieldEntry).
		AddMessage(listClassesRequest).
		AddMessage(listClassesResponse).
		AddMessage(getClassRequest).
		AddMessage(getClassResponse).
		AddMessage(ensureInitializedRequest).
		AddMessage(ensureInitializedResponse).
		AddMessage(statsRequest).
		AddMessage(statsResponse).
		AddService(service)

	fd, err := file.Build()
	if err != nil {
		return nil, fmt.Errorf("building inspect descriptors: %w", err)
	}
	return fd, nil
}

// messageDesc finds a message descriptor by simple name. The schema is
// ours, so a miss is a programming error.
func messageDesc(fd *desc.FileDescriptor, name string) *desc.MessageDescriptor {
	md := fd.FindMessage(inspectPackageName + "." + name)
	if md == nil {
		panic(fmt.Sprintf("server: message %s missing from inspect schema", name))
	}
	return md
}
