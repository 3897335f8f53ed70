package handler

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

const approvalsProtoFile = "approvals/v1/approvals.proto"

// approvalsFile describes ApprovalService for server reflection. Every
// method takes and returns google.protobuf.Struct.
var approvalsFile = mustRegisterApprovalsFile()

func approvalsFileProto() *descriptorpb.FileDescriptorProto {
	structType := "." + string((&structpb.Struct{}).ProtoReflect().Descriptor().FullName())

	svc := &descriptorpb.ServiceDescriptorProto{Name: proto.String("ApprovalService")}
	for _, m := range approvalServiceDesc.Methods {
		svc.Method = append(svc.Method, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.MethodName),
			InputType:  proto.String(structType),
			OutputType: proto.String(structType),
		})
	}

	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String(approvalsProtoFile),
		Package:    proto.String("approvals.v1"),
		Dependency: []string{structpb.File_google_protobuf_struct_proto.Path()},
		Service:    []*descriptorpb.ServiceDescriptorProto{svc},
		Syntax:     proto.String("proto3"),
	}
}

func mustRegisterApprovalsFile() protoreflect.FileDescriptor {
	fd, err := protodesc.NewFile(approvalsFileProto(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("build %s: %v", approvalsProtoFile, err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("register %s: %v", approvalsProtoFile, err))
	}
	return fd
}
