// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perftable

import (
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// The persisted schema is equivalent to:
//
//	syntax = "proto3";
//	package collperf;
//
//	message ProfileEntry {
//	  string collective = 1;
//	  string replica_groups = 2;
//	  int64 message_size_bytes = 3;
//	  int64 duration_ns = 4;
//	  double throughput_bytes_per_sec = 5;
//	  int32 num_nodes = 6;
//	  string dtype = 7;
//	  int32 repetitions = 8;
//	}
//
//	message ProfileTable {
//	  repeated ProfileEntry entries = 1;
//	}
//
// Field numbers must never be reused: persisted tables are merged across versions of the tool.
const (
	schemaPackage    = "collperf"
	entryMessageName = "ProfileEntry"
	tableMessageName = "ProfileTable"
)

var (
	tableDesc protoreflect.MessageDescriptor
	entryDesc protoreflect.MessageDescriptor

	entriesField, collectiveField, replicaGroupsField, sizeField, durationField,
	throughputField, numNodesField, dtypeField, repetitionsField protoreflect.FieldDescriptor
)

func scalarField(name string, number int32, fieldType descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   fieldType.Enum(),
	}
}

func init() {
	fileProto := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("collperf/profile_table.proto"),
		Package: proto.String(schemaPackage),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String(entryMessageName),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField("collective", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					scalarField("replica_groups", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					scalarField("message_size_bytes", 3, descriptorpb.FieldDescriptorProto_TYPE_INT64),
					scalarField("duration_ns", 4, descriptorpb.FieldDescriptorProto_TYPE_INT64),
					scalarField("throughput_bytes_per_sec", 5, descriptorpb.FieldDescriptorProto_TYPE_DOUBLE),
					scalarField("num_nodes", 6, descriptorpb.FieldDescriptorProto_TYPE_INT32),
					scalarField("dtype", 7, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					scalarField("repetitions", 8, descriptorpb.FieldDescriptorProto_TYPE_INT32),
				},
			},
			{
				Name: proto.String(tableMessageName),
				Field: []*descriptorpb.FieldDescriptorProto{
					{
						Name:     proto.String("entries"),
						Number:   proto.Int32(1),
						Label:    descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(),
						Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
						TypeName: proto.String("." + schemaPackage + "." + entryMessageName),
					},
				},
			},
		},
	}
	fileDesc, err := protodesc.NewFile(fileProto, new(protoregistry.Files))
	if err != nil {
		panic(errors.Wrap(err, "perftable: invalid profile table schema"))
	}
	entryDesc = fileDesc.Messages().ByName(entryMessageName)
	tableDesc = fileDesc.Messages().ByName(tableMessageName)
	entriesField = tableDesc.Fields().ByName("entries")
	entryFields := entryDesc.Fields()
	collectiveField = entryFields.ByName("collective")
	replicaGroupsField = entryFields.ByName("replica_groups")
	sizeField = entryFields.ByName("message_size_bytes")
	durationField = entryFields.ByName("duration_ns")
	throughputField = entryFields.ByName("throughput_bytes_per_sec")
	numNodesField = entryFields.ByName("num_nodes")
	dtypeField = entryFields.ByName("dtype")
	repetitionsField = entryFields.ByName("repetitions")
}

// toProto converts the table to a dynamic ProfileTable message.
func (t *Table) toProto() proto.Message {
	msg := dynamicpb.NewMessage(tableDesc)
	entries := msg.Mutable(entriesField).List()
	for _, sample := range t.Samples() {
		element := entries.NewElement()
		entry := element.Message()
		entry.Set(collectiveField, protoreflect.ValueOfString(sample.Collective))
		entry.Set(replicaGroupsField, protoreflect.ValueOfString(sample.ReplicaGroups))
		entry.Set(sizeField, protoreflect.ValueOfInt64(sample.SizeBytes))
		entry.Set(durationField, protoreflect.ValueOfInt64(sample.Duration.Nanoseconds()))
		entry.Set(throughputField, protoreflect.ValueOfFloat64(sample.ThroughputBytesPerSec))
		entry.Set(numNodesField, protoreflect.ValueOfInt32(int32(sample.NumNodes)))
		entry.Set(dtypeField, protoreflect.ValueOfString(sample.DType))
		entry.Set(repetitionsField, protoreflect.ValueOfInt32(int32(sample.Repetitions)))
		entries.Append(element)
	}
	return msg
}

// fromProto converts a dynamic ProfileTable message to a Table. Entries with repeated keys are upserted.
func fromProto(msg protoreflect.Message) (*Table, error) {
	t := New()
	entries := msg.Get(entriesField).List()
	for i := range entries.Len() {
		entry := entries.Get(i).Message()
		sample := Sample{
			Key: Key{
				Collective:    entry.Get(collectiveField).String(),
				ReplicaGroups: entry.Get(replicaGroupsField).String(),
				SizeBytes:     entry.Get(sizeField).Int(),
			},
			Duration:              time.Duration(entry.Get(durationField).Int()),
			ThroughputBytesPerSec: entry.Get(throughputField).Float(),
			NumNodes:              int(entry.Get(numNodesField).Int()),
			DType:                 entry.Get(dtypeField).String(),
			Repetitions:           int(entry.Get(repetitionsField).Int()),
		}
		if sample.Collective == "" || sample.ReplicaGroups == "" || sample.SizeBytes <= 0 {
			return nil, errors.Errorf("profile table entry #%d has an invalid key %s", i, sample.Key)
		}
		t.Upsert(sample)
	}
	return t, nil
}

// Marshal serializes the table in the given format.
func Marshal(t *Table, format Format) ([]byte, error) {
	msg := t.toProto()
	var data []byte
	var err error
	switch format {
	case FormatText:
		data, err = prototext.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(msg)
	case FormatBinary:
		data, err = proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	default:
		return nil, errors.Errorf("unknown profile table format %d", format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize profile table in %s format", format)
	}
	return data, nil
}

// Unmarshal parses a table serialized in the given format.
func Unmarshal(data []byte, format Format) (*Table, error) {
	msg := dynamicpb.NewMessage(tableDesc)
	var err error
	switch format {
	case FormatText:
		err = prototext.Unmarshal(data, msg)
	case FormatBinary:
		err = proto.Unmarshal(data, msg)
	default:
		return nil, errors.Errorf("unknown profile table format %d", format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse profile table in %s format", format)
	}
	return fromProto(msg)
}
