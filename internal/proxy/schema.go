package proxy

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// MethodSchema holds the resolved descriptors for one transcode target.
// Instances are immutable after construction and shared across requests.
type MethodSchema struct {
	// FullMethod is the gRPC wire method, e.g. /users.v1.UserService/GetUser.
	FullMethod string

	// Input and Output describe the request and response messages.
	Input  protoreflect.MessageDescriptor
	Output protoreflect.MessageDescriptor

	required []protoreflect.FieldDescriptor
}

// NewInput returns an empty request message for this method.
func (s *MethodSchema) NewInput() *dynamicpb.Message {
	return dynamicpb.NewMessage(s.Input)
}

// NewOutput returns an empty response message for this method.
func (s *MethodSchema) NewOutput() *dynamicpb.Message {
	return dynamicpb.NewMessage(s.Output)
}

// ValidateRequired checks that every configured required field is
// populated. Scalar fields without explicit presence count as missing
// when they hold their zero value.
func (s *MethodSchema) ValidateRequired(msg protoreflect.Message) error {
	for _, fd := range s.required {
		if !msg.Has(fd) {
			return util.NewTranscodeError(s.FullMethod, fmt.Sprintf("missing required field %q", fd.JSONName()))
		}
	}
	return nil
}

// SchemaRegistry resolves transcode configurations into method schemas.
// Descriptor sets are read from disk once and cached; resolved methods
// are cached per configuration.
type SchemaRegistry struct {
	logger observability.Logger

	mu      sync.RWMutex
	files   map[string]*protoregistry.Files
	methods map[string]*MethodSchema
}

// SchemaOption configures the SchemaRegistry.
type SchemaOption func(*SchemaRegistry)

// WithSchemaLogger sets the logger.
func WithSchemaLogger(logger observability.Logger) SchemaOption {
	return func(sr *SchemaRegistry) {
		sr.logger = logger
	}
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry(opts ...SchemaOption) *SchemaRegistry {
	sr := &SchemaRegistry{
		logger:  observability.NopLogger(),
		files:   make(map[string]*protoregistry.Files),
		methods: make(map[string]*MethodSchema),
	}

	for _, opt := range opts {
		opt(sr)
	}

	return sr
}

// MethodFor resolves the method schema for a transcode configuration.
// Resolution failures are configuration errors, not client errors.
func (sr *SchemaRegistry) MethodFor(cfg *config.TranscodeConfig) (*MethodSchema, error) {
	key := schemaCacheKey(cfg)

	sr.mu.RLock()
	schema, ok := sr.methods[key]
	sr.mu.RUnlock()
	if ok {
		return schema, nil
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if schema, ok = sr.methods[key]; ok {
		return schema, nil
	}

	schema, err := sr.resolveLocked(cfg)
	if err != nil {
		return nil, err
	}

	sr.methods[key] = schema
	sr.logger.Debug("resolved transcode method",
		observability.String("method", schema.FullMethod),
		observability.String("descriptor", cfg.Descriptor),
	)
	return schema, nil
}

// Preload resolves every transcode route up front so misconfigured
// descriptors fail at load time instead of on the first request.
func (sr *SchemaRegistry) Preload(routes []config.Route) error {
	for i := range routes {
		if routes[i].GetEffectiveProtocol() != config.RouteProtocolTranscode || routes[i].Transcode == nil {
			continue
		}
		if _, err := sr.MethodFor(routes[i].Transcode); err != nil {
			return fmt.Errorf("route %q: %w", routes[i].Name, err)
		}
	}
	return nil
}

// Reset drops all cached descriptors so the next resolution re-reads
// them from disk. Called when the route table is hot-reloaded.
func (sr *SchemaRegistry) Reset() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.files = make(map[string]*protoregistry.Files)
	sr.methods = make(map[string]*MethodSchema)
}

func (sr *SchemaRegistry) resolveLocked(cfg *config.TranscodeConfig) (*MethodSchema, error) {
	files, err := sr.loadFilesLocked(cfg.Descriptor)
	if err != nil {
		return nil, err
	}

	desc, err := files.FindDescriptorByName(protoreflect.FullName(cfg.RPCService))
	if err != nil {
		return nil, util.NewConfigErrorWithCause("transcode.rpcService",
			fmt.Sprintf("service %q not found in %s", cfg.RPCService, cfg.Descriptor), err)
	}
	svc, ok := desc.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, util.NewConfigError("transcode.rpcService",
			fmt.Sprintf("%q is not a service", cfg.RPCService))
	}

	method := svc.Methods().ByName(protoreflect.Name(cfg.RPCMethod))
	if method == nil {
		return nil, util.NewConfigError("transcode.rpcMethod",
			fmt.Sprintf("method %q not found on %s", cfg.RPCMethod, cfg.RPCService))
	}
	if method.IsStreamingClient() || method.IsStreamingServer() {
		return nil, util.NewConfigError("transcode.rpcMethod",
			fmt.Sprintf("method %q is streaming, only unary methods can be transcoded", cfg.RPCMethod))
	}

	schema := &MethodSchema{
		FullMethod: cfg.FullMethod(),
		Input:      method.Input(),
		Output:     method.Output(),
	}

	for _, name := range cfg.RequiredFields {
		fd := findField(schema.Input, name)
		if fd == nil {
			return nil, util.NewConfigError("transcode.requiredFields",
				fmt.Sprintf("field %q not found on %s", name, schema.Input.FullName()))
		}
		schema.required = append(schema.required, fd)
	}

	return schema, nil
}

func (sr *SchemaRegistry) loadFilesLocked(path string) (*protoregistry.Files, error) {
	if files, ok := sr.files[path]; ok {
		return files, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, util.NewConfigErrorWithCause("transcode.descriptor", "read descriptor set", err)
	}

	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(raw, &set); err != nil {
		return nil, util.NewConfigErrorWithCause("transcode.descriptor",
			fmt.Sprintf("%s is not a serialized FileDescriptorSet", path), err)
	}

	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return nil, util.NewConfigErrorWithCause("transcode.descriptor",
			fmt.Sprintf("build descriptor registry from %s", path), err)
	}

	sr.files[path] = files
	return files, nil
}

// findField resolves a field by proto name first, then by JSON name.
func findField(desc protoreflect.MessageDescriptor, name string) protoreflect.FieldDescriptor {
	if fd := desc.Fields().ByName(protoreflect.Name(name)); fd != nil {
		return fd
	}
	return desc.Fields().ByJSONName(name)
}

func schemaCacheKey(cfg *config.TranscodeConfig) string {
	return cfg.Descriptor + "|" + cfg.RPCService + "|" + cfg.RPCMethod + "|" + strings.Join(cfg.RequiredFields, ",")
}
