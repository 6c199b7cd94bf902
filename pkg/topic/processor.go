package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/broker"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaTypeJSONSchema202012 = "https://json-schema.org/draft/2020-12/schema"

// Processor runs the pre-storage pipeline (§4.6): reject stale descriptor
// versions, validate the document against the chosen descriptor's schema,
// and run its extractors to produce indexed columns.
type Processor struct {
	descriptors *DescriptorCache
}

// NewProcessor builds a Processor backed by the given descriptor cache.
func NewProcessor(descriptors *DescriptorCache) *Processor {
	return &Processor{descriptors: descriptors}
}

// Result is what ValidateAndExtract hands back for the event being
// persisted.
type Result struct {
	ExtractedColumns  map[string]backend.ExtractedValue
	DescriptorVersion *uint64
}

// ValidateAndExtract runs the full pipeline for one publish call.
func (p *Processor) ValidateAndExtract(ctx context.Context, topicID string, document string, descriptorVersion *uint64) (*Result, error) {
	if err := p.assertAllowedVersion(topicID, descriptorVersion); err != nil {
		return nil, err
	}

	descriptor, err := p.resolveDescriptor(ctx, topicID, descriptorVersion)
	if err != nil {
		return nil, err
	}
	if descriptor == nil {
		return &Result{ExtractedColumns: map[string]backend.ExtractedValue{}}, nil
	}

	if err := validateSchema(descriptor, document); err != nil {
		return nil, err
	}
	columns, err := extractColumns(descriptor, document)
	if err != nil {
		return nil, err
	}
	version := descriptor.Version
	return &Result{ExtractedColumns: columns, DescriptorVersion: &version}, nil
}

func (p *Processor) assertAllowedVersion(topicID string, descriptorVersion *uint64) error {
	versionMin := p.descriptors.VersionMin(topicID)
	if descriptorVersion == nil || versionMin == nil {
		return nil
	}
	if *descriptorVersion < *versionMin {
		return broker.New(broker.PreStorageProcessorError,
			fmt.Sprintf("descriptor version %d is no longer allowed (< %d)", *descriptorVersion, *versionMin))
	}
	return nil
}

func (p *Processor) resolveDescriptor(ctx context.Context, topicID string, descriptorVersion *uint64) (*backend.EventDescriptor, error) {
	if descriptorVersion != nil {
		d, ok := p.descriptors.ByVersion(ctx, topicID, *descriptorVersion)
		if !ok {
			return nil, broker.New(broker.PreStorageProcessorError,
				fmt.Sprintf("descriptor version %d does not exist; register before use", *descriptorVersion))
		}
		return d, nil
	}
	d, _ := p.descriptors.Latest(topicID)
	return d, nil
}

func validateSchema(descriptor *backend.EventDescriptor, document string) error {
	if descriptor.SchemaType == "" {
		return nil
	}
	if descriptor.SchemaType != schemaTypeJSONSchema202012 {
		return broker.New(broker.PreStorageProcessorError, "unsupported schema type: "+descriptor.SchemaType)
	}

	compiler := jsonschema.NewCompiler()
	const resourceURL = "mem://schema.json"
	var schemaDoc interface{}
	if err := json.Unmarshal([]byte(descriptor.SchemaData), &schemaDoc); err != nil {
		return broker.Wrap(broker.PreStorageProcessorError, "decoding descriptor schema", err)
	}
	if err := compiler.AddResource(resourceURL, schemaDoc); err != nil {
		return broker.Wrap(broker.PreStorageProcessorError, "loading descriptor schema", err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return broker.Wrap(broker.PreStorageProcessorError, "compiling descriptor schema", err)
	}

	var instance interface{}
	if err := json.Unmarshal([]byte(document), &instance); err != nil {
		return broker.Wrap(broker.PreStorageProcessorError, "document is not valid JSON", err)
	}
	if err := schema.Validate(instance); err != nil {
		return broker.Wrap(broker.PreStorageProcessorError, "document failed schema validation", err)
	}
	return nil
}

func extractColumns(descriptor *backend.EventDescriptor, document string) (map[string]backend.ExtractedValue, error) {
	columns := make(map[string]backend.ExtractedValue, len(descriptor.Extractors))
	if len(descriptor.Extractors) == 0 {
		return columns, nil
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(document), &parsed); err != nil {
		return nil, broker.Wrap(broker.PreStorageProcessorError, "document is not valid JSON", err)
	}
	for _, extractor := range descriptor.Extractors {
		if extractor.ExtractionType != "json-pointer" {
			return nil, broker.New(broker.PreStorageProcessorError, "unsupported extraction type: "+extractor.ExtractionType)
		}
		value, found, err := resolveJSONPointer(parsed, extractor.ExtractionPath)
		if err != nil {
			return nil, broker.Wrap(broker.PreStorageProcessorError, "evaluating json pointer "+extractor.ExtractionPath, err)
		}
		if !found {
			continue // missing optional value: no column write
		}
		extracted, err := coerce(value, extractor.ResultType)
		if err != nil {
			return nil, broker.Wrap(broker.PreStorageProcessorError, "coercing extracted value for "+extractor.ResultName, err)
		}
		columns[extractor.ResultName] = extracted
	}
	return columns, nil
}

func coerce(value interface{}, resultType string) (backend.ExtractedValue, error) {
	switch resultType {
	case "bigint":
		switch v := value.(type) {
		case float64:
			return backend.ExtractedValue{BigInt: int64(v), IsBigInt: true}, nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return backend.ExtractedValue{}, err
			}
			return backend.ExtractedValue{BigInt: n, IsBigInt: true}, nil
		default:
			return backend.ExtractedValue{}, fmt.Errorf("cannot coerce %T to bigint", value)
		}
	case "text":
		return backend.ExtractedValue{Text: textOf(value)}, nil
	default:
		return backend.ExtractedValue{}, fmt.Errorf("unsupported result type: %s", resultType)
	}
}

func textOf(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// resolveJSONPointer evaluates an RFC 6901 JSON Pointer against a decoded
// JSON value, returning found=false if any path segment is absent.
func resolveJSONPointer(document interface{}, pointer string) (interface{}, bool, error) {
	if pointer == "" {
		return document, true, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, false, fmt.Errorf("json pointer must start with '/': %q", pointer)
	}
	current := document
	for _, rawToken := range strings.Split(pointer[1:], "/") {
		token := strings.ReplaceAll(strings.ReplaceAll(rawToken, "~1", "/"), "~0", "~")
		switch node := current.(type) {
		case map[string]interface{}:
			v, ok := node[token]
			if !ok {
				return nil, false, nil
			}
			current = v
		case []interface{}:
			idx, err := strconv.Atoi(token)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false, nil
			}
			current = node[idx]
		default:
			return nil, false, nil
		}
	}
	return current, true, nil
}
