package httpserver

import (
	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/engine"
)

// extractorDTO is the wire shape of backend.Extractor.
type extractorDTO struct {
	ExtractionType string `json:"extraction_type"`
	ExtractionPath string `json:"extraction_path"`
	ResultName     string `json:"result_name"`
	ResultType     string `json:"result_type"`
}

// descriptorDTO is the wire shape of the "PUT .../description" request body.
type descriptorDTO struct {
	Version    uint64         `json:"version"`
	VersionMin *uint64        `json:"version_min,omitempty"`
	SchemaType string         `json:"schema_type,omitempty"`
	SchemaID   string         `json:"schema_id,omitempty"`
	SchemaData string         `json:"schema_data,omitempty"`
	Extractors []extractorDTO `json:"extractors,omitempty"`
}

func (d descriptorDTO) toBackend() backend.EventDescriptor {
	extractors := make([]backend.Extractor, 0, len(d.Extractors))
	for _, e := range d.Extractors {
		extractors = append(extractors, backend.Extractor{
			ExtractionType: e.ExtractionType,
			ExtractionPath: e.ExtractionPath,
			ResultName:     e.ResultName,
			ResultType:     e.ResultType,
		})
	}
	return backend.EventDescriptor{
		Version:    d.Version,
		VersionMin: d.VersionMin,
		SchemaType: d.SchemaType,
		SchemaID:   d.SchemaID,
		SchemaData: d.SchemaData,
		Extractors: extractors,
	}
}

// publishResponseDTO describes a publish result. No handler returns it: a
// 200 publish-with-target hit responds with the correlated event's
// eventDTO.
type publishResponseDTO struct {
	UniqueTime       uint64 `json:"unique_time"`
	EventID          string `json:"event_id"`
	CorrelationToken string `json:"correlation_token"`
	Document         string `json:"document,omitempty"`
}

func publishResultDTO(r *engine.PublishResult) publishResponseDTO {
	return publishResponseDTO{
		UniqueTime:       r.UniqueTime.AsEncoded(),
		EventID:          r.EventID,
		CorrelationToken: r.CorrelationToken,
	}
}

// extractedValueDTO flattens backend.ExtractedValue for JSON.
type extractedValueDTO struct {
	Text  string `json:"text,omitempty"`
	Int   int64  `json:"int,omitempty"`
}

// eventDTO is the wire shape returned by the by-id, by-correlation-token,
// and next endpoints.
type eventDTO struct {
	Topic             string                       `json:"topic"`
	EventID           string                       `json:"event_id"`
	UniqueTime        uint64                       `json:"unique_time"`
	Document          string                       `json:"document"`
	Priority          uint8                        `json:"priority"`
	DescriptorVersion *uint64                      `json:"descriptor_version,omitempty"`
	CorrelationToken  string                       `json:"correlation_token,omitempty"`
	ExtractedColumns  map[string]extractedValueDTO `json:"extracted_columns,omitempty"`
}

func eventDTOFrom(ev *backend.Event) eventDTO {
	dto := eventDTO{
		Topic:             ev.Topic,
		EventID:           ev.EventID,
		UniqueTime:        ev.UniqueTime.AsEncoded(),
		Document:          ev.Document,
		Priority:          ev.Priority,
		DescriptorVersion: ev.DescriptorVersion,
		CorrelationToken:  ev.CorrelationToken,
	}
	if len(ev.ExtractedColumns) > 0 {
		dto.ExtractedColumns = make(map[string]extractedValueDTO, len(ev.ExtractedColumns))
		for name, v := range ev.ExtractedColumns {
			if v.IsBigInt {
				dto.ExtractedColumns[name] = extractedValueDTO{Int: v.BigInt}
			} else {
				dto.ExtractedColumns[name] = extractedValueDTO{Text: v.Text}
			}
		}
	}
	return dto
}

// deliveryGistDTO is the wire shape of the "GET .../next" response.
type deliveryGistDTO struct {
	UniqueTime       uint64 `json:"unique_time"`
	Document         string `json:"document"`
	CorrelationToken string `json:"correlation_token,omitempty"`
	EventID          string `json:"event_id"`
	InstanceID       uint16 `json:"instance_id"`
}

func deliveryGistDTOFrom(g *backend.EventDeliveryGist) deliveryGistDTO {
	return deliveryGistDTO{
		UniqueTime:       g.UniqueTime.AsEncoded(),
		Document:         g.Document,
		CorrelationToken: g.CorrelationToken,
		EventID:          g.EventID,
		InstanceID:       g.InstanceID,
	}
}
