package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	apperrors "github.com/huguesloyatho/proxydash-sub001/internal/errors"
)

// MaxFrameSize bounds inbound frames; anything larger is a protocol violation.
const MaxFrameSize = 4096

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses and validates one client frame. Every failure is a protocol error
// suitable for an error frame.
func Decode(data []byte) (Inbound, error) {
	if len(data) > MaxFrameSize {
		return Inbound{}, apperrors.ProtocolError("frame too large").WithContext("size", len(data))
	}

	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, apperrors.ProtocolError("malformed frame")
	}

	if err := validate.Struct(msg); err != nil {
		return Inbound{}, fieldError(msg, err)
	}

	if msg.WidgetID != nil && msg.WidgetType != "" {
		return Inbound{}, apperrors.ProtocolError("widget_id and widget_type are mutually exclusive")
	}

	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if _, ok := msg.Interest(); !ok {
			return Inbound{}, apperrors.ProtocolError("widget_id or widget_type is required").
				WithContext("message_type", string(msg.Type))
		}
	case TypeRefresh:
		if msg.WidgetID == nil {
			return Inbound{}, apperrors.ProtocolError("widget_id is required").
				WithContext("message_type", string(msg.Type))
		}
	}

	return msg, nil
}

func fieldError(msg Inbound, err error) *apperrors.Error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return apperrors.ProtocolError("invalid frame")
	}

	fe := verrs[0]
	if fe.Field() == "Type" {
		if msg.Type == "" {
			return apperrors.ProtocolError("missing message type")
		}
		return apperrors.ProtocolError("unknown message type").WithContext("message_type", string(msg.Type))
	}
	return apperrors.ProtocolError(fmt.Sprintf("invalid %s", jsonName(fe.Field()))).
		WithContext("rule", fe.Tag())
}

func jsonName(field string) string {
	switch field {
	case "WidgetID":
		return "widget_id"
	case "WidgetType":
		return "widget_type"
	default:
		return field
	}
}

// Encode wraps data in an envelope of type t.
func Encode(t MessageType, data any) ([]byte, error) {
	b, err := json.Marshal(Envelope{Type: t, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", t, err)
	}
	return b, nil
}

// EncodeResult renders a collector result as widget_update or widget_error.
// A payload that cannot be serialized is reported to subscribers as a widget_error.
func EncodeResult(res domain.CollectorResult) ([]byte, error) {
	if !res.Success {
		return Encode(TypeWidgetError, WidgetErrorData{WidgetID: res.WidgetID, Error: res.Error})
	}

	frame, err := Encode(TypeWidgetUpdate, WidgetUpdateData{
		WidgetID:   res.WidgetID,
		WidgetType: res.WidgetType,
		Data:       res.Data,
	})
	if err != nil {
		fallback, ferr := Encode(TypeWidgetError, WidgetErrorData{WidgetID: res.WidgetID, Error: "unserializable payload"})
		if ferr != nil {
			return nil, err
		}
		return fallback, nil
	}
	return frame, nil
}

// EncodeError renders a structured error as an error frame.
func EncodeError(err error) []byte {
	structured := apperrors.AsStructuredError(err)
	resp := structured.ToResponse()
	if structured.Type == apperrors.TypeInternal {
		resp.Context = nil
	}
	frame, encErr := Encode(TypeError, resp)
	if encErr != nil {
		frame, _ = Encode(TypeError, apperrors.ErrorResponse{Error: structured.Message, Type: structured.Type})
	}
	return frame
}

// EncodeTime renders a pong or heartbeat frame stamped with now.
func EncodeTime(t MessageType, now time.Time) []byte {
	frame, _ := Encode(t, TimeData{ServerTime: ServerTime(now)})
	return frame
}
