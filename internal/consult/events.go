package consult

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound event names.
const (
	EventRegister            = "register"
	EventRequestConsultation = "request_consultation"
	EventRespondToRequest    = "respond_to_request"
	EventEndConsultation     = "end_consultation"
)

// Outbound event names.
const (
	EventConsultationRequest    = "consultation_request"
	EventRequestResponse        = "request_response"
	EventConsultationStarted    = "consultation_started"
	EventConsultationEnded      = "consultation_ended"
	EventRequestCancelled       = "consultation_request_cancelled"
	EventConsultationResumed    = "consultation_resumed"
	EventConsultationError      = "consultation_error"
	EventRegistrationSuperseded = "registration_superseded"
)

// Reasons carried by consultation_ended and consultation_request_cancelled.
const (
	ReasonEnded                   = "ended"
	ReasonParticipantDisconnected = "participant_disconnected"
	ReasonPatientDisconnected     = "patient_disconnected"
	ReasonExpired                 = "expired"
)

// Envelope is the frame exchanged on a signaling connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// -- Inbound payloads --

type RegisterPayload struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Name   string `json:"name"`
}

func (p *RegisterPayload) Validate() error {
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return fmt.Errorf("userId is required: %w", ErrInvalidPayload)
	}
	if _, err := ParseRole(p.Role); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidPayload)
	}
	return nil
}

type RequestConsultationPayload struct {
	PatientID   string `json:"patientId"`
	PatientName string `json:"patientName"`
}

func (p *RequestConsultationPayload) Validate() error {
	p.PatientID = strings.TrimSpace(p.PatientID)
	if p.PatientID == "" {
		return fmt.Errorf("patientId is required: %w", ErrInvalidPayload)
	}
	return nil
}

type RespondToRequestPayload struct {
	Accepted  *bool  `json:"accepted"`
	PatientID string `json:"patientId"`
	DoctorID  string `json:"doctorId"`
	RoomID    RoomID `json:"roomId"`
}

func (p *RespondToRequestPayload) Validate() error {
	if p.Accepted == nil {
		return fmt.Errorf("accepted is required: %w", ErrInvalidPayload)
	}
	if p.PatientID == "" || p.DoctorID == "" || p.RoomID == "" {
		return fmt.Errorf("patientId, doctorId and roomId are required: %w", ErrInvalidPayload)
	}
	if RoomIDFor(p.PatientID, p.DoctorID) != p.RoomID {
		return fmt.Errorf("roomId %s does not match the patient/doctor pair: %w", p.RoomID, ErrInvalidPayload)
	}
	return nil
}

type EndConsultationPayload struct {
	RoomID RoomID `json:"roomId"`
}

func (p *EndConsultationPayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("roomId is required: %w", ErrInvalidPayload)
	}
	return nil
}

// -- Outbound payloads --

type ConsultationRequest struct {
	PatientID   string `json:"patientId"`
	PatientName string `json:"patientName"`
	RoomID      RoomID `json:"roomId"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

type RequestResponse struct {
	Accepted bool   `json:"accepted"`
	RoomID   RoomID `json:"roomId,omitempty"`
	Message  string `json:"message,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

type ConsultationStarted struct {
	RoomID RoomID `json:"roomId"`
}

type ConsultationEnded struct {
	RoomID RoomID `json:"roomId"`
	Reason string `json:"reason"`
}

type RequestCancelled struct {
	RoomID    RoomID `json:"roomId"`
	PatientID string `json:"patientId"`
	Reason    string `json:"reason"`
}

type ConsultationResumed struct {
	RoomID    RoomID `json:"roomId"`
	PatientID string `json:"patientId"`
	DoctorID  string `json:"doctorId"`
}

type ConsultationError struct {
	Kind    string `json:"kind"`
	RoomID  RoomID `json:"roomId,omitempty"`
	Message string `json:"message"`
}

type RegistrationSuperseded struct {
	UserID string `json:"userId"`
}

// DecodeEnvelope parses a raw frame into its envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %v: %w", err, ErrInvalidPayload)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("event name is required: %w", ErrInvalidPayload)
	}
	return env, nil
}

// DecodeData unmarshals the envelope data into dst. Field validation is left
// to the handler receiving dst.
func DecodeData(env Envelope, dst interface{}) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%s: data is required: %w", env.Event, ErrInvalidPayload)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%s: %v: %w", env.Event, err, ErrInvalidPayload)
	}
	return nil
}
