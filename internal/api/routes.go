package api

import (
	"github.com/go-chi/chi/v5"
)

// setupDeviceRoutes sets up the routes the device client calls
func (s *RESTServer) setupDeviceRoutes(r chi.Router) {
	r.Get("/", s.HandleRoot)
	r.Get("/health", s.HandleHealth)

	r.Post("/connect", s.HandleConnect)
	r.Get("/commands", s.HandleCommands)
	r.Post("/sms", s.HandleSMS)
	r.Post("/delete-last-sms", s.HandleDeleteLastSMS)
	r.Post("/html-form-data", s.HandleFormData)

	// Static panel files
	r.Get("/*", s.HandleStatic)
}
