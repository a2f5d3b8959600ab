package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/followup/internal/api/v1"
	"github.com/gosuda/followup/internal/api/ws"
)

func registerAPIRoutes(api huma.API, history v1.HistoryReader) {
	v1.RegisterHealthRoutes(api)
	v1.RegisterHistoryRoutes(api, history)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/", hub.ServeWS)
	r.Get("/ws", hub.ServeWS)
}
