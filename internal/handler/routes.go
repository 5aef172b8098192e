package handler

import (
	"github.com/go-chi/chi/v5"
)

// API groups the handlers behind /v1.
type API struct {
	Consent   *ConsentHandler
	Readings  *ReadingHandler
	Analytics *AnalyticsHandler
	Alerts    *AlertHandler
	Account   *AccountHandler
	Chat      *ChatHandler
}

// Mount registers every /v1 route on r. Authentication and rate limiting
// are applied by the caller.
func (a *API) Mount(r chi.Router) {
	r.Get("/policy", a.Consent.Policy)
	r.Mount("/consent", a.Consent.Routes())
	r.Mount("/readings", a.Readings.Routes())
	r.Get("/analytics/summary", a.Analytics.Summary)
	r.Get("/alerts", a.Alerts.List)
	r.Mount("/account", a.Account.Routes())
	r.Get("/erasure-receipts/{id}", a.Account.Receipt)
	r.Post("/chat/disclaim", a.Chat.Disclaim)
}
