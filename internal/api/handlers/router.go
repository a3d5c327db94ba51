package handlers

import "github.com/go-chi/chi/v5"

// APIRouter assembles the versioned API surface from the handlers.
func APIRouter(chat *ChatHandler, orders *OrdersHandler, inventory *InventoryHandler) chi.Router {
	r := chi.NewRouter()
	r.Post("/chat", chat.Chat)
	r.Post("/prescription/upload", chat.Upload)
	r.Get("/orders", orders.List)
	r.Get("/orders/{orderID}", orders.Get)
	r.Get("/conversations/{patientID}/messages", orders.Messages)
	r.Get("/patients/{patientID}/refills", orders.Refills)
	r.Mount("/inventory", inventory.Routes())
	return r
}
