package models

// APIServer is the HTTP surface carrying the provider push callback.
type APIServer interface {
	Start()
	Shutdown() error
}
