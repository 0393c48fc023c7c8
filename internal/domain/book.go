package domain

import "github.com/google/uuid"

// Book is the slice of the catalog this service needs: current price and
// stock. Catalog management itself lives elsewhere.
type Book struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title"`
	Price float64   `json:"price"`
	Stock int       `json:"stock"`
}

// User is the identity attached to requests by the auth boundary.
type User struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Phone string    `json:"phone"`
	Email string    `json:"email"`
	Admin bool      `json:"admin"`
}
