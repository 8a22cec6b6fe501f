package persistence

import "tradefleet/internal/models"

// Repository defines the interface for bot record persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the registry.
type Repository interface {
	// SaveBot atomically upserts one bot record.
	SaveBot(bot *models.Bot) error

	// LoadBots loads every persisted bot record.
	// If none are found, it returns an empty slice.
	LoadBots() ([]*models.Bot, error)

	// DeleteBot removes a bot record. Deleting a missing bot is not an error.
	DeleteBot(id string) error

	// Close gracefully closes the connection to the database.
	Close() error
}
