package persistence

import (
	"encoding/json"
	"errors"

	"tradefleet/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const botKeyPrefix = "bot/"

// badgerRepository is the BadgerDB implementation of the Repository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected
// to a BadgerDB database.
func NewBadgerRepository(dbPath string) (Repository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is disabled to keep the app's logs clean.
	// Errors still surface from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{db: db}, nil
}

func botKey(id string) []byte {
	return []byte(botKeyPrefix + id)
}

// SaveBot atomically upserts one bot record under its own key, so writes for
// different bots never contend on a single value.
func (r *badgerRepository) SaveBot(bot *models.Bot) error {
	data, err := json.Marshal(bot)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(botKey(bot.ID), data)
	})
}

// LoadBots scans the bot key prefix and unmarshals every record.
func (r *badgerRepository) LoadBots() ([]*models.Bot, error) {
	bots := make([]*models.Bot, 0)

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(botKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				if len(val) == 0 {
					return errors.New("bot record is empty in database")
				}
				var bot models.Bot
				if err := json.Unmarshal(val, &bot); err != nil {
					return err
				}
				bots = append(bots, &bot)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return bots, nil
}

// DeleteBot removes a bot record.
func (r *badgerRepository) DeleteBot(id string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(botKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
