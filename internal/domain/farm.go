package domain

import (
	"time"

	"github.com/google/uuid"
)

// Farm is a registered Swiss farm.
type Farm struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Canton      string    `json:"canton"`
	Coordinates string    `json:"coordinates"`
	Categories  []string  `json:"categories"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewFarm assigns identity and timestamps to a farm that has not been stored yet.
func NewFarm(name, address, canton, coordinates string, categories []string, now time.Time) Farm {
	if categories == nil {
		categories = []string{}
	}
	return Farm{
		ID:          uuid.New(),
		Name:        name,
		Address:     address,
		Canton:      canton,
		Coordinates: coordinates,
		Categories:  categories,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}
