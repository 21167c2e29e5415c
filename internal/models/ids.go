package models

import "github.com/google/uuid"

// assignID fills an empty string primary key with a random UUID.
func assignID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}
