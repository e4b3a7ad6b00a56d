package engine

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a lexically sortable run id.
func NewRunID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
