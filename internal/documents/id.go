package documents

import "github.com/google/uuid"

// UUIDProvider issues random UUID identifiers for new documents.
type UUIDProvider struct{}

// NewUUIDProvider returns a UUID-backed IDProvider.
func NewUUIDProvider() UUIDProvider {
	return UUIDProvider{}
}

// NewID returns a new random identifier.
func (UUIDProvider) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
