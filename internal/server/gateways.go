package server

import (
	"context"

	"github.com/cowrite-labs/cowrite/backend/internal/documents"
)

// DocumentsGateway adapts the documents service to the collaboration core's
// authorization-gate and canonical-writer interfaces.
type DocumentsGateway struct {
	service *documents.Service
}

// NewDocumentsGateway wraps the documents service.
func NewDocumentsGateway(service *documents.Service) DocumentsGateway {
	return DocumentsGateway{service: service}
}

// CheckAccess reports whether the identity may collaborate on the document.
// Unparseable identifiers are treated as a plain denial so callers learn
// nothing about what exists.
func (g DocumentsGateway) CheckAccess(ctx context.Context, userID, documentID string) (bool, error) {
	uid, err := documents.NewUserID(userID)
	if err != nil {
		return false, nil
	}
	did, err := documents.NewDocumentID(documentID)
	if err != nil {
		return false, nil
	}
	return g.service.CheckAccess(ctx, uid, did)
}

// UpdateContent writes the materialized document tree to the canonical record.
func (g DocumentsGateway) UpdateContent(ctx context.Context, documentID string, contentJSON []byte) error {
	return g.service.UpdateContent(ctx, documentID, contentJSON)
}
