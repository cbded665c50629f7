package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrDocumentNotFound indicates that no document exists for the identifier.
	ErrDocumentNotFound = errors.New("documents: document not found")
	noOpLogger          = zap.NewNop()
)

const (
	opServiceNew      = "documents.service.new"
	opCreate          = "documents.create"
	opGet             = "documents.get"
	opListForUser     = "documents.list_for_user"
	opShare           = "documents.share"
	opCheckAccess     = "documents.check_access"
	opUpdateContent   = "documents.update_content"
	fieldDocumentID   = "document_id"
	fieldUserID       = "user_id"
	queryByDocument   = "document_id = ?"
	queryByMembership = "document_id = ? AND user_id = ?"
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider supplies identifiers for new documents.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the documents service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns the canonical document records and their membership rows. It
// doubles as the authorization gate and the canonical-write target for the
// collaboration core.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create inserts a new document owned by the caller, along with the owner's
// membership row.
func (s *Service) Create(ctx context.Context, ownerID UserID, title string) (Document, error) {
	documentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String(fieldUserID, ownerID.String()))
		return Document{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	document := Document{
		DocumentID:       documentID,
		OwnerID:          ownerID.String(),
		Title:            title,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	member := DocumentMember{
		DocumentID:     documentID,
		UserID:         ownerID.String(),
		Role:           MemberRoleOwner,
		AddedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&document).Error; err != nil {
			return err
		}
		return tx.Create(&member).Error
	})
	if txErr != nil {
		s.logError(opCreate, "insert_failed", txErr, zap.String(fieldUserID, ownerID.String()))
		return Document{}, newServiceError(opCreate, "insert_failed", txErr)
	}
	return document, nil
}

// Get returns the document if the caller has access to it. A missing document
// and a forbidden document are indistinguishable to the caller.
func (s *Service) Get(ctx context.Context, userID UserID, documentID DocumentID) (Document, error) {
	allowed, err := s.CheckAccess(ctx, userID, documentID)
	if err != nil {
		return Document{}, err
	}
	if !allowed {
		return Document{}, ErrDocumentNotFound
	}

	var document Document
	err = s.db.WithContext(ctx).
		Where(queryByDocument, documentID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, newServiceError(opGet, "query_failed", err)
	}
	return document, nil
}

// ListForUser returns every document the user is a member of, most recently
// updated first.
func (s *Service) ListForUser(ctx context.Context, userID UserID) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Joins("JOIN document_members ON document_members.document_id = documents.document_id").
		Where("document_members.user_id = ?", userID.String()).
		Order("documents.updated_at_s DESC").
		Find(&docs).Error
	if err != nil {
		s.logError(opListForUser, "query_failed", err, zap.String(fieldUserID, userID.String()))
		return nil, newServiceError(opListForUser, "query_failed", err)
	}
	return docs, nil
}

// Share grants editor access to another user. Only members may share.
func (s *Service) Share(ctx context.Context, callerID UserID, documentID DocumentID, granteeID UserID) error {
	allowed, err := s.CheckAccess(ctx, callerID, documentID)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrDocumentNotFound
	}

	member := DocumentMember{
		DocumentID:     documentID.String(),
		UserID:         granteeID.String(),
		Role:           MemberRoleEditor,
		AddedAtSeconds: s.clock().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&member).Error
	if err != nil {
		s.logError(opShare, "insert_failed", err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldUserID, granteeID.String()))
		return newServiceError(opShare, "insert_failed", err)
	}
	return nil
}

// CheckAccess reports whether the identity may read and edit the document.
// The check is repeated on every mutating collaboration operation, so a
// revoked membership takes effect on the next update.
func (s *Service) CheckAccess(ctx context.Context, userID UserID, documentID DocumentID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&DocumentMember{}).
		Where(queryByMembership, documentID.String(), userID.String()).
		Count(&count).Error
	if err != nil {
		s.logError(opCheckAccess, "query_failed", err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldUserID, userID.String()))
		return false, newServiceError(opCheckAccess, "query_failed", err)
	}
	return count > 0, nil
}

// UpdateContent writes the materialized JSON tree into the canonical record
// and bumps its version. Called by the debounced materializer.
func (s *Service) UpdateContent(ctx context.Context, documentID string, contentJSON []byte) error {
	now := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).
		Model(&Document{}).
		Where(queryByDocument, documentID).
		Updates(map[string]interface{}{
			"content_json": string(contentJSON),
			"version":      gorm.Expr("version + 1"),
			"updated_at_s": now,
		})
	if result.Error != nil {
		s.logError(opUpdateContent, "update_failed", result.Error, zap.String(fieldDocumentID, documentID))
		return newServiceError(opUpdateContent, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("documents service error", attrs...)
}
