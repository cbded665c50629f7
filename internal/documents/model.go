package documents

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("documents: invalid user id")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// MemberRole enumerates the access levels stored per document member.
type MemberRole string

const (
	// MemberRoleOwner marks the creator of the document.
	MemberRoleOwner MemberRole = "owner"
	// MemberRoleEditor grants read and collaborative-edit access.
	MemberRoleEditor MemberRole = "editor"
)

// Document models the canonical record a collaboration room materializes into.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner"`
	Title            string `gorm:"column:title;size:512;not null"`
	ContentJSON      string `gorm:"column:content_json;type:text;not null;default:''"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// DocumentMember grants a user access to a document.
type DocumentMember struct {
	DocumentID     string     `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID         string     `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_members_user"`
	Role           MemberRole `gorm:"column:role;size:32;not null"`
	AddedAtSeconds int64      `gorm:"column:added_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentMember) TableName() string {
	return "document_members"
}
