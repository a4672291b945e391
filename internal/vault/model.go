package vault

import (
	"github.com/MarcoPoloResearchLab/lockbox/internal/engine"
)

const (
	// TableFolders groups credentials; no foreign keys.
	TableFolders = "folders"
	// TableCredentials holds the encrypted credential items.
	TableCredentials = "credentials"
	// TableCredentialHistory is the append-only per-credential change log.
	TableCredentialHistory = "credential_history"
	// TableSettings holds per-vault key/value settings.
	TableSettings = "vault_settings"
)

// Folder models a credential folder. The payload stays encrypted client-side;
// the server only ever sees ciphertext columns.
type Folder struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	NameCipher       string `gorm:"column:name_cipher;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_folders_updated"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Folder) TableName() string {
	return TableFolders
}

// Credential models one stored credential item.
type Credential struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	FolderID         *string `gorm:"column:folder_id;size:190;index:idx_credentials_folder"`
	NameCipher       string  `gorm:"column:name_cipher;type:text;not null"`
	UsernameCipher   string  `gorm:"column:username_cipher;type:text;not null"`
	PasswordCipher   string  `gorm:"column:password_cipher;type:text;not null"`
	URLCipher        string  `gorm:"column:url_cipher;type:text;not null;default:''"`
	NotesCipher      string  `gorm:"column:notes_cipher;type:text;not null;default:''"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null;index:idx_credentials_updated"`
	IsDeleted        bool    `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Credential) TableName() string {
	return TableCredentials
}

// CredentialHistory is the append-only audit trail of credential versions.
// Rows are never updated after insertion; the merge policy reflects that.
type CredentialHistory struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	CredentialID     string `gorm:"column:credential_id;size:190;not null;index:idx_history_credential"`
	PayloadCipher    string `gorm:"column:payload_cipher;type:text;not null"`
	ChangedAtSeconds int64  `gorm:"column:changed_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (CredentialHistory) TableName() string {
	return TableCredentialHistory
}

// Setting is a per-vault key/value setting row.
type Setting struct {
	Key              string `gorm:"column:key;primaryKey;size:190;not null"`
	ValueCipher      string `gorm:"column:value_cipher;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Setting) TableName() string {
	return TableSettings
}

// SyncState is the single-row bookkeeping record outside the syncable
// schema: the revision counter and dirty flag that serialize merges.
type SyncState struct {
	ID               int64 `gorm:"column:id;primaryKey"`
	Revision         int64 `gorm:"column:revision;not null;default:0"`
	Dirty            bool  `gorm:"column:dirty;not null;default:false"`
	UpdatedAtSeconds int64 `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "sync_state"
}

// Descriptors returns the static sync metadata for the vault schema.
func Descriptors() []engine.TableDescriptor {
	return []engine.TableDescriptor{
		{
			Name:            TableFolders,
			PrimaryKey:      "id",
			UpdatedAtColumn: "updated_at_s",
			DeletedColumn:   "is_deleted",
			Policy:          engine.MergePolicyLastWriteWins,
		},
		{
			Name:            TableCredentials,
			PrimaryKey:      "id",
			ForeignKeys:     map[string]string{"folder_id": TableFolders},
			UpdatedAtColumn: "updated_at_s",
			DeletedColumn:   "is_deleted",
			Policy:          engine.MergePolicyLastWriteWins,
		},
		{
			Name:            TableCredentialHistory,
			PrimaryKey:      "id",
			ForeignKeys:     map[string]string{"credential_id": TableCredentials},
			UpdatedAtColumn: "updated_at_s",
			DeletedColumn:   "is_deleted",
			Policy:          engine.MergePolicyAppendOnly,
		},
		{
			Name:            TableSettings,
			PrimaryKey:      "key",
			UpdatedAtColumn: "updated_at_s",
			DeletedColumn:   "is_deleted",
			Policy:          engine.MergePolicyLastWriteWins,
		},
	}
}

// NewRegistry builds the engine registry for the vault schema.
func NewRegistry() (*engine.Registry, error) {
	return engine.NewRegistry(Descriptors())
}
