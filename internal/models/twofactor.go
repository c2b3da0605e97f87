package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MethodTOTP is the only second factor method in use.
const MethodTOTP = "totp"

// TwoFactorCredential holds a user's encrypted TOTP secret and backup codes.
// A credential with IsVerified == false is a pending setup and grants nothing.
type TwoFactorCredential struct {
	UserID               primitive.ObjectID `bson:"user_id"`
	Method               string             `bson:"method"`
	EncryptedSecret      string             `bson:"encrypted_secret"`
	EncryptedBackupCodes []string           `bson:"encrypted_backup_codes"`
	BackupCodeHashes     []string           `bson:"backup_code_hashes"`
	UsedBackupCodes      []string           `bson:"used_backup_codes"`
	IsVerified           bool               `bson:"is_verified"`
	VerifiedAt           *time.Time         `bson:"verified_at,omitempty"`
	LastUsedAt           *time.Time         `bson:"last_used_at,omitempty"`
	// LastTOTPStep is the newest accepted TOTP time step; older or equal
	// steps are replays.
	LastTOTPStep int64     `bson:"last_totp_step"`
	CreatedAt    time.Time `bson:"created_at"`
}

// BackupCodeUsed reports whether hash is already in the consumed set.
func (c *TwoFactorCredential) BackupCodeUsed(hash string) bool {
	for _, h := range c.UsedBackupCodes {
		if h == hash {
			return true
		}
	}
	return false
}

// HasBackupCode reports whether hash belongs to the issued set.
func (c *TwoFactorCredential) HasBackupCode(hash string) bool {
	for _, h := range c.BackupCodeHashes {
		if h == hash {
			return true
		}
	}
	return false
}
