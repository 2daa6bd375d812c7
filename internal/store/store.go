package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

// UpsertAccount inserts or updates an account keyed by email address and
// fills in the row id.
func (s *Store) UpsertAccount(account *types.Account) error {
	_, err := s.db.NamedExec(`
		INSERT INTO accounts (email, display_name, imap_host, imap_port, smtp_host, smtp_port,
			provider, imap_security, smtp_security, auth_method, active)
		VALUES (:email, :display_name, :imap_host, :imap_port, :smtp_host, :smtp_port,
			:provider, :imap_security, :smtp_security, :auth_method, :active)
		ON CONFLICT(email) DO UPDATE SET
			display_name = excluded.display_name,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			smtp_host = excluded.smtp_host,
			smtp_port = excluded.smtp_port,
			provider = excluded.provider,
			imap_security = excluded.imap_security,
			smtp_security = excluded.smtp_security,
			auth_method = excluded.auth_method,
			active = excluded.active`, account)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return s.db.Get(&account.ID, "SELECT id FROM accounts WHERE email = ?", account.Email)
}

// GetAccount retrieves an account by id.
func (s *Store) GetAccount(id int64) (*types.Account, error) {
	var account types.Account
	if err := s.db.Get(&account, "SELECT * FROM accounts WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}
	return &account, nil
}

// GetAccountByEmail retrieves an account by email address.
func (s *Store) GetAccountByEmail(email string) (*types.Account, error) {
	var account types.Account
	if err := s.db.Get(&account, "SELECT * FROM accounts WHERE email = ?", email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account %s: %w", email, err)
	}
	return &account, nil
}

// ListActiveAccounts returns every account eligible for sync.
func (s *Store) ListActiveAccounts() ([]*types.Account, error) {
	var accounts []*types.Account
	if err := s.db.Select(&accounts, "SELECT * FROM accounts WHERE active = 1 ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// SetAccountSynced records the completion time of a full account sync.
func (s *Store) SetAccountSynced(accountID int64, at time.Time) error {
	if _, err := s.db.Exec("UPDATE accounts SET last_sync_at = ? WHERE id = ?", at, accountID); err != nil {
		return fmt.Errorf("failed to record account sync time: %w", err)
	}
	return nil
}

// UpsertFolder inserts or updates a folder keyed by (account, path) and
// returns the row id. UID validity is not touched here; the sync
// orchestrator manages it explicitly through UpdateFolderUIDValidity.
func (s *Store) UpsertFolder(folder *types.Folder) (int64, error) {
	_, err := s.db.NamedExec(`
		INSERT INTO folders (account_id, display_name, path, type, uid_validity)
		VALUES (:account_id, :display_name, :path, :type, :uid_validity)
		ON CONFLICT(account_id, path) DO UPDATE SET
			display_name = excluded.display_name,
			type = excluded.type`, folder)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert folder %s: %w", folder.Path, err)
	}
	var id int64
	if err := s.db.Get(&id, "SELECT id FROM folders WHERE account_id = ? AND path = ?", folder.AccountID, folder.Path); err != nil {
		return 0, fmt.Errorf("failed to resolve folder id for %s: %w", folder.Path, err)
	}
	folder.ID = id
	return id, nil
}

// GetFolder retrieves a folder by id.
func (s *Store) GetFolder(id int64) (*types.Folder, error) {
	var folder types.Folder
	if err := s.db.Get(&folder, "SELECT * FROM folders WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get folder %d: %w", id, err)
	}
	return &folder, nil
}

// GetFolderByPath retrieves a folder by its server-side path.
func (s *Store) GetFolderByPath(accountID int64, path string) (*types.Folder, error) {
	var folder types.Folder
	err := s.db.Get(&folder, "SELECT * FROM folders WHERE account_id = ? AND path = ?", accountID, path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get folder %s: %w", path, err)
	}
	return &folder, nil
}

// GetFolderByType retrieves the first folder of the given type for an account.
func (s *Store) GetFolderByType(accountID int64, folderType types.FolderType) (*types.Folder, error) {
	var folder types.Folder
	err := s.db.Get(&folder, "SELECT * FROM folders WHERE account_id = ? AND type = ? ORDER BY id LIMIT 1", accountID, folderType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s folder: %w", folderType, err)
	}
	return &folder, nil
}

// ListFolders returns every folder known for an account.
func (s *Store) ListFolders(accountID int64) ([]*types.Folder, error) {
	var folders []*types.Folder
	if err := s.db.Select(&folders, "SELECT * FROM folders WHERE account_id = ? ORDER BY id", accountID); err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

// UpdateFolderUIDValidity records a new validity epoch for a folder.
func (s *Store) UpdateFolderUIDValidity(folderID int64, validity uint32) error {
	if _, err := s.db.Exec("UPDATE folders SET uid_validity = ? WHERE id = ?", validity, folderID); err != nil {
		return fmt.Errorf("failed to update uid validity: %w", err)
	}
	return nil
}

// SetFolderSynced records a folder's message count and sync time.
func (s *Store) SetFolderSynced(folderID int64, messageCount int, at time.Time) error {
	_, err := s.db.Exec("UPDATE folders SET message_count = ?, last_synced_at = ? WHERE id = ?",
		messageCount, at, folderID)
	if err != nil {
		return fmt.Errorf("failed to record folder sync time: %w", err)
	}
	return nil
}

// DeleteFolderJoins removes every email/folder join for a folder. Called
// when the folder's UID validity changes: the old UIDs mean nothing under
// the new epoch, while the emails themselves stay and re-join by message id.
func (s *Store) DeleteFolderJoins(folderID int64) error {
	if _, err := s.db.Exec("DELETE FROM email_folders WHERE folder_id = ?", folderID); err != nil {
		return fmt.Errorf("failed to clear folder joins: %w", err)
	}
	return nil
}

// UpsertJoin records that an email lives in a folder at a UID. Re-applying
// an existing join is a no-op.
func (s *Store) UpsertJoin(emailID, folderID int64, uid uint32) error {
	_, err := s.db.Exec(`
		INSERT INTO email_folders (email_id, folder_id, uid)
		VALUES (?, ?, ?)
		ON CONFLICT(folder_id, uid) DO UPDATE SET email_id = excluded.email_id`,
		emailID, folderID, uid)
	if err != nil {
		return fmt.Errorf("failed to upsert folder join: %w", err)
	}
	return nil
}

// DeleteJoin removes a single email/folder join.
func (s *Store) DeleteJoin(folderID int64, uid uint32) error {
	if _, err := s.db.Exec("DELETE FROM email_folders WHERE folder_id = ? AND uid = ?", folderID, uid); err != nil {
		return fmt.Errorf("failed to delete folder join: %w", err)
	}
	return nil
}

// JoinedUIDs returns the set of UIDs already recorded for a folder. The sync
// orchestrator diffs server UIDs against this set to decide what to fetch.
func (s *Store) JoinedUIDs(folderID int64) (map[uint32]bool, error) {
	var uids []uint32
	if err := s.db.Select(&uids, "SELECT uid FROM email_folders WHERE folder_id = ?", folderID); err != nil {
		return nil, fmt.Errorf("failed to list folder uids: %w", err)
	}
	known := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		known[uid] = true
	}
	return known, nil
}

// MaxUID returns the highest UID recorded for a folder, 0 when empty.
func (s *Store) MaxUID(folderID int64) (uint32, error) {
	var max uint32
	if err := s.db.Get(&max, "SELECT COALESCE(MAX(uid), 0) FROM email_folders WHERE folder_id = ?", folderID); err != nil {
		return 0, fmt.Errorf("failed to get max uid: %w", err)
	}
	return max, nil
}

// JoinsForEmail returns every folder location of an email.
func (s *Store) JoinsForEmail(emailID int64) ([]types.EmailFolder, error) {
	var joins []types.EmailFolder
	if err := s.db.Select(&joins, "SELECT * FROM email_folders WHERE email_id = ? ORDER BY folder_id", emailID); err != nil {
		return nil, fmt.Errorf("failed to list email joins: %w", err)
	}
	return joins, nil
}

// EmailIDForUID resolves the email joined at a UID, 0 when absent.
func (s *Store) EmailIDForUID(folderID int64, uid uint32) (int64, error) {
	var id int64
	err := s.db.Get(&id, "SELECT email_id FROM email_folders WHERE folder_id = ? AND uid = ?", folderID, uid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to resolve uid %d: %w", uid, err)
	}
	return id, nil
}
