// Package accountdir provides the Account Directory: a read-mostly view
// over the master and child accounts, backed by an atomically-written
// JSON file.
package accountdir

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Pranav0209/trade-replicator/internal/storefile"
	"github.com/Pranav0209/trade-replicator/pkg/types"
	"github.com/Pranav0209/trade-replicator/pkg/utils"
)

// document is the on-disk shape: a flat array of accounts.
type document struct {
	Accounts []types.Account `json:"accounts"`
}

// Directory owns the on-disk account roster. Callers receive immutable
// snapshots; mutation only happens through the methods below, each of
// which is a serialised read-modify-write against the backing file.
type Directory struct {
	logger *zap.Logger
	file   *storefile.File
}

// New opens (or creates) the account directory backed by path.
func New(logger *zap.Logger, path string) (*Directory, error) {
	f, err := storefile.New(logger, path)
	if err != nil {
		return nil, err
	}
	return &Directory{logger: logger.Named("accountdir"), file: f}, nil
}

// SeedIfEmpty populates the directory from a configured roster the first
// time the backing file is empty. Existing accounts are left untouched.
func (d *Directory) SeedIfEmpty(seeds []types.AccountSeed) error {
	var doc document
	return d.file.Update(&doc, func() error {
		if len(doc.Accounts) > 0 {
			return nil
		}
		for _, s := range seeds {
			doc.Accounts = append(doc.Accounts, types.Account{
				AccountID:       s.AccountID,
				Role:            s.Role,
				BrokerKey:       s.BrokerKey,
				BrokerSecret:    s.BrokerSecret,
				Status:          types.StatusPending,
				Capital:         s.Capital,
				MaxCapitalUsage: s.MaxCapitalUsage,
			})
		}
		return nil
	})
}

// Lookup returns the account with the given id.
func (d *Directory) Lookup(accountID string) (types.Account, bool, error) {
	var doc document
	if err := d.file.Read(&doc); err != nil {
		return types.Account{}, false, err
	}
	for _, a := range doc.Accounts {
		if a.AccountID == accountID {
			return a, true, nil
		}
	}
	return types.Account{}, false, nil
}

// Master returns the single master account, if one is registered.
func (d *Directory) Master() (types.Account, bool, error) {
	var doc document
	if err := d.file.Read(&doc); err != nil {
		return types.Account{}, false, err
	}
	for _, a := range doc.Accounts {
		if a.Role == types.RoleMaster {
			return a, true, nil
		}
	}
	return types.Account{}, false, nil
}

// Children enumerates every account with RoleChild.
func (d *Directory) Children() ([]types.Account, error) {
	var doc document
	if err := d.file.Read(&doc); err != nil {
		return nil, err
	}
	children := make([]types.Account, 0, len(doc.Accounts))
	for _, a := range doc.Accounts {
		if a.Role == types.RoleChild {
			children = append(children, a)
		}
	}
	return children, nil
}

// All enumerates every account, redacted of credentials, for the admin API.
func (d *Directory) All() ([]types.Account, error) {
	var doc document
	if err := d.file.Read(&doc); err != nil {
		return nil, err
	}
	out := make([]types.Account, 0, len(doc.Accounts))
	for _, a := range doc.Accounts {
		out = append(out, a.Redacted())
	}
	return out, nil
}

// Register inserts a new account, failing if the id is already taken, or
// if the new account is a master and one already exists.
func (d *Directory) Register(a types.Account) error {
	var doc document
	return d.file.Update(&doc, func() error {
		for _, existing := range doc.Accounts {
			if existing.AccountID == a.AccountID {
				return fmt.Errorf("account %s already registered", a.AccountID)
			}
			if a.Role == types.RoleMaster && existing.Role == types.RoleMaster {
				return fmt.Errorf("a master account is already registered: %s", existing.AccountID)
			}
		}
		if a.Status == "" {
			a.Status = types.StatusPending
		}
		doc.Accounts = append(doc.Accounts, a)
		return nil
	})
}

// UpdateCredentials sets the access token and status, called from the
// OAuth-style callback handler once a request token has been exchanged.
func (d *Directory) UpdateCredentials(accountID, accessToken string, capital types.Account) error {
	var doc document
	return d.file.Update(&doc, func() error {
		for i := range doc.Accounts {
			if doc.Accounts[i].AccountID == accountID {
				doc.Accounts[i].AccessToken = accessToken
				doc.Accounts[i].Status = types.StatusConnected
				doc.Accounts[i].Capital = capital.Capital
				return nil
			}
		}
		return fmt.Errorf("account %s not found", accountID)
	})
}

// UpdateCapLimit sets a child's max_capital_usage. Zero means no cap.
func (d *Directory) UpdateCapLimit(accountID string, cap types.Account) error {
	var doc document
	return d.file.Update(&doc, func() error {
		for i := range doc.Accounts {
			if doc.Accounts[i].AccountID == accountID {
				if doc.Accounts[i].Role != types.RoleChild {
					return fmt.Errorf("account %s is not a child account", accountID)
				}
				doc.Accounts[i].MaxCapitalUsage = utils.MaxDecimal(cap.MaxCapitalUsage, decimal.Zero)
				return nil
			}
		}
		return fmt.Errorf("account %s not found", accountID)
	})
}

// MarkExpired transitions an account's status to expired, called when the
// broker reports an authentication failure for it.
func (d *Directory) MarkExpired(accountID string) error {
	var doc document
	return d.file.Update(&doc, func() error {
		for i := range doc.Accounts {
			if doc.Accounts[i].AccountID == accountID {
				doc.Accounts[i].Status = types.StatusExpired
				return nil
			}
		}
		return fmt.Errorf("account %s not found", accountID)
	})
}
