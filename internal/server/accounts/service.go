// Package accounts provisions and manages custodial accounts: wallet
// generation, secret sealing, optional faucet funding and subscription join.
package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/xrpkeeper/internal/cachex"
	"github.com/dmitrijs2005/xrpkeeper/internal/common"
	"github.com/dmitrijs2005/xrpkeeper/internal/logging"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/models"
	accountsrepo "github.com/dmitrijs2005/xrpkeeper/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/xrpkeeper/internal/server/sealing"
)

// initialFundingXRP is requested from the faucet for new testnet accounts,
// enough to cover the base reserve with headroom for fees.
const initialFundingXRP = 100

// WalletSource generates fresh keypairs.
type WalletSource interface {
	WalletPropose(ctx context.Context) (address, seed string, err error)
}

// Funder activates new accounts with faucet funds. Only meaningful on
// testnet.
type Funder interface {
	FundFromFaucet(ctx context.Context, address string, amount int) error
}

// Watcher is the subscription the new address should join. Joining is
// best-effort at provisioning time; the monitor picks the address up on its
// next restart regardless.
type Watcher interface {
	AddAddress(ctx context.Context, address string) error
}

type Service struct {
	repo    accountsrepo.Repository
	wallets WalletSource
	funder  Funder
	watcher Watcher
	sealer  sealing.Sealer
	cache   *cachex.Cache
	network string
	log     logging.Logger
}

func NewService(repo accountsrepo.Repository, wallets WalletSource, funder Funder,
	watcher Watcher, sealer sealing.Sealer, cache *cachex.Cache, network string, log logging.Logger) *Service {
	return &Service{
		repo:    repo,
		wallets: wallets,
		funder:  funder,
		watcher: watcher,
		sealer:  sealer,
		cache:   cache,
		network: network,
		log:     log.With("component", "accounts"),
	}
}

// Provision creates a custodial account: generates a wallet, seals the seed
// and stores the record. An empty ownerRef gets a generated one. On testnet
// the new address is also funded from the faucet.
func (s *Service) Provision(ctx context.Context, ownerRef string) (*models.Account, error) {
	if ownerRef == "" {
		ownerRef = uuid.NewString()
	}

	if _, err := s.repo.GetByOwnerRef(ctx, ownerRef); err == nil {
		return nil, fmt.Errorf("%w: owner %q already has an account", common.ErrorAlreadyExists, ownerRef)
	} else if !errors.Is(err, common.ErrorNotFound) {
		return nil, err
	}

	address, seed, err := s.wallets.WalletPropose(ctx)
	if err != nil {
		return nil, fmt.Errorf("generating wallet: %w", err)
	}

	sealed, err := s.sealer.Seal([]byte(seed))
	if err != nil {
		return nil, fmt.Errorf("sealing wallet seed: %w", err)
	}

	account, err := s.repo.Create(ctx, &models.Account{
		OwnerRef:      ownerRef,
		Address:       address,
		SealedSecret:  sealed,
		Notifications: true,
	})
	if err != nil {
		return nil, err
	}

	if s.network == "testnet" && s.funder != nil {
		if err := s.funder.FundFromFaucet(ctx, address, initialFundingXRP); err != nil {
			s.log.Warn(ctx, "faucet funding failed", "address", address, "error", err)
		}
	}

	if s.watcher != nil {
		if err := s.watcher.AddAddress(ctx, address); err != nil {
			s.log.Warn(ctx, "joining payment subscription failed", "address", address, "error", err)
		}
	}

	s.log.Info(ctx, "account provisioned", "owner", ownerRef, "address", address)
	return account, nil
}

// Get returns the account for an owner reference.
func (s *Service) Get(ctx context.Context, ownerRef string) (*models.Account, error) {
	return s.repo.GetByOwnerRef(ctx, ownerRef)
}

// SetNotifications toggles inbound-payment notifications for an account.
// The cached address lookup is dropped so readers see the new flag on their
// next payment, not after the cache TTL.
func (s *Service) SetNotifications(ctx context.Context, id int64, enabled bool) error {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.SetNotifications(ctx, id, enabled); err != nil {
		return err
	}
	s.invalidate(account.Address)
	return nil
}

// Deactivate removes an account from active use. Its history stays.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return err
	}
	s.invalidate(account.Address)
	return nil
}

func (s *Service) invalidate(address string) {
	if s.cache != nil {
		s.cache.Delete(cachex.KeyAccountByAddress(address))
	}
}
