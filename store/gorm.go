package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/songquanpeng/conduit-gateway/common"
	"github.com/songquanpeng/conduit-gateway/common/config"
	"github.com/songquanpeng/conduit-gateway/common/logger"
)

// GormStore implements ConfigStore and BalanceStore over a relational
// database reached through gorm. It is the reference/default store; a
// deployment may substitute any other ConfigStore/BalanceStore pair.
type GormStore struct {
	db *gorm.DB
}

// OpenGormStore opens the database named by config.DatabaseURL, falling back
// to a local SQLite file (config.SQLiteConfigPath) when unset, and migrates
// the control-plane schema.
func OpenGormStore() (*GormStore, error) {
	db, err := chooseDB(config.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if err := db.AutoMigrate(
		&Provider{}, &ProviderKeyCredential{}, &ModelMapping{}, &ModelCost{},
		&VirtualKeyGroup{}, &VirtualKey{}, &EphemeralMasterKey{},
	); err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}

	return &GormStore{db: db}, nil
}

func chooseDB(dsn string) (*gorm.DB, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"):
		logger.Logger.Info("using PostgreSQL as database")
		common.UsingPostgreSQL = true
		return gorm.Open(postgres.New(postgres.Config{
			DSN:                  dsn,
			PreferSimpleProtocol: true,
		}), &gorm.Config{PrepareStmt: true})
	case dsn != "":
		logger.Logger.Info("using MySQL as database")
		common.UsingMySQL = true
		normalized, err := common.NormalizeMySQLDSN(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "normalize MySQL DSN")
		}
		return gorm.Open(mysql.Open(normalized), &gorm.Config{PrepareStmt: true})
	default:
		logger.Logger.Info("DATABASE_URL not set, using SQLite as database",
			zap.String("path", common.SQLitePath))
		common.UsingSQLite = true
		dsn := fmt.Sprintf("%s?_busy_timeout=%d", common.SQLitePath, common.SQLiteBusyTimeout)
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{PrepareStmt: true})
	}
}

func (s *GormStore) ResolveVirtualKey(ctx context.Context, keyHash string) (*VirtualKey, *VirtualKeyGroup, error) {
	var vk VirtualKey
	if err := s.db.WithContext(ctx).Where("key_hash = ? AND status = ?", keyHash, StatusEnabled).First(&vk).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, NewNotFoundError("virtual key")
		}
		return nil, nil, errors.Wrap(err, "query virtual key")
	}

	var group VirtualKeyGroup
	if err := s.db.WithContext(ctx).Where("id = ? AND status = ?", vk.GroupID, StatusEnabled).First(&group).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, NewNotFoundError("virtual key group")
		}
		return nil, nil, errors.Wrap(err, "query virtual key group")
	}

	return &vk, &group, nil
}

func (s *GormStore) ModelMappingsForAlias(ctx context.Context, alias string) ([]*ModelMapping, error) {
	var mappings []*ModelMapping
	err := s.db.WithContext(ctx).
		Where("alias = ? AND status = ?", alias, StatusEnabled).
		Order("weight DESC").
		Find(&mappings).Error
	if err != nil {
		return nil, errors.Wrap(err, "query model mappings")
	}
	return mappings, nil
}

func (s *GormStore) ModelMapping(ctx context.Context, id int64) (*ModelMapping, error) {
	var m ModelMapping
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("model mapping")
		}
		return nil, errors.Wrap(err, "query model mapping")
	}
	return &m, nil
}

func (s *GormStore) Provider(ctx context.Context, id int64) (*Provider, error) {
	var p Provider
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("provider")
		}
		return nil, errors.Wrap(err, "query provider")
	}
	return &p, nil
}

func (s *GormStore) ProviderCredential(ctx context.Context, providerID int64) (*ProviderKeyCredential, error) {
	var cred ProviderKeyCredential
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND status = ?", providerID, StatusEnabled).
		Order("id DESC").
		First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("provider credential")
		}
		return nil, errors.Wrap(err, "query provider credential")
	}
	return &cred, nil
}

func (s *GormStore) ModelCost(ctx context.Context, providerID int64, nativeModelID string) (*ModelCost, error) {
	var cost ModelCost
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND native_model_id = ?", providerID, nativeModelID).
		First(&cost).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("model cost")
		}
		return nil, errors.Wrap(err, "query model cost")
	}
	return &cost, nil
}

func (s *GormStore) AllProviders(ctx context.Context) ([]*Provider, error) {
	var providers []*Provider
	if err := s.db.WithContext(ctx).Where("status = ?", StatusEnabled).Find(&providers).Error; err != nil {
		return nil, errors.Wrap(err, "query providers")
	}
	return providers, nil
}

func (s *GormStore) ModelMappingsForProvider(ctx context.Context, providerID int64) ([]*ModelMapping, error) {
	var mappings []*ModelMapping
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND status = ?", providerID, StatusEnabled).
		Find(&mappings).Error
	if err != nil {
		return nil, errors.Wrap(err, "query model mappings for provider")
	}
	return mappings, nil
}

// Debit subtracts amount from the group's balance inside a transaction that
// row-locks the group on PostgreSQL/MySQL, so concurrent debits do not lose
// updates. The result is not checked against zero and may be negative.
func (s *GormStore) Debit(ctx context.Context, groupID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var result decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("id = ?", groupID)
		// SQLite has no row-level locking syntax; its writer serializes the
		// whole database for the transaction's duration, so FOR UPDATE would
		// only produce a syntax error there for no additional safety.
		if common.UsingPostgreSQL || common.UsingMySQL {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var group VirtualKeyGroup
		if err := query.First(&group).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NewNotFoundError("virtual key group")
			}
			return errors.Wrap(err, "lock group for debit")
		}
		result = group.Balance.Sub(amount)
		return tx.Model(&VirtualKeyGroup{}).Where("id = ?", groupID).Update("balance", result).Error
	})
	if err != nil {
		return decimal.Zero, err
	}
	return result, nil
}

func (s *GormStore) Balance(ctx context.Context, groupID string) (decimal.Decimal, error) {
	var group VirtualKeyGroup
	if err := s.db.WithContext(ctx).Select("balance").Where("id = ?", groupID).First(&group).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, NewNotFoundError("virtual key group")
		}
		return decimal.Zero, errors.Wrap(err, "query balance")
	}
	return group.Balance, nil
}
